package ledger_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

func wantBreakAt(t *testing.T, err error, seq int64) *models.CorruptionError {
	t.Helper()

	var ce *models.CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CorruptionError", err)
	}

	if ce.Seq != seq {
		t.Fatalf("break at seq %d, want %d (%s)", ce.Seq, seq, ce.Reason)
	}

	return ce
}

func TestVerifyChain_Intact(t *testing.T) {
	entries := buildChain(t, 5)

	if err := ledger.VerifyChain(testTenant, ledger.GenesisHash, entries); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	if err := ledger.VerifyChain(testTenant, ledger.GenesisHash, nil); err != nil {
		t.Fatalf("VerifyChain(nil): %v", err)
	}
}

func TestVerifyChain_MetadataTamper(t *testing.T) {
	entries := buildChain(t, 5)
	entries[2].Metadata = json.RawMessage(`{"n":3,"note":"edited"}`)

	ce := wantBreakAt(t, ledger.VerifyChain(testTenant, ledger.GenesisHash, entries), 3)
	if ce.Reason != "entry_hash mismatch" {
		t.Errorf("reason = %q", ce.Reason)
	}
}

func TestVerifyChain_RehashedEntryBreaksSuccessor(t *testing.T) {
	entries := buildChain(t, 5)
	entries[2].Metadata = json.RawMessage(`{"n":3,"note":"edited"}`)

	if err := ledger.Seal(entries[2].PrevHash, &entries[2]); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	ce := wantBreakAt(t, ledger.VerifyChain(testTenant, ledger.GenesisHash, entries), 4)
	if !strings.Contains(ce.Reason, "prev_hash") {
		t.Errorf("reason = %q", ce.Reason)
	}
}

func TestVerifyChain_SequenceGap(t *testing.T) {
	entries := buildChain(t, 5)
	entries = append(entries[:2], entries[3:]...)

	wantBreakAt(t, ledger.VerifyChain(testTenant, ledger.GenesisHash, entries), 4)
}

func TestVerifyChain_WrongStartHash(t *testing.T) {
	entries := buildChain(t, 3)

	wantBreakAt(t, ledger.VerifyChain(testTenant, strings.Repeat("f", 64), entries), 1)
}

func TestVerifyChain_MidRange(t *testing.T) {
	entries := buildChain(t, 6)

	if err := ledger.VerifyChain(testTenant, entries[2].EntryHash, entries[3:]); err != nil {
		t.Fatalf("VerifyChain from seq 4: %v", err)
	}
}

func TestVerifyChain_ForeignTenant(t *testing.T) {
	entries := buildChain(t, 2)

	wantBreakAt(t, ledger.VerifyChain("00000000-0000-0000-0000-000000000002", ledger.GenesisHash, entries), 1)
}

func anchorFor(t *testing.T, entries []models.LedgerEntry) *models.LedgerAnchor {
	t.Helper()

	hashes := make([]string, len(entries))
	for i := range entries {
		hashes[i] = entries[i].EntryHash
	}

	root, err := ledger.MerkleRoot(hashes)
	if err != nil {
		t.Fatalf("MerkleRoot: %v", err)
	}

	return &models.LedgerAnchor{
		TenantID:   testTenant,
		Period:     "2026-03-14",
		FirstSeq:   entries[0].SequenceNo,
		LastSeq:    entries[len(entries)-1].SequenceNo,
		MerkleRoot: root,
		EntryCount: int64(len(entries)),
	}
}

func TestVerifyAnchor(t *testing.T) {
	entries := buildChain(t, 5)
	a := anchorFor(t, entries)

	if err := ledger.VerifyAnchor(a, entries); err != nil {
		t.Fatalf("VerifyAnchor: %v", err)
	}

	a.MerkleRoot = strings.Repeat("0", 64)

	var ce *models.CorruptionError
	if err := ledger.VerifyAnchor(a, entries); !errors.As(err, &ce) || ce.Period != "2026-03-14" {
		t.Fatalf("err = %v, want corruption naming the period", err)
	}
}

func TestVerifyAnchor_CountMismatch(t *testing.T) {
	entries := buildChain(t, 3)
	a := anchorFor(t, entries)

	// [a b c] and [a b c c] share a root under the duplicate-last rule, so
	// the stored count is what pins the range.
	padded := append(append([]models.LedgerEntry{}, entries...), entries[2])

	if err := ledger.VerifyAnchor(a, padded); err == nil {
		t.Fatal("expected count mismatch")
	}
}

func TestVerifyAnchorHashes_RangeDisagreesWithCount(t *testing.T) {
	entries := buildChain(t, 3)
	a := anchorFor(t, entries)
	a.LastSeq = 4

	hashes := []string{entries[0].EntryHash, entries[1].EntryHash, entries[2].EntryHash}

	var ce *models.CorruptionError
	if err := ledger.VerifyAnchorHashes(a, hashes); !errors.As(err, &ce) {
		t.Fatalf("err = %v, want corruption", err)
	}
}
