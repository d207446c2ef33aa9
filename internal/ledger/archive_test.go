package ledger_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

func TestArchive_RoundTripVerifies(t *testing.T) {
	entries := buildChain(t, 5)
	b := bundleOf(t, entries, ledger.GenesisHash)
	b.Anchors = []models.LedgerAnchor{*anchorFor(t, entries[:4])}
	b.Selection = []int64{2, 4}

	var buf bytes.Buffer
	if err := ledger.WriteArchive(&buf, b); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	got, err := ledger.ReadArchive(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}

	if len(got.Entries) != 5 || len(got.Anchors) != 1 || len(got.Selection) != 2 {
		t.Fatalf("read back %d entries, %d anchors, %d selected", len(got.Entries), len(got.Anchors), len(got.Selection))
	}

	if err := ledger.VerifyBundle(got); err != nil {
		t.Errorf("VerifyBundle after archive round trip: %v", err)
	}
}

func TestArchive_Deterministic(t *testing.T) {
	b := bundleOf(t, buildChain(t, 3), ledger.GenesisHash)

	var first, second bytes.Buffer
	if err := ledger.WriteArchive(&first, b); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	if err := ledger.WriteArchive(&second, b); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("two writes of the same bundle differ")
	}
}

func TestArchive_TamperedEntryDetected(t *testing.T) {
	entries := buildChain(t, 3)
	b := bundleOf(t, entries, ledger.GenesisHash)
	b.Entries[1].ActorID = "mallory"

	var buf bytes.Buffer
	if err := ledger.WriteArchive(&buf, b); err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}

	got, err := ledger.ReadArchive(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}

	var ce *models.CorruptionError
	if err := ledger.VerifyBundle(got); !errors.As(err, &ce) || ce.Seq != 2 {
		t.Errorf("VerifyBundle = %v, want corruption at 2", err)
	}
}

func TestReadArchive_RejectsGarbage(t *testing.T) {
	data := []byte("not a zip")

	if _, err := ledger.ReadArchive(bytes.NewReader(data), int64(len(data))); err == nil {
		t.Error("ReadArchive accepted non-zip input")
	}
}
