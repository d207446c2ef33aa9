package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
	"github.com/persistorai/custodian/internal/store"
)

func TestCreateAnchorIsIdempotent(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	as := store.NewAnchorStore(base)
	ctx := context.Background()

	appendN(t, ls, tenantID, 3)

	first, created, err := as.CreateAnchor(ctx, tenantID, "2026-01-01")
	if err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}
	if !created || first.FirstSeq != 1 || first.LastSeq != 3 || first.EntryCount != 3 {
		t.Fatalf("first anchor = %+v created=%v, want 1..3 created", first, created)
	}

	again, created, err := as.CreateAnchor(ctx, tenantID, "2026-01-01")
	if err != nil {
		t.Fatalf("CreateAnchor rerun: %v", err)
	}
	if created || again.ID != first.ID || again.MerkleRoot != first.MerkleRoot {
		t.Errorf("rerun = %+v created=%v, want existing anchor", again, created)
	}

	none, created, err := as.CreateAnchor(ctx, tenantID, "2026-01-02")
	if err != nil || none != nil || created {
		t.Errorf("anchor with nothing new = %v, %v, %v; want nil", none, created, err)
	}

	entries, err := ls.EntryRange(ctx, tenantID, 1, 3)
	if err != nil {
		t.Fatalf("EntryRange: %v", err)
	}
	if err := ledger.VerifyAnchor(first, entries); err != nil {
		t.Errorf("VerifyAnchor: %v", err)
	}
}

func TestAnchorsAreContiguous(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	as := store.NewAnchorStore(base)
	ctx := context.Background()

	appendN(t, ls, tenantID, 2)

	if _, _, err := as.CreateAnchor(ctx, tenantID, "2026-01-01"); err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}

	appendN(t, ls, tenantID, 3)

	second, created, err := as.CreateAnchor(ctx, tenantID, "2026-01-02")
	if err != nil || !created {
		t.Fatalf("second CreateAnchor = %v, %v", created, err)
	}
	if second.FirstSeq != 3 || second.LastSeq != 5 {
		t.Errorf("second anchor covers %d..%d, want 3..5", second.FirstSeq, second.LastSeq)
	}

	covering, err := as.CoveringAnchor(ctx, tenantID, 4)
	if err != nil {
		t.Fatalf("CoveringAnchor: %v", err)
	}
	if covering.ID != second.ID {
		t.Errorf("CoveringAnchor(4) = %s, want %s", covering.Period, second.Period)
	}

	last, err := as.LastAnchoredSeq(ctx, tenantID)
	if err != nil || last != 5 {
		t.Errorf("LastAnchoredSeq = %d, %v; want 5", last, err)
	}

	inRange, err := as.AnchorsInRange(ctx, tenantID, 1, 5)
	if err != nil || len(inRange) != 2 {
		t.Errorf("AnchorsInRange = %d anchors, %v; want 2", len(inRange), err)
	}
}

func TestTamperedAnchorFailsVerification(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	as := store.NewAnchorStore(base)
	ctx := context.Background()

	appendN(t, ls, tenantID, 4)

	a, _, err := as.CreateAnchor(ctx, tenantID, "2026-01-01")
	if err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}

	execSystem(t, getTestEnv(t), `UPDATE ledger_anchors SET merkle_root = repeat('f', 64) WHERE id = $1`, a.ID)

	tampered, err := as.GetAnchorByPeriod(ctx, tenantID, "2026-01-01")
	if err != nil {
		t.Fatalf("GetAnchorByPeriod: %v", err)
	}

	entries, err := ls.EntryRange(ctx, tenantID, 1, 4)
	if err != nil {
		t.Fatalf("EntryRange: %v", err)
	}

	var ce *models.CorruptionError
	if err := ledger.VerifyAnchor(tampered, entries); !errors.As(err, &ce) {
		t.Errorf("VerifyAnchor = %v, want CorruptionError", err)
	}
}

func TestExternalAnchorBookkeeping(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	as := store.NewAnchorStore(base)
	ctx := context.Background()

	appendN(t, ls, tenantID, 1)

	a, _, err := as.CreateAnchor(ctx, tenantID, "2026-01-01T10")
	if err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}

	if err := as.RecordExternalFailure(ctx, a.ID, "tsa unavailable"); err != nil {
		t.Fatalf("RecordExternalFailure: %v", err)
	}

	if err := as.SetExternalRef(ctx, a.ID, "rfc3161:abc", []byte{0x30, 0x00}); err != nil {
		t.Fatalf("SetExternalRef: %v", err)
	}

	got, err := as.GetAnchorByPeriod(ctx, tenantID, "2026-01-01T10")
	if err != nil {
		t.Fatalf("GetAnchorByPeriod: %v", err)
	}
	if got.ExternalAnchorRef == nil || *got.ExternalAnchorRef != "rfc3161:abc" {
		t.Errorf("ExternalAnchorRef = %v, want rfc3161:abc", got.ExternalAnchorRef)
	}
	if got.ExternalAttempts != 2 {
		t.Errorf("ExternalAttempts = %d, want 2", got.ExternalAttempts)
	}
}
