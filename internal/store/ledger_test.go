package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
	"github.com/persistorai/custodian/internal/store"
)

func appendN(t *testing.T, ls *store.LedgerStore, tenantID string, n int) []*models.LedgerEntry {
	t.Helper()

	entries := make([]*models.LedgerEntry, 0, n)

	for i := range n {
		e, err := ls.Append(context.Background(), tenantID, models.AppendRequest{
			EventName:  "record.created",
			ActorID:    "actor-1",
			TargetType: "record",
			TargetID:   fmt.Sprintf("rec-%d", i),
			Metadata:   map[string]any{"i": i, "note": "entry"},
		})
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}

		entries = append(entries, e)
	}

	return entries
}

func TestAppendLinksChain(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	ctx := context.Background()

	entries := appendN(t, ls, tenantID, 3)

	if entries[0].SequenceNo != 1 {
		t.Errorf("first SequenceNo = %d, want 1", entries[0].SequenceNo)
	}
	if entries[0].PrevHash != ledger.GenesisHash {
		t.Errorf("first PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Errorf("entry %d PrevHash does not link to predecessor", i+1)
		}
	}

	seq, head, err := ls.Head(ctx, tenantID)
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if seq != 3 || head != entries[2].EntryHash {
		t.Errorf("Head = (%d, %q), want (3, %q)", seq, head, entries[2].EntryHash)
	}

	stored, err := ls.EntryRange(ctx, tenantID, 1, 3)
	if err != nil {
		t.Fatalf("EntryRange: %v", err)
	}
	if err := ledger.VerifyChain(tenantID, ledger.GenesisHash, stored); err != nil {
		t.Errorf("VerifyChain on stored entries: %v", err)
	}
}

func TestAppendConcurrentIsGapFree(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	ctx := context.Background()

	const writers, perWriter = 8, 5

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)

	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				_, err := ls.Append(ctx, tenantID, models.AppendRequest{
					EventName:  "record.updated",
					ActorID:    fmt.Sprintf("writer-%d", w),
					TargetType: "record",
					TargetID:   fmt.Sprintf("rec-%d-%d", w, i),
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent Append: %v", err)
	}

	entries, err := ls.EntryRange(ctx, tenantID, 1, writers*perWriter)
	if err != nil {
		t.Fatalf("EntryRange: %v", err)
	}
	if len(entries) != writers*perWriter {
		t.Fatalf("got %d entries, want %d", len(entries), writers*perWriter)
	}
	if err := ledger.VerifyChain(tenantID, ledger.GenesisHash, entries); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestAppendValidation(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)

	_, err := ls.Append(context.Background(), tenantID, models.AppendRequest{ActorID: "a"})
	if models.KindOf(err) != models.KindValidation {
		t.Errorf("empty event name: kind = %v, want validation", models.KindOf(err))
	}
}

func TestLedgerEntriesAreImmutable(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	ctx := context.Background()

	appendN(t, ls, tenantID, 1)

	tx, err := base.Pool.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // test cleanup.

	if _, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		t.Fatalf("set tenant: %v", err)
	}

	_, err = tx.Exec(ctx, "UPDATE ledger_entries SET actor_id = 'mallory' WHERE tenant_id = $1", tenantID)
	if err == nil {
		t.Fatal("UPDATE ledger_entries succeeded, want trigger rejection")
	}
}

func TestTamperedEntryFailsVerification(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	ctx := context.Background()

	appendN(t, ls, tenantID, 5)

	tamper(t, getTestEnv(t),
		`UPDATE ledger_entries SET metadata = '{"i":99,"note":"entry"}'
		WHERE tenant_id = $1 AND sequence_no = 3`, tenantID)

	entries, err := ls.EntryRange(ctx, tenantID, 1, 5)
	if err != nil {
		t.Fatalf("EntryRange: %v", err)
	}

	err = ledger.VerifyChain(tenantID, ledger.GenesisHash, entries)

	var ce *models.CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("VerifyChain error = %v, want CorruptionError", err)
	}
	if ce.Seq != 3 {
		t.Errorf("break at %d, want 3", ce.Seq)
	}
}

func TestListEntriesPaging(t *testing.T) {
	base, tenantID := setupTestBase(t)
	ls := store.NewLedgerStore(base)
	ctx := context.Background()

	appendN(t, ls, tenantID, 5)

	page, hasMore, err := ls.ListEntries(ctx, tenantID, 1, 0, 3)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(page) != 3 || !hasMore {
		t.Fatalf("first page = %d entries, hasMore=%v; want 3, true", len(page), hasMore)
	}

	page, hasMore, err = ls.ListEntries(ctx, tenantID, 4, 0, 3)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(page) != 2 || hasMore {
		t.Fatalf("second page = %d entries, hasMore=%v; want 2, false", len(page), hasMore)
	}
	if page[0].SequenceNo != 4 {
		t.Errorf("second page starts at %d, want 4", page[0].SequenceNo)
	}
}

func TestLedgerTenantIsolation(t *testing.T) {
	baseA, tenantA := setupTestBase(t)
	_, tenantB := setupTestBase(t)
	ls := store.NewLedgerStore(baseA)
	ctx := context.Background()

	appendN(t, ls, tenantA, 2)

	entries, _, err := ls.ListEntries(ctx, tenantB, 1, 0, 10)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("tenant B sees %d entries, want 0", len(entries))
	}

	_, err = ls.GetEntry(ctx, tenantB, 1)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetEntry across tenants: err = %v, want ErrNotFound", err)
	}
}
