package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/persistorai/custodian/internal/models"
)

func newTestVerifier(s *memStore) (*VerificationService, *fakeIncidents) {
	inc := &fakeIncidents{}
	return NewVerificationService(s, s, s, inc, quietLogger()), inc
}

// seedChain appends n entries and anchors them under period.
func seedChain(t *testing.T, s *memStore, n int, period string) {
	t.Helper()

	for i := range n {
		s.mustAppend(testTenant, "record.created", map[string]any{"i": i})
	}

	if period != "" {
		if _, _, err := s.CreateAnchor(context.Background(), testTenant, period); err != nil {
			t.Fatalf("CreateAnchor: %v", err)
		}
	}
}

func TestVerifyRange_IntactAndAnchored(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 5, "2026-01-01")
	seedChain(t, s, 3, "2026-01-02")

	v, inc := newTestVerifier(s)

	r, err := v.VerifyRange(context.Background(), testTenant, 0, 0)
	if err != nil {
		t.Fatalf("VerifyRange: %v", err)
	}

	if !r.Valid || !r.ChainIntact || !r.Anchored {
		t.Errorf("report = %+v, want valid, intact and anchored", r)
	}
	if r.FromSeq != 1 || r.ToSeq != 8 || r.EntriesChecked != 8 || r.AnchorsChecked != 2 {
		t.Errorf("report range %d..%d checked %d entries %d anchors", r.FromSeq, r.ToSeq, r.EntriesChecked, r.AnchorsChecked)
	}
	if len(inc.scopes()) != 0 {
		t.Errorf("incidents = %v, want none", inc.scopes())
	}
}

func TestVerifyRange_UnanchoredTail(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 3, "2026-01-01")
	seedChain(t, s, 2, "")

	v, _ := newTestVerifier(s)

	r, err := v.VerifyRange(context.Background(), testTenant, 1, 5)
	if err != nil {
		t.Fatalf("VerifyRange: %v", err)
	}

	if !r.Valid || r.Anchored {
		t.Errorf("report = %+v, want valid but not anchored", r)
	}
}

func TestVerifyRange_TamperedEntry(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 6, "2026-01-01")

	s.tamper(testTenant, 4, func(e *models.LedgerEntry) {
		e.Metadata = json.RawMessage(`{"i":99}`)
	})

	v, inc := newTestVerifier(s)

	r, err := v.VerifyRange(context.Background(), testTenant, 0, 0)
	if err != nil {
		t.Fatalf("VerifyRange: %v", err)
	}

	if r.Valid || r.ChainIntact || r.BreakAt == nil || *r.BreakAt != 4 {
		t.Errorf("report = %+v, want break at 4", r)
	}

	if scopes := inc.scopes(); len(scopes) != 1 || scopes[0] != "chain" {
		t.Errorf("incidents = %v, want one chain incident", scopes)
	}
}

func TestVerifyRange_TamperedAnchor(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 4, "2026-01-01")

	s.updateAnchor(s.anchors[testTenant][0].ID, func(a *models.LedgerAnchor) {
		a.MerkleRoot = strings.Repeat("f", 64)
	})

	v, inc := newTestVerifier(s)

	r, err := v.VerifyPeriod(context.Background(), testTenant, "2026-01-01")
	if err != nil {
		t.Fatalf("VerifyPeriod: %v", err)
	}

	if r.Valid || !r.ChainIntact || r.Anchored {
		t.Errorf("report = %+v, want intact chain with invalid anchor", r)
	}

	if scopes := inc.scopes(); len(scopes) != 1 || scopes[0] != "anchor" {
		t.Errorf("incidents = %v, want one anchor incident", scopes)
	}
}

func TestVerifyEntry_WidensToCoveringAnchor(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 5, "2026-01-01")

	v, _ := newTestVerifier(s)

	r, err := v.VerifyEntry(context.Background(), testTenant, 3)
	if err != nil {
		t.Fatalf("VerifyEntry: %v", err)
	}

	if !r.Valid || !r.Anchored || r.EntriesChecked != 5 || r.AnchorsChecked != 1 {
		t.Errorf("report = %+v, want anchored after checking the whole anchor", r)
	}
	if r.FromSeq != 3 || r.ToSeq != 3 {
		t.Errorf("report range = %d..%d, want 3..3", r.FromSeq, r.ToSeq)
	}
}

func TestVerifyEntryID_ResolvesToSequence(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 4, "")

	v, _ := newTestVerifier(s)
	ctx := context.Background()

	target, _ := s.GetEntry(ctx, testTenant, 2)

	r, err := v.VerifyEntryID(ctx, testTenant, target.ID)
	if err != nil {
		t.Fatalf("VerifyEntryID: %v", err)
	}
	if !r.Valid || r.FromSeq != 2 || r.ToSeq != 2 {
		t.Errorf("report = %+v, want valid for seq 2", r)
	}

	if _, err := v.VerifyEntryID(ctx, testTenant, "seq-2"); models.KindOf(err) != models.KindValidation {
		t.Errorf("VerifyEntryID(bad id) err = %v, want validation", err)
	}
	if _, err := v.VerifyEntryID(ctx, "other-tenant", target.ID); models.KindOf(err) != models.KindNotFound {
		t.Errorf("VerifyEntryID(other tenant) err = %v, want not found", err)
	}
}

func TestVerify_InputErrors(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 2, "")

	v, _ := newTestVerifier(s)
	ctx := context.Background()

	if _, err := v.VerifyEntry(ctx, testTenant, 0); models.KindOf(err) != models.KindValidation {
		t.Errorf("VerifyEntry(0) err = %v, want validation", err)
	}
	if _, err := v.VerifyEntry(ctx, testTenant, 9); models.KindOf(err) != models.KindNotFound {
		t.Errorf("VerifyEntry(9) err = %v, want not found", err)
	}
	if _, err := v.VerifyRange(ctx, testTenant, 5, 2); models.KindOf(err) != models.KindValidation {
		t.Errorf("VerifyRange(5,2) err = %v, want validation", err)
	}
	if _, err := v.VerifyPeriod(ctx, testTenant, "yesterday"); models.KindOf(err) != models.KindValidation {
		t.Errorf("VerifyPeriod(bad) err = %v, want validation", err)
	}
	if _, err := v.VerifyPeriod(ctx, testTenant, "2026-01-01"); models.KindOf(err) != models.KindNotFound {
		t.Errorf("VerifyPeriod(missing) err = %v, want not found", err)
	}

	r, err := v.VerifyRange(ctx, "empty-tenant", 0, 0)
	if err != nil || !r.Valid || r.EntriesChecked != 0 {
		t.Errorf("empty ledger = %+v, %v; want valid and empty", r, err)
	}
}

// exportOnce runs one export through the pipeline and returns its receipt.
func exportOnce(t *testing.T, s *memStore) string {
	t.Helper()

	requestExports(t, s, 1, nil)

	p, jobs, _ := newTestPipeline(t, s, 1)
	if handled, err := p.ProcessNext(context.Background(), "w"); err != nil || !handled {
		t.Fatalf("ProcessNext = %v, %v", handled, err)
	}

	all, _, _ := jobs.ListJobs(context.Background(), testTenant, 1, 0)
	if all[0].ReceiptRef == nil {
		t.Fatalf("job %s has no receipt", all[0].State)
	}

	return *all[0].ReceiptRef
}

func TestVerifyArtifact(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 3, "")
	ref := exportOnce(t, s)

	v, inc := newTestVerifier(s)
	ctx := context.Background()

	got, err := v.VerifyArtifact(ctx, ref)
	if err != nil {
		t.Fatalf("VerifyArtifact: %v", err)
	}

	if !got.Valid || !got.ChainIntact || got.Anchored || got.ArtifactHash == "" || got.AnchorRef != nil {
		t.Errorf("verification = %+v, want valid unanchored", got)
	}

	if _, _, err := s.CreateAnchor(ctx, testTenant, "2026-01-01"); err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}
	anchorID := s.anchors[testTenant][0].ID
	if err := s.SetExternalRef(ctx, anchorID, "rfc3161:abc", []byte{1}); err != nil {
		t.Fatalf("SetExternalRef: %v", err)
	}

	got, err = v.VerifyArtifact(ctx, ref)
	if err != nil {
		t.Fatalf("VerifyArtifact anchored: %v", err)
	}

	if !got.Anchored || got.AnchorRef == nil || *got.AnchorRef != "rfc3161:abc" {
		t.Errorf("verification = %+v, want anchored with external ref", got)
	}

	out, _ := json.Marshal(got)
	if strings.Contains(string(out), testTenant) {
		t.Errorf("public verification leaks tenant id: %s", out)
	}

	if len(inc.scopes()) != 0 {
		t.Errorf("incidents = %v, want none", inc.scopes())
	}
}

func TestVerifyArtifact_ReceiptMismatch(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 1, "")
	ref := exportOnce(t, s)

	s.mu.Lock()
	rr := s.refs[ref]
	rr.ArtifactHash = strings.Repeat("0", 64)
	s.refs[ref] = rr
	s.mu.Unlock()

	v, inc := newTestVerifier(s)

	got, err := v.VerifyArtifact(context.Background(), ref)
	if err != nil {
		t.Fatalf("VerifyArtifact: %v", err)
	}

	if got.Valid {
		t.Errorf("verification = %+v, want invalid", got)
	}

	if scopes := inc.scopes(); len(scopes) != 1 || scopes[0] != "receipt" {
		t.Errorf("incidents = %v, want one receipt incident", scopes)
	}
}

func TestVerifyArtifact_UnknownRefs(t *testing.T) {
	v, _ := newTestVerifier(newMemStore())

	for _, ref := range []string{"rcpt_missing", "not-a-receipt", "rcpt_" + strings.Repeat("x", 80)} {
		if _, err := v.VerifyArtifact(context.Background(), ref); models.KindOf(err) != models.KindNotFound {
			t.Errorf("VerifyArtifact(%q) err = %v, want not found", ref, err)
		}
	}
}
