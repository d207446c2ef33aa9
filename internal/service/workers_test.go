package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

type recorderFunc func(ctx context.Context, inc models.IntegrityIncident) error

func (f recorderFunc) RecordIncident(ctx context.Context, inc models.IntegrityIncident) error {
	return f(ctx, inc)
}

func TestIncidentWorker_DrainsOnShutdown(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)

	w := NewIncidentWorker(recorderFunc(func(_ context.Context, inc models.IntegrityIncident) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, inc.Reason)

		return nil
	}), quietLogger(), 10)

	for _, reason := range []string{"a", "b", "c"} {
		w.Enqueue(models.IntegrityIncident{TenantID: "t", Scope: "chain", Reason: reason})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(got) != 3 {
		t.Errorf("recorded %v, want 3 incidents", got)
	}
}

func TestIncidentWorker_DropsWhenFull(t *testing.T) {
	var count int

	w := NewIncidentWorker(recorderFunc(func(context.Context, models.IntegrityIncident) error {
		count++
		return errors.New("write failed")
	}), quietLogger(), 2)

	for range 5 {
		w.Enqueue(models.IntegrityIncident{TenantID: "t", Scope: "anchor"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.Run(ctx)

	if count != 2 {
		t.Errorf("recorder called %d times, want 2 (queue capacity)", count)
	}
}

type fakeAnchorer struct {
	calls int
	err   error
}

func (f *fakeAnchorer) Anchor(_ context.Context, root string) (string, []byte, error) {
	f.calls++
	if f.err != nil {
		return "", nil, f.err
	}

	return "rfc3161:" + root[:8], []byte("token"), nil
}

func TestAnchorWorker_RunOnce(t *testing.T) {
	s := newMemStore()
	s.mustAppend("t1", "record.created", nil)
	s.mustAppend("t1", "record.created", nil)
	s.mustAppend("t2", "record.created", nil)

	ext := &fakeAnchorer{}
	w := NewAnchorWorker(s, ext, nil, AnchorWorkerConfig{
		Interval: time.Hour, Granularity: ledger.Daily, MaxExternalAttempts: 3,
	}, quietLogger())
	w.now = func() time.Time { return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	w.RunOnce(ctx)

	for _, tenant := range []string{"t1", "t2"} {
		a, err := s.GetAnchorByPeriod(ctx, tenant, "2026-03-04")
		if err != nil {
			t.Fatalf("anchor for %s: %v", tenant, err)
		}

		if a.ExternalAnchorRef == nil {
			t.Errorf("anchor for %s has no external ref", tenant)
		}
	}

	if ext.calls != 2 {
		t.Errorf("external calls = %d, want 2", ext.calls)
	}

	// A second pass in the same period finds nothing new.
	w.RunOnce(ctx)

	if n := len(s.anchors["t1"]); n != 1 {
		t.Errorf("t1 anchors = %d, want 1", n)
	}
	if ext.calls != 2 {
		t.Errorf("external calls after rerun = %d, want 2", ext.calls)
	}
}

func TestAnchorWorker_ExternalFailuresAreCapped(t *testing.T) {
	s := newMemStore()
	s.mustAppend("t1", "record.created", nil)

	ext := &fakeAnchorer{err: errors.New("tsa down")}
	w := NewAnchorWorker(s, ext, nil, AnchorWorkerConfig{Granularity: ledger.Hourly, MaxExternalAttempts: 2}, quietLogger())

	for range 4 {
		w.RunOnce(context.Background())
	}

	if ext.calls != 2 {
		t.Errorf("external calls = %d, want 2", ext.calls)
	}

	if a := s.anchors["t1"][0]; a.ExternalAttempts != 2 || a.ExternalAnchorRef != nil {
		t.Errorf("anchor attempts %d ref %v", a.ExternalAttempts, a.ExternalAnchorRef)
	}
}

// brokenAnchors fails every anchor with a chain break.
type brokenAnchors struct{ *memStore }

func (b brokenAnchors) CreateAnchor(_ context.Context, tenantID, _ string) (*models.LedgerAnchor, bool, error) {
	return nil, false, &models.CorruptionError{TenantID: tenantID, Seq: 2, Reason: "prev_hash mismatch"}
}

func TestAnchorWorker_CorruptionRaisesIncident(t *testing.T) {
	s := newMemStore()
	s.mustAppend("t1", "record.created", nil)

	incidents := &fakeIncidents{}
	w := NewAnchorWorker(brokenAnchors{s}, nil, incidents, AnchorWorkerConfig{Granularity: ledger.Daily}, quietLogger())

	w.RunOnce(context.Background())

	scopes := incidents.scopes()
	if len(scopes) != 1 || scopes[0] != "anchor" {
		t.Fatalf("incidents = %v, want one anchor incident", scopes)
	}

	inc := incidents.got[0]
	if inc.TenantID != "t1" || inc.Seq == nil || *inc.Seq != 2 {
		t.Errorf("incident = %+v, want tenant t1 at seq 2", inc)
	}

	if len(s.anchors["t1"]) != 0 {
		t.Errorf("expected no anchor, got %d", len(s.anchors["t1"]))
	}
}

func TestAnchorWorker_AnchorTenantRejectsBadPeriod(t *testing.T) {
	w := NewAnchorWorker(newMemStore(), nil, nil, AnchorWorkerConfig{}, quietLogger())

	if _, _, err := w.AnchorTenant(context.Background(), "t1", "2026/01/01"); models.KindOf(err) != models.KindValidation {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestReconciler_AbandonsStaleIntents(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()

	stale, _ := s.CreateIntent(ctx, models.CommandIntent{
		TenantID: testTenant, Action: models.ActionRecordUpdate, ActorID: "a", TargetType: "record", TargetID: "r1",
	})
	fresh, _ := s.CreateIntent(ctx, models.CommandIntent{
		TenantID: testTenant, Action: models.ActionRecordUpdate, ActorID: "a", TargetType: "record", TargetID: "r2",
	})

	s.mu.Lock()
	s.intents[stale.ID].CreatedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	r := NewReconciler(s, 15*time.Minute, time.Minute, quietLogger())

	n, err := r.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v; want 1", n, err)
	}

	if s.intentStatus(stale.ID) != models.IntentFailed || s.intentStatus(fresh.ID) != models.IntentPending {
		t.Errorf("stale %s fresh %s", s.intentStatus(stale.ID), s.intentStatus(fresh.ID))
	}

	abandoned := s.entriesNamed(testTenant, ledger.EventCommandAbandoned.String())
	if len(abandoned) != 1 || abandoned[0].TargetID != "r1" {
		t.Errorf("command.abandoned entries = %+v", abandoned)
	}

	if n, _ := r.RunOnce(ctx); n != 0 {
		t.Errorf("second pass settled %d, want 0", n)
	}
}

type purgerFunc func(ctx context.Context, batch int) (int64, error)

func (f purgerFunc) PurgeExpired(ctx context.Context, batch int) (int64, error) { return f(ctx, batch) }

func TestIdempotencySweeper_SweepsUntilShortBatch(t *testing.T) {
	batches := []int64{purgeBatch, purgeBatch, 7}
	calls := 0

	s := NewIdempotencySweeper(purgerFunc(func(context.Context, int) (int64, error) {
		n := batches[calls]
		calls++

		return n, nil
	}), time.Minute, quietLogger())

	total, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if total != 2*purgeBatch+7 || calls != 3 {
		t.Errorf("total %d calls %d", total, calls)
	}
}

func TestLedgerService_ExportBundleCapped(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 3, "")

	svc := NewLedgerService(s, s, nil, nil)

	b, err := svc.ExportBundle(context.Background(), testTenant, 0, 0)
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}

	if err := ledger.VerifyBundle(b); err != nil || len(b.Entries) != 3 {
		t.Errorf("bundle entries %d verify %v", len(b.Entries), err)
	}
}

func TestExportQueries_OpenArtifact(t *testing.T) {
	s := newMemStore()
	seedChain(t, s, 2, "")
	requestExports(t, s, 2, nil)

	p, jobs, storage := newTestPipeline(t, s, 1)
	ctx := context.Background()

	if _, err := p.ProcessNext(ctx, "w"); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	q := NewExportQueries(jobs, storage)
	all, _, _ := q.ListJobs(ctx, testTenant, 10, 0)

	for _, job := range all {
		_, rc, err := q.OpenArtifact(ctx, testTenant, job.ID)

		switch job.State {
		case models.JobReady:
			if err != nil {
				t.Fatalf("OpenArtifact(ready): %v", err)
			}
			rc.Close()
		default:
			if models.CodeOf(err) != models.CodeInvalidTransition {
				t.Errorf("OpenArtifact(%s) err = %v, want invalid_transition", job.State, err)
			}
		}
	}

	if _, _, err := q.OpenArtifact(ctx, "other-tenant", all[0].ID); models.KindOf(err) != models.KindNotFound {
		t.Errorf("cross-tenant err = %v, want not found", err)
	}
}
