package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

// memStore is an in-memory stand-in for the Postgres stores. Transactions
// hold the store lock for their whole duration and apply staged writes
// only when fn succeeds.
type memStore struct {
	mu sync.Mutex

	entries map[string][]models.LedgerEntry
	anchors map[string][]models.LedgerAnchor
	records map[string]models.DomainRecord
	idem    map[string]*models.IdempotencyRecord
	jobs    map[string]*models.ExportJob
	active  map[string]int
	intents map[string]*models.CommandIntent
	refs    map[string]models.ArtifactRef

	// failTx makes the next n transactions fail with a storage error.
	failTx  int
	txCalls int
	// peakActive is the highest per-tenant active count seen.
	peakActive int
}

func newMemStore() *memStore {
	return &memStore{
		entries: map[string][]models.LedgerEntry{},
		anchors: map[string][]models.LedgerAnchor{},
		records: map[string]models.DomainRecord{},
		idem:    map[string]*models.IdempotencyRecord{},
		jobs:    map[string]*models.ExportJob{},
		active:  map[string]int{},
		intents: map[string]*models.CommandIntent{},
		refs:    map[string]models.ArtifactRef{},
	}
}

// appendLocked seals and appends one entry. The caller holds mu.
func (s *memStore) appendLocked(tenantID string, req models.AppendRequest) (*models.LedgerEntry, error) {
	meta, err := ledger.MarshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	chain := s.entries[tenantID]
	prev := ledger.GenesisHash
	if len(chain) > 0 {
		prev = chain[len(chain)-1].EntryHash
	}

	e := models.LedgerEntry{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		SequenceNo: int64(len(chain)) + 1,
		EventName:  req.EventName,
		ActorID:    req.ActorID,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Metadata:   meta,
		CreatedAt:  time.Now(),
	}

	if err := ledger.Seal(prev, &e); err != nil {
		return nil, err
	}

	s.entries[tenantID] = append(chain, e)

	return &e, nil
}

// mustAppend is a test helper that appends outside any command.
func (s *memStore) mustAppend(tenantID, event string, meta map[string]any) *models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.appendLocked(tenantID, models.AppendRequest{
		EventName: event, ActorID: "test", TargetType: "record", TargetID: uuid.NewString(), Metadata: meta,
	})
	if err != nil {
		panic(err)
	}

	return e
}

func (s *memStore) entryCount(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries[tenantID])
}

func (s *memStore) entriesNamed(tenantID, event string) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range s.entries[tenantID] {
		if e.EventName == event {
			out = append(out, e)
		}
	}

	return out
}

// tamper rewrites a stored entry in place, bypassing the chain.
func (s *memStore) tamper(tenantID string, seq int64, fn func(e *models.LedgerEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.entries[tenantID][seq-1])
}

// InTenantTx implements domain.Transactor.
func (s *memStore) InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx domain.TxWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCalls++

	if s.failTx > 0 {
		s.failTx--
		return models.NewStorageError("beginning transaction", errors.New("connection reset"))
	}

	snapshot := s.snapshotLocked()

	if err := fn(ctx, &memTx{s: s, tenantID: tenantID}); err != nil {
		s.restoreLocked(snapshot)
		return err
	}

	return nil
}

type memSnapshot struct {
	chainLen map[string]int
	records  map[string]models.DomainRecord
	idem     map[string]models.IdempotencyRecord
	jobs     map[string]models.ExportJob
	intents  map[string]models.CommandIntent
}

func (s *memStore) snapshotLocked() memSnapshot {
	snap := memSnapshot{
		chainLen: make(map[string]int, len(s.entries)),
		records:  make(map[string]models.DomainRecord, len(s.records)),
		idem:     make(map[string]models.IdempotencyRecord, len(s.idem)),
		jobs:     make(map[string]models.ExportJob, len(s.jobs)),
		intents:  make(map[string]models.CommandIntent, len(s.intents)),
	}

	for k, v := range s.entries {
		snap.chainLen[k] = len(v)
	}
	for k, v := range s.records {
		snap.records[k] = v
	}
	for k, v := range s.idem {
		snap.idem[k] = *v
	}
	for k, v := range s.jobs {
		snap.jobs[k] = *v
	}
	for k, v := range s.intents {
		snap.intents[k] = *v
	}

	return snap
}

// restoreLocked rolls back a failed transaction. Chains only grow inside
// a transaction, so truncating them is enough.
func (s *memStore) restoreLocked(snap memSnapshot) {
	for tenant := range s.entries {
		s.entries[tenant] = s.entries[tenant][:snap.chainLen[tenant]]
	}

	s.records = snap.records

	s.idem = map[string]*models.IdempotencyRecord{}
	for k, v := range snap.idem {
		s.idem[k] = &v
	}

	s.jobs = map[string]*models.ExportJob{}
	for k, v := range snap.jobs {
		s.jobs[k] = &v
	}

	s.intents = map[string]*models.CommandIntent{}
	for k, v := range snap.intents {
		s.intents[k] = &v
	}
}

type memTx struct {
	s        *memStore
	tenantID string
}

func (tx *memTx) AppendEntry(_ context.Context, req models.AppendRequest) (*models.LedgerEntry, error) {
	return tx.s.appendLocked(tx.tenantID, req)
}

func (tx *memTx) ApplyMutation(_ context.Context, m models.Mutation) (*models.DomainRecord, error) {
	now := time.Now()

	switch m.Op {
	case models.MutationCreate:
		id := m.RecordID
		if id == "" {
			id = uuid.NewString()
		}

		if _, ok := tx.s.records[id]; ok {
			return nil, models.NewConflictError(models.CodeAlreadyExists, "record already exists")
		}

		rec := models.DomainRecord{
			ID: id, TenantID: tx.tenantID, RecordType: m.RecordType, Data: m.Data,
			Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		tx.s.records[id] = rec

		return &rec, nil
	default:
		rec, ok := tx.s.records[m.RecordID]
		if !ok || rec.TenantID != tx.tenantID || rec.RecordType != m.RecordType || rec.Deleted {
			return nil, models.NewNotFoundError("record")
		}

		if rec.Version != m.ExpectedVersion {
			return nil, models.NewConflictError(models.CodeVersionConflict, "record version changed")
		}

		rec.Version++
		rec.UpdatedAt = now

		if m.Op == models.MutationDelete {
			rec.Deleted = true
		} else {
			rec.Data = m.Data
		}

		tx.s.records[rec.ID] = rec

		return &rec, nil
	}
}

func (tx *memTx) CompleteIdempotency(_ context.Context, key, requestHash string, result json.RawMessage) error {
	rec, ok := tx.s.idem[tx.tenantID+"/"+key]
	if !ok {
		return models.NewNotFoundError("idempotency key")
	}

	if rec.Status != models.IdempotencyPending || rec.RequestHash != requestHash {
		return models.NewIdempotencyConflict(key)
	}

	rec.Status = models.IdempotencyCompleted
	rec.Result = result

	return nil
}

func (tx *memTx) FailIdempotency(_ context.Context, key, requestHash, code string) error {
	rec, ok := tx.s.idem[tx.tenantID+"/"+key]
	if !ok {
		return models.NewNotFoundError("idempotency key")
	}

	if rec.Status != models.IdempotencyPending || rec.RequestHash != requestHash {
		return nil
	}

	rec.Status = models.IdempotencyFailed
	rec.ErrorCode = code

	return nil
}

func (tx *memTx) EnqueueExport(_ context.Context, req models.NewExportJob, maxQueued int) (*models.ExportJob, error) {
	if maxQueued > 0 {
		queued := 0
		for _, j := range tx.s.jobs {
			if j.TenantID == tx.tenantID && j.State == models.JobQueued {
				queued++
			}
		}

		if queued >= maxQueued {
			return nil, models.NewConflictError(models.CodeExportQueueFull, "export queue is full")
		}
	}

	now := time.Now()
	job := &models.ExportJob{
		ID: uuid.NewString(), TenantID: tx.tenantID, Kind: req.Kind, State: models.JobQueued,
		RequestedBy: req.RequestedBy, Filters: req.Filters, CreatedAt: now, UpdatedAt: now,
	}
	tx.s.jobs[job.ID] = job

	out := *job

	return &out, nil
}

func (tx *memTx) RequestExportCancel(_ context.Context, jobID string) (*models.ExportJob, error) {
	job, ok := tx.s.jobs[jobID]
	if !ok || job.TenantID != tx.tenantID {
		return nil, models.NewNotFoundError("export job")
	}

	switch {
	case job.State == models.JobQueued:
		job.State = models.JobCancelled
		job.CancelRequested = true
	case job.State.IsClaimed():
		job.CancelRequested = true
	}

	out := *job

	return &out, nil
}

func (tx *memTx) CompleteIntent(_ context.Context, intentID string) error {
	in, ok := tx.s.intents[intentID]
	if !ok || in.Status != models.IntentPending {
		return models.NewConflictError(models.CodeInvalidTransition, "intent is not pending")
	}

	in.Status = models.IntentCompleted

	return nil
}

// LedgerReader.

func (s *memStore) ListEntries(_ context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]models.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerEntry

	for _, e := range s.entries[tenantID] {
		if e.SequenceNo < fromSeq || (toSeq > 0 && e.SequenceNo > toSeq) {
			continue
		}

		if len(out) == limit {
			return out, true, nil
		}

		out = append(out, e)
	}

	return out, false, nil
}

func (s *memStore) EntryRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.LedgerEntry, error) {
	out, _, err := s.ListEntries(ctx, tenantID, fromSeq, toSeq, int(toSeq-fromSeq+1))
	return out, err
}

func (s *memStore) GetEntry(_ context.Context, tenantID string, seq int64) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.entries[tenantID]
	if seq < 1 || seq > int64(len(chain)) {
		return nil, models.NewNotFoundError("ledger entry")
	}

	e := chain[seq-1]

	return &e, nil
}

func (s *memStore) GetEntryByID(_ context.Context, tenantID, entryID string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries[tenantID] {
		if e.ID == entryID {
			return &e, nil
		}
	}

	return nil, models.NewNotFoundError("ledger entry")
}

func (s *memStore) PrevHash(_ context.Context, tenantID string, seq int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= 1 {
		return ledger.GenesisHash, nil
	}

	chain := s.entries[tenantID]
	if seq-1 > int64(len(chain)) {
		return "", models.NewNotFoundError("ledger entry")
	}

	return chain[seq-2].EntryHash, nil
}

func (s *memStore) Head(_ context.Context, tenantID string) (int64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.entries[tenantID]
	if len(chain) == 0 {
		return 0, ledger.GenesisHash, nil
	}

	return int64(len(chain)), chain[len(chain)-1].EntryHash, nil
}

// AnchorReader and AnchorWriter.

func (s *memStore) ListAnchors(_ context.Context, tenantID string, limit, offset int) ([]models.LedgerAnchor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.anchors[tenantID]
	if offset >= len(all) {
		return nil, false, nil
	}

	end := min(offset+limit, len(all))

	return append([]models.LedgerAnchor(nil), all[offset:end]...), end < len(all), nil
}

func (s *memStore) AnchorsInRange(_ context.Context, tenantID string, fromSeq, toSeq int64) ([]models.LedgerAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerAnchor
	for _, a := range s.anchors[tenantID] {
		if a.FirstSeq >= fromSeq && a.LastSeq <= toSeq {
			out = append(out, a)
		}
	}

	return out, nil
}

func (s *memStore) GetAnchorByPeriod(_ context.Context, tenantID, period string) (*models.LedgerAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.anchors[tenantID] {
		if a.Period == period {
			return &a, nil
		}
	}

	return nil, models.NewNotFoundError("anchor")
}

func (s *memStore) CoveringAnchor(_ context.Context, tenantID string, seq int64) (*models.LedgerAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.anchors[tenantID] {
		if a.FirstSeq <= seq && seq <= a.LastSeq {
			return &a, nil
		}
	}

	return nil, models.NewNotFoundError("anchor")
}

func (s *memStore) LastAnchoredSeq(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastAnchoredLocked(tenantID), nil
}

func (s *memStore) lastAnchoredLocked(tenantID string) int64 {
	all := s.anchors[tenantID]
	if len(all) == 0 {
		return 0
	}

	return all[len(all)-1].LastSeq
}

func (s *memStore) TenantsWithUnanchored(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for tenant, chain := range s.entries {
		if int64(len(chain)) > s.lastAnchoredLocked(tenant) {
			out = append(out, tenant)
		}
	}

	sort.Strings(out)

	return out, nil
}

func (s *memStore) CreateAnchor(_ context.Context, tenantID, period string) (*models.LedgerAnchor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.anchors[tenantID] {
		if a.Period == period {
			return &a, false, nil
		}
	}

	first := s.lastAnchoredLocked(tenantID) + 1
	chain := s.entries[tenantID]

	if first > int64(len(chain)) {
		return nil, false, nil
	}

	hashes := make([]string, 0, int64(len(chain))-first+1)
	for _, e := range chain[first-1:] {
		hashes = append(hashes, e.EntryHash)
	}

	root, err := ledger.MerkleRoot(hashes)
	if err != nil {
		return nil, false, err
	}

	a := models.LedgerAnchor{
		ID: uuid.NewString(), TenantID: tenantID, Period: period,
		FirstSeq: first, LastSeq: int64(len(chain)), MerkleRoot: root,
		EntryCount: int64(len(hashes)), AnchoredAt: time.Now(),
	}
	s.anchors[tenantID] = append(s.anchors[tenantID], a)

	return &a, true, nil
}

func (s *memStore) PendingExternal(_ context.Context, maxAttempts, limit int) ([]models.LedgerAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.LedgerAnchor

	for _, all := range s.anchors {
		for _, a := range all {
			if a.ExternalAnchorRef == nil && a.ExternalAttempts < maxAttempts && len(out) < limit {
				out = append(out, a)
			}
		}
	}

	return out, nil
}

func (s *memStore) updateAnchor(anchorID string, fn func(a *models.LedgerAnchor)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tenant, all := range s.anchors {
		for i := range all {
			if all[i].ID == anchorID {
				fn(&s.anchors[tenant][i])
			}
		}
	}
}

func (s *memStore) SetExternalRef(_ context.Context, anchorID, ref string, token []byte) error {
	s.updateAnchor(anchorID, func(a *models.LedgerAnchor) {
		now := time.Now()
		a.ExternalAnchorRef = &ref
		a.ExternalAnchorToken = token
		a.ExternalAnchoredAt = &now
		a.ExternalAttempts++
	})

	return nil
}

func (s *memStore) RecordExternalFailure(_ context.Context, anchorID, _ string) error {
	s.updateAnchor(anchorID, func(a *models.LedgerAnchor) { a.ExternalAttempts++ })
	return nil
}

// IdempotencyStore.

func (s *memStore) Reserve(
	_ context.Context, tenantID, key, requestHash string, lease time.Duration,
) (*models.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tenantID + "/" + key
	now := time.Now()

	if rec, ok := s.idem[id]; ok && now.Before(rec.ExpiresAt) {
		out := *rec
		return &out, false, nil
	}

	rec := &models.IdempotencyRecord{
		TenantID: tenantID, Key: key, RequestHash: requestHash,
		Status: models.IdempotencyPending, CreatedAt: now, ExpiresAt: now.Add(lease),
	}
	s.idem[id] = rec

	out := *rec

	return &out, true, nil
}

func (s *memStore) Release(_ context.Context, tenantID, key, requestHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idem[tenantID+"/"+key]
	if ok && rec.Status == models.IdempotencyPending && rec.RequestHash == requestHash {
		delete(s.idem, tenantID+"/"+key)
	}

	return nil
}

func (s *memStore) idemStatus(tenantID, key string) models.IdempotencyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idem[tenantID+"/"+key]; ok {
		return rec.Status
	}

	return ""
}

// IntentStore.

func (s *memStore) CreateIntent(_ context.Context, in models.CommandIntent) (*models.CommandIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	in.ID = uuid.NewString()
	in.Status = models.IntentPending
	in.CreatedAt, in.UpdatedAt = now, now
	s.intents[in.ID] = &in

	out := in

	return &out, nil
}

func (s *memStore) StaleIntents(_ context.Context, cutoff time.Time, limit int) ([]models.CommandIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CommandIntent
	for _, in := range s.intents {
		if in.Status == models.IntentPending && in.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *in)
		}
	}

	return out, nil
}

func (s *memStore) AbandonIntent(_ context.Context, in models.CommandIntent, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.intents[in.ID]
	if !ok || cur.Status != models.IntentPending {
		return false, nil
	}

	cur.Status = models.IntentFailed

	if _, err := s.appendLocked(in.TenantID, models.AppendRequest{
		EventName: ledger.EventCommandAbandoned.String(), ActorID: in.ActorID,
		TargetType: in.TargetType, TargetID: in.TargetID,
		Metadata: map[string]any{"intent_id": in.ID, "action": string(in.Action), "reason": reason},
	}); err != nil {
		return false, err
	}

	return true, nil
}

func (s *memStore) intentStatus(id string) models.IntentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.intents[id].Status
}

// ArtifactRefLookup.

func (s *memStore) LookupRef(_ context.Context, ref string) (*models.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rr, ok := s.refs[ref]
	if !ok {
		return nil, models.NewNotFoundError("artifact ref")
	}

	return &rr, nil
}

// memJobs implements JobStore and ClaimStrategy over a memStore.
type memJobs struct {
	s         *memStore
	maxActive int

	// advanced, when set, runs under the store lock after each transition.
	advanced func(job *models.ExportJob)
}

var (
	claimLost     = models.NewConflictError(models.CodeClaimLost, "job claim no longer held")
	cancelPending = models.NewConflictError(models.CodeCancelPending, "cancel requested before completion")
)

func (j *memJobs) Name() string { return "memory" }

func (j *memJobs) Claim(_ context.Context, workerID string) (*models.ExportJob, error) {
	s := j.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*models.ExportJob
	for _, job := range s.jobs {
		if job.State == models.JobQueued && s.active[job.TenantID] < j.maxActive {
			candidates = append(candidates, job)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(a, b int) bool { return candidates[a].CreatedAt.Before(candidates[b].CreatedAt) })

	job := candidates[0]
	job.State = models.JobPreparing
	job.ClaimedBy = &workerID
	job.ClaimVersion++
	job.Attempts++

	s.active[job.TenantID]++
	s.peakActive = max(s.peakActive, s.active[job.TenantID])

	out := *job

	return &out, nil
}

func (j *memJobs) GetJob(_ context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	job, ok := j.s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, models.NewNotFoundError("export job")
	}

	out := *job

	return &out, nil
}

func (j *memJobs) ListJobs(_ context.Context, tenantID string, limit, offset int) ([]models.ExportJob, bool, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	var all []models.ExportJob
	for _, job := range j.s.jobs {
		if job.TenantID == tenantID {
			all = append(all, *job)
		}
	}

	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })

	if offset >= len(all) {
		return nil, false, nil
	}

	end := min(offset+limit, len(all))

	return all[offset:end], end < len(all), nil
}

// held returns the stored job if workerID still owns it in state. The
// caller holds mu.
func (j *memJobs) held(job *models.ExportJob, workerID string) (*models.ExportJob, error) {
	cur, ok := j.s.jobs[job.ID]
	if !ok || cur.ClaimedBy == nil || *cur.ClaimedBy != workerID || cur.State != job.State {
		return nil, claimLost
	}

	return cur, nil
}

func (j *memJobs) Advance(_ context.Context, job *models.ExportJob, workerID string, to models.JobState) (*models.ExportJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	cur, err := j.held(job, workerID)
	if err != nil {
		return nil, err
	}

	if next, ok := cur.State.Next(); !ok || next != to || to.IsTerminal() {
		return nil, models.NewConflictError(models.CodeInvalidTransition, "bad transition")
	}

	cur.State = to
	if j.advanced != nil {
		j.advanced(cur)
	}

	out := *cur

	return &out, nil
}

func (j *memJobs) finish(job *models.ExportJob, workerID string, state models.JobState, event ledger.EventKind, meta map[string]any) (*models.ExportJob, *models.LedgerEntry, error) {
	cur, err := j.held(job, workerID)
	if err != nil {
		return nil, nil, err
	}

	e, err := j.s.appendLocked(cur.TenantID, models.AppendRequest{
		EventName: event.String(), ActorID: cur.RequestedBy, TargetType: "export_job", TargetID: cur.ID, Metadata: meta,
	})
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	cur.State = state
	cur.FinishedAt = &now
	j.s.active[cur.TenantID]--

	out := *cur

	return &out, e, nil
}

func (j *memJobs) Complete(
	_ context.Context, job *models.ExportJob, workerID string, c models.ExportCompletion,
) (*models.ExportJob, *models.LedgerEntry, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	if cur, err := j.held(job, workerID); err != nil {
		return nil, nil, err
	} else if cur.CancelRequested {
		return nil, nil, cancelPending
	}

	receipt := "rcpt_" + uuid.NewString()

	done, e, err := j.finish(job, workerID, models.JobReady, ledger.EventExportGenerated, map[string]any{
		"artifact_hash": c.ArtifactHash,
		"artifact_ref":  c.ArtifactKey,
		"entry_count":   c.EntryCount,
		"receipt_ref":   receipt,
	})
	if err != nil {
		return nil, nil, err
	}

	cur := j.s.jobs[job.ID]
	cur.ArtifactHash = &c.ArtifactHash
	cur.ArtifactRef = &c.ArtifactKey
	cur.ArtifactSize = &c.ArtifactSize
	cur.ReceiptRef = &receipt
	done.ArtifactHash, done.ArtifactRef, done.ArtifactSize, done.ReceiptRef =
		cur.ArtifactHash, cur.ArtifactRef, cur.ArtifactSize, cur.ReceiptRef

	j.s.refs[receipt] = models.ArtifactRef{
		Ref: receipt, TenantID: cur.TenantID, JobID: cur.ID, EntrySeq: e.SequenceNo, ArtifactHash: c.ArtifactHash,
	}

	return done, e, nil
}

func (j *memJobs) Fail(_ context.Context, job *models.ExportJob, workerID, reason string) (*models.ExportJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	done, _, err := j.finish(job, workerID, models.JobFailed, ledger.EventExportFailed, map[string]any{"reason": reason})
	if err == nil {
		j.s.jobs[job.ID].FailureReason = &reason
	}

	return done, err
}

func (j *memJobs) Cancel(_ context.Context, job *models.ExportJob, workerID string) (*models.ExportJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	done, _, err := j.finish(job, workerID, models.JobCancelled, ledger.EventExportCancelled, nil)

	return done, err
}

func (j *memJobs) SweepExpired(_ context.Context, _ int) (int, error) { return 0, nil }

// fakeIncidents collects enqueued incidents.
type fakeIncidents struct {
	mu  sync.Mutex
	got []models.IntegrityIncident
}

func (f *fakeIncidents) Enqueue(inc models.IntegrityIncident) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.got = append(f.got, inc)
}

func (f *fakeIncidents) scopes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.got))
	for _, inc := range f.got {
		out = append(out, inc.Scope)
	}

	return out
}
