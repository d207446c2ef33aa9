package service

import (
	"context"
	"io"
	"time"

	"github.com/persistorai/custodian/internal/artifact"
	"github.com/persistorai/custodian/internal/models"
)

// maxSyncBundle bounds bundles built inside an HTTP request.
const maxSyncBundle = 10_000

// IncidentLister reads the integrity incident log.
type IncidentLister interface {
	ListIncidents(ctx context.Context, tenantID string, limit, offset int) ([]models.IntegrityIncident, bool, error)
}

// RecordReader reads domain records.
type RecordReader interface {
	GetRecord(ctx context.Context, tenantID, recordID string) (*models.DomainRecord, error)
}

// LedgerService serves the read side of the ledger.
type LedgerService struct {
	ledger    LedgerReader
	anchors   AnchorReader
	incidents IncidentLister
	records   RecordReader
	now       func() time.Time
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(lr LedgerReader, ar AnchorReader, incidents IncidentLister, records RecordReader) *LedgerService {
	return &LedgerService{ledger: lr, anchors: ar, incidents: incidents, records: records, now: time.Now}
}

// ListEntries returns a page of entries (pass-through).
func (s *LedgerService) ListEntries(
	ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int,
) ([]models.LedgerEntry, bool, error) {
	return s.ledger.ListEntries(ctx, tenantID, fromSeq, toSeq, limit)
}

// ExportBundle builds a bundle synchronously for a bounded range.
func (s *LedgerService) ExportBundle(ctx context.Context, tenantID string, fromSeq, toSeq int64) (*models.LedgerBundle, error) {
	return BuildBundle(ctx, s.ledger, s.anchors, tenantID,
		models.ExportFilters{FromSeq: fromSeq, ToSeq: toSeq}, maxSyncBundle, s.now())
}

// ListAnchors returns a page of anchors (pass-through).
func (s *LedgerService) ListAnchors(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerAnchor, bool, error) {
	return s.anchors.ListAnchors(ctx, tenantID, limit, offset)
}

// ListIncidents returns a page of integrity incidents (pass-through).
func (s *LedgerService) ListIncidents(
	ctx context.Context, tenantID string, limit, offset int,
) ([]models.IntegrityIncident, bool, error) {
	return s.incidents.ListIncidents(ctx, tenantID, limit, offset)
}

// GetRecord returns a domain record (pass-through).
func (s *LedgerService) GetRecord(ctx context.Context, tenantID, recordID string) (*models.DomainRecord, error) {
	return s.records.GetRecord(ctx, tenantID, recordID)
}

// ExportQueries serves the read side of export jobs.
type ExportQueries struct {
	jobs    JobStore
	storage artifact.Storage
}

// NewExportQueries creates an ExportQueries.
func NewExportQueries(jobs JobStore, storage artifact.Storage) *ExportQueries {
	return &ExportQueries{jobs: jobs, storage: storage}
}

// ListJobs returns a page of the tenant's jobs (pass-through).
func (q *ExportQueries) ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]models.ExportJob, bool, error) {
	return q.jobs.ListJobs(ctx, tenantID, limit, offset)
}

// GetJob returns one job (pass-through).
func (q *ExportQueries) GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	return q.jobs.GetJob(ctx, tenantID, jobID)
}

// OpenArtifact opens the bundle of a ready job. The caller closes the reader.
func (q *ExportQueries) OpenArtifact(ctx context.Context, tenantID, jobID string) (*models.ExportJob, io.ReadCloser, error) {
	job, err := q.jobs.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, nil, err
	}

	if job.State != models.JobReady || job.ArtifactRef == nil {
		return nil, nil, models.NewConflictError(models.CodeInvalidTransition,
			"export job is "+string(job.State)+", artifact not available")
	}

	rc, err := q.storage.Get(ctx, tenantID, *job.ArtifactRef)
	if err != nil {
		return nil, nil, err
	}

	return job, rc, nil
}
