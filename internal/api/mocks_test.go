package api_test

import (
	"context"
	"io"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/models"
)

// mockRunner implements api.CommandExecutor for testing.
type mockRunner struct {
	executeFn func(ctx context.Context, cmd models.Command, p models.Principal, key string) (*models.CommandResult, bool, error)
}

func (m *mockRunner) Execute(ctx context.Context, cmd models.Command, p models.Principal, key string) (*models.CommandResult, bool, error) {
	return m.executeFn(ctx, cmd, p, key)
}

// mockLedger implements api.LedgerQueries for testing.
type mockLedger struct {
	entriesFn   func(ctx context.Context, tenantID string, from, to int64, limit int) ([]models.LedgerEntry, bool, error)
	bundleFn    func(ctx context.Context, tenantID string, from, to int64) (*models.LedgerBundle, error)
	anchorsFn   func(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerAnchor, bool, error)
	incidentsFn func(ctx context.Context, tenantID string, limit, offset int) ([]models.IntegrityIncident, bool, error)
	recordFn    func(ctx context.Context, tenantID, id string) (*models.DomainRecord, error)
}

func (m *mockLedger) ListEntries(ctx context.Context, tenantID string, from, to int64, limit int) ([]models.LedgerEntry, bool, error) {
	return m.entriesFn(ctx, tenantID, from, to, limit)
}

func (m *mockLedger) ExportBundle(ctx context.Context, tenantID string, from, to int64) (*models.LedgerBundle, error) {
	return m.bundleFn(ctx, tenantID, from, to)
}

func (m *mockLedger) ListAnchors(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerAnchor, bool, error) {
	return m.anchorsFn(ctx, tenantID, limit, offset)
}

func (m *mockLedger) ListIncidents(ctx context.Context, tenantID string, limit, offset int) ([]models.IntegrityIncident, bool, error) {
	return m.incidentsFn(ctx, tenantID, limit, offset)
}

func (m *mockLedger) GetRecord(ctx context.Context, tenantID, id string) (*models.DomainRecord, error) {
	return m.recordFn(ctx, tenantID, id)
}

// mockAnchors implements api.AnchorTrigger for testing.
type mockAnchors struct {
	anchorFn func(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, bool, error)
}

func (m *mockAnchors) AnchorTenant(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, bool, error) {
	return m.anchorFn(ctx, tenantID, period)
}

// mockVerifier implements api.Verifier for testing.
type mockVerifier struct {
	rangeFn    func(ctx context.Context, tenantID string, from, to int64) (*models.VerificationReport, error)
	entryFn    func(ctx context.Context, tenantID string, seq int64) (*models.VerificationReport, error)
	entryIDFn  func(ctx context.Context, tenantID, entryID string) (*models.VerificationReport, error)
	periodFn   func(ctx context.Context, tenantID, period string) (*models.VerificationReport, error)
	artifactFn func(ctx context.Context, ref string) (*models.ArtifactVerification, error)
}

func (m *mockVerifier) VerifyRange(ctx context.Context, tenantID string, from, to int64) (*models.VerificationReport, error) {
	return m.rangeFn(ctx, tenantID, from, to)
}

func (m *mockVerifier) VerifyEntry(ctx context.Context, tenantID string, seq int64) (*models.VerificationReport, error) {
	return m.entryFn(ctx, tenantID, seq)
}

func (m *mockVerifier) VerifyEntryID(ctx context.Context, tenantID, entryID string) (*models.VerificationReport, error) {
	return m.entryIDFn(ctx, tenantID, entryID)
}

func (m *mockVerifier) VerifyPeriod(ctx context.Context, tenantID, period string) (*models.VerificationReport, error) {
	return m.periodFn(ctx, tenantID, period)
}

func (m *mockVerifier) VerifyArtifact(ctx context.Context, ref string) (*models.ArtifactVerification, error) {
	return m.artifactFn(ctx, ref)
}

// mockExports implements api.ExportReader for testing.
type mockExports struct {
	listFn func(ctx context.Context, tenantID string, limit, offset int) ([]models.ExportJob, bool, error)
	getFn  func(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error)
	openFn func(ctx context.Context, tenantID, jobID string) (*models.ExportJob, io.ReadCloser, error)
}

func (m *mockExports) ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]models.ExportJob, bool, error) {
	return m.listFn(ctx, tenantID, limit, offset)
}

func (m *mockExports) GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	return m.getFn(ctx, tenantID, jobID)
}

func (m *mockExports) OpenArtifact(ctx context.Context, tenantID, jobID string) (*models.ExportJob, io.ReadCloser, error) {
	return m.openFn(ctx, tenantID, jobID)
}

// mockDB implements api.DBProbe for testing.
type mockDB struct {
	healthErr error
	schemaOK  bool
}

func (m *mockDB) HealthCheck(context.Context) error { return m.healthErr }

func (m *mockDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return boolRow(m.schemaOK)
}

type boolRow bool

func (r boolRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = bool(r)
	return nil
}
