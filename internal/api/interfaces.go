package api

import (
	"context"
	"io"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/models"
)

// CommandExecutor runs state-changing commands through the ledger-first path.
type CommandExecutor = domain.CommandExecutor

// Verifier recomputes chain and anchor hashes.
type Verifier = domain.Verifier

// LedgerQueries serves the read side of the ledger.
type LedgerQueries interface {
	ListEntries(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]models.LedgerEntry, bool, error)
	ExportBundle(ctx context.Context, tenantID string, fromSeq, toSeq int64) (*models.LedgerBundle, error)
	ListAnchors(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerAnchor, bool, error)
	ListIncidents(ctx context.Context, tenantID string, limit, offset int) ([]models.IntegrityIncident, bool, error)
	GetRecord(ctx context.Context, tenantID, recordID string) (*models.DomainRecord, error)
}

// AnchorTrigger commits the anchor for one tenant period on demand.
type AnchorTrigger interface {
	AnchorTenant(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, bool, error)
}

// ExportReader serves export job state and finished artifacts.
type ExportReader interface {
	ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]models.ExportJob, bool, error)
	GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error)
	OpenArtifact(ctx context.Context, tenantID, jobID string) (*models.ExportJob, io.ReadCloser, error)
}
