// Package service holds the ledger-first business logic between the HTTP
// handlers and the stores: command execution, access control, anchoring,
// verification and the export workers.
package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/models"
)

const tracerName = "github.com/persistorai/custodian/internal/service"

var tracer = otel.Tracer(tracerName)

// LedgerReader is an alias for the canonical domain.LedgerReader interface.
type LedgerReader = domain.LedgerReader

// AnchorReader is an alias for the canonical domain.AnchorReader interface.
type AnchorReader = domain.AnchorReader

// PolicySource returns a tenant's role overrides.
type PolicySource interface {
	RolePolicies(ctx context.Context, tenantID string) (map[models.Role]models.Access, error)
}

// IdempotencyStore reserves and releases idempotency keys outside the
// command transaction.
type IdempotencyStore interface {
	Reserve(ctx context.Context, tenantID, key, requestHash string, lease time.Duration) (*models.IdempotencyRecord, bool, error)
	Release(ctx context.Context, tenantID, key, requestHash string) error
}

// IntentStore stages mutations that run outside the ledger transaction.
type IntentStore interface {
	CreateIntent(ctx context.Context, in models.CommandIntent) (*models.CommandIntent, error)
	StaleIntents(ctx context.Context, cutoff time.Time, limit int) ([]models.CommandIntent, error)
	AbandonIntent(ctx context.Context, in models.CommandIntent, reason string) (bool, error)
}

// AnchorWriter creates anchors and tracks their external timestamps.
type AnchorWriter interface {
	TenantsWithUnanchored(ctx context.Context) ([]string, error)
	CreateAnchor(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, bool, error)
	PendingExternal(ctx context.Context, maxAttempts, limit int) ([]models.LedgerAnchor, error)
	SetExternalRef(ctx context.Context, anchorID, ref string, token []byte) error
	RecordExternalFailure(ctx context.Context, anchorID, reason string) error
}

// ArtifactRefLookup resolves public receipt references.
type ArtifactRefLookup interface {
	LookupRef(ctx context.Context, ref string) (*models.ArtifactRef, error)
}

// IncidentEnqueuer accepts detected corruption for out-of-band recording.
type IncidentEnqueuer interface {
	Enqueue(inc models.IntegrityIncident)
}

// JobStore moves claimed export jobs through their states.
type JobStore interface {
	GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error)
	ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]models.ExportJob, bool, error)
	Advance(ctx context.Context, job *models.ExportJob, workerID string, to models.JobState) (*models.ExportJob, error)
	Complete(ctx context.Context, job *models.ExportJob, workerID string, c models.ExportCompletion) (*models.ExportJob, *models.LedgerEntry, error)
	Fail(ctx context.Context, job *models.ExportJob, workerID, reason string) (*models.ExportJob, error)
	Cancel(ctx context.Context, job *models.ExportJob, workerID string) (*models.ExportJob, error)
	SweepExpired(ctx context.Context, maxAttempts int) (int, error)
}

// ClaimStrategy hands the next claimable export job to a worker. Both
// implementations enforce the per-tenant active cap.
type ClaimStrategy interface {
	Name() string
	// Claim returns nil, nil when no job is available.
	Claim(ctx context.Context, workerID string) (*models.ExportJob, error)
}
