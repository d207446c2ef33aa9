// Package domain defines the canonical interfaces shared across layers
// (store, service, API). Consumers should depend on these interfaces rather
// than re-declaring equivalent ones.
package domain

import (
	"context"
	"encoding/json"

	"github.com/persistorai/custodian/internal/models"
)

// TxWriter is the set of writes available inside one tenant transaction.
// Everything written through a TxWriter commits or rolls back together.
type TxWriter interface {
	AppendEntry(ctx context.Context, req models.AppendRequest) (*models.LedgerEntry, error)
	ApplyMutation(ctx context.Context, m models.Mutation) (*models.DomainRecord, error)
	// CompleteIdempotency and FailIdempotency settle a pending key only
	// while it is still reserved under requestHash.
	CompleteIdempotency(ctx context.Context, key, requestHash string, result json.RawMessage) error
	FailIdempotency(ctx context.Context, key, requestHash, code string) error
	EnqueueExport(ctx context.Context, req models.NewExportJob, maxQueued int) (*models.ExportJob, error)
	RequestExportCancel(ctx context.Context, jobID string) (*models.ExportJob, error)
	CompleteIntent(ctx context.Context, intentID string) error
}

// Transactor runs fn inside a transaction scoped to one tenant.
type Transactor interface {
	InTenantTx(ctx context.Context, tenantID string, fn func(ctx context.Context, tx TxWriter) error) error
}

// LedgerReader reads a tenant's hash chain.
type LedgerReader interface {
	ListEntries(ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int) ([]models.LedgerEntry, bool, error)
	EntryRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.LedgerEntry, error)
	GetEntry(ctx context.Context, tenantID string, seq int64) (*models.LedgerEntry, error)
	GetEntryByID(ctx context.Context, tenantID, entryID string) (*models.LedgerEntry, error)
	// PrevHash returns the entry_hash of seq-1, or the genesis hash for seq 1.
	PrevHash(ctx context.Context, tenantID string, seq int64) (string, error)
	// Head returns the last sequence number and hash, (0, genesis) when empty.
	Head(ctx context.Context, tenantID string) (int64, string, error)
}

// AnchorReader reads committed anchors.
type AnchorReader interface {
	ListAnchors(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerAnchor, bool, error)
	AnchorsInRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.LedgerAnchor, error)
	GetAnchorByPeriod(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, error)
	// CoveringAnchor returns the anchor whose range contains seq, or ErrNotFound.
	CoveringAnchor(ctx context.Context, tenantID string, seq int64) (*models.LedgerAnchor, error)
	LastAnchoredSeq(ctx context.Context, tenantID string) (int64, error)
}

// CommandExecutor runs client commands through the ledger-first pipeline.
type CommandExecutor interface {
	// Execute returns the command result and whether it was replayed from a
	// completed idempotency record.
	Execute(ctx context.Context, cmd models.Command, p models.Principal, idempotencyKey string) (*models.CommandResult, bool, error)
}

// Verifier recomputes chain and anchor hashes.
type Verifier interface {
	VerifyRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) (*models.VerificationReport, error)
	VerifyEntry(ctx context.Context, tenantID string, seq int64) (*models.VerificationReport, error)
	VerifyEntryID(ctx context.Context, tenantID, entryID string) (*models.VerificationReport, error)
	VerifyPeriod(ctx context.Context, tenantID, period string) (*models.VerificationReport, error)
	VerifyArtifact(ctx context.Context, ref string) (*models.ArtifactVerification, error)
}

// PrincipalLookup resolves an API key to the caller's identity.
type PrincipalLookup interface {
	LookupPrincipal(ctx context.Context, apiKey string) (*models.Principal, error)
}

// IncidentRecorder persists detected corruption outside the chain.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, inc models.IntegrityIncident) error
}
