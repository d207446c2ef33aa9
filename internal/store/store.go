// Package store provides focused, single-concern data access stores for the
// custodian ledger, its anchors, idempotency keys and export job queue.
//
// Each store owns one table family and embeds shared helpers (Pool, logger)
// via the Base struct. Writes that must commit together go through
// UnitOfWork, which hands a tenant-bound txWriter to the caller.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/db"
	"github.com/persistorai/custodian/internal/dbpool"
)

const defaultQueryTimeout = 30 * time.Second

// maxListLimit is a defense-in-depth cap on limit values for list queries.
const maxListLimit = 1000

// Base contains shared dependencies for all stores.
// Embed this in each store struct.
type Base struct {
	Pool *dbpool.Pool
	Log  *logrus.Logger
}

// withTimeout creates a context with the default query timeout.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// setTenant sets the tenant context for RLS policies within a transaction.
func setTenant(ctx context.Context, tx pgx.Tx, tenantID string) error {
	if _, err := uuid.Parse(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID format: %w", err)
	}

	_, err := tx.Exec(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID)
	if err != nil {
		return fmt.Errorf("setting tenant context: %w", err)
	}

	return nil
}

// beginTx starts a read-write transaction and sets the tenant context.
func (b *Base) beginTx(ctx context.Context, tenantID string) (pgx.Tx, error) {
	tx, err := b.Pool.Begin(ctx)
	if err != nil {
		return nil, classify("beginning transaction", err)
	}

	if err := setTenant(ctx, tx, tenantID); err != nil {
		tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on setup failure.

		return nil, err
	}

	return tx, nil
}

// beginReadTx starts a read-only transaction and sets the tenant context.
func (b *Base) beginReadTx(ctx context.Context, tenantID string) (pgx.Tx, error) {
	tx, err := b.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify("beginning read transaction", err)
	}

	if err := setTenant(ctx, tx, tenantID); err != nil {
		tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on setup failure.

		return nil, err
	}

	return tx, nil
}

// beginSystemTx starts a transaction that sees every tenant's rows. Only the
// background workers (claims, anchoring, sweeps) use it.
func (b *Base) beginSystemTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := b.Pool.Begin(ctx)
	if err != nil {
		return nil, classify("beginning system transaction", err)
	}

	if _, err := tx.Exec(ctx, "SELECT set_config('app.system', 'on', true)"); err != nil {
		tx.Rollback(ctx) //nolint:errcheck // best-effort rollback on setup failure.

		return nil, fmt.Errorf("setting system context: %w", err)
	}

	return tx, nil
}

// notifyJob publishes an export job transition on the job_changes channel
// (best-effort, post-commit).
func (b *Base) notifyJob(tenantID, jobID, state string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, _ := json.Marshal(db.JobNotification{ //nolint:errcheck // plain strings, cannot fail.
		TenantID: tenantID,
		Type:     db.JobEventType,
		JobID:    jobID,
		State:    state,
	})
	if _, err := b.Pool.Exec(ctx, "SELECT pg_notify($1, $2)", db.JobChannel, string(payload)); err != nil {
		b.Log.WithError(err).WithField("job_id", jobID).Warn("failed to send job notification")
	}
}

// clampLimit bounds a caller-supplied page size.
func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}

	return limit
}
