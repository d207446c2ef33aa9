package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/metrics"
	"github.com/persistorai/custodian/internal/models"
)

// UnitOfWork opens tenant transactions whose writes (domain mutation,
// ledger entry, idempotency completion, job enqueue) commit together.
type UnitOfWork struct {
	Base
	idempotencyTTL time.Duration
}

// NewUnitOfWork creates a UnitOfWork. idempotencyTTL is how long completed
// idempotency records are kept for replay.
func NewUnitOfWork(base Base, idempotencyTTL time.Duration) *UnitOfWork {
	return &UnitOfWork{Base: base, idempotencyTTL: idempotencyTTL}
}

var _ domain.Transactor = (*UnitOfWork)(nil)

// InTenantTx runs fn inside one tenant transaction and commits if fn
// returns nil. Job notifications and append metrics fire only after commit.
func (u *UnitOfWork) InTenantTx(
	ctx context.Context, tenantID string, fn func(ctx context.Context, tx domain.TxWriter) error,
) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := u.beginTx(ctx, tenantID)
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	w := &txWriter{tx: tx, tenantID: tenantID, idempotencyTTL: u.idempotencyTTL}

	if err := fn(ctx, w); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("committing tenant transaction", err)
	}

	metrics.LedgerAppends.Add(float64(w.appended))

	for _, j := range w.jobChanges {
		u.notifyJob(tenantID, j.ID, string(j.State))
	}

	return nil
}

// txWriter implements domain.TxWriter on one open transaction.
type txWriter struct {
	tx             pgx.Tx
	tenantID       string
	idempotencyTTL time.Duration

	appended   int
	jobChanges []*models.ExportJob
}

// AppendEntry appends to the tenant's chain inside the transaction.
func (w *txWriter) AppendEntry(ctx context.Context, req models.AppendRequest) (*models.LedgerEntry, error) {
	e, err := appendEntry(ctx, w.tx, w.tenantID, req)
	if err != nil {
		return nil, err
	}

	w.appended++

	return e, nil
}

// ApplyMutation applies a versioned domain record change.
func (w *txWriter) ApplyMutation(ctx context.Context, m models.Mutation) (*models.DomainRecord, error) {
	return applyMutation(ctx, w.tx, w.tenantID, m)
}

// CompleteIdempotency stores the result for replay.
func (w *txWriter) CompleteIdempotency(ctx context.Context, key, requestHash string, result json.RawMessage) error {
	tag, err := w.tx.Exec(ctx, `UPDATE idempotency_records
		SET status = 'completed', result = $3, expires_at = now() + make_interval(secs => $4)
		WHERE tenant_id = $1 AND key = $2 AND status = 'pending' AND request_hash = $5`,
		w.tenantID, key, string(result), secondsOf(w.idempotencyTTL), requestHash,
	)
	if err != nil {
		return classify("completing idempotency record", err)
	}

	if tag.RowsAffected() == 0 {
		// The reservation expired and was taken over, possibly by a
		// different request; committing now would let two requests
		// complete under one key.
		return models.NewIdempotencyConflict(key)
	}

	return nil
}

// FailIdempotency marks the key as terminally failed with code.
func (w *txWriter) FailIdempotency(ctx context.Context, key, requestHash, code string) error {
	_, err := w.tx.Exec(ctx, `UPDATE idempotency_records
		SET status = 'failed', error_code = $3, expires_at = now() + make_interval(secs => $4)
		WHERE tenant_id = $1 AND key = $2 AND status = 'pending' AND request_hash = $5`,
		w.tenantID, key, code, secondsOf(w.idempotencyTTL), requestHash,
	)

	return classify("failing idempotency record", err)
}

// EnqueueExport inserts a queued job unless the tenant already has
// maxQueued non-terminal jobs.
func (w *txWriter) EnqueueExport(ctx context.Context, req models.NewExportJob, maxQueued int) (*models.ExportJob, error) {
	filters, err := json.Marshal(req.Filters)
	if err != nil {
		return nil, fmt.Errorf("marshalling export filters: %w", err)
	}

	// Locking the slot row serializes concurrent enqueues for the tenant
	// so the admission count below cannot be raced past.
	if _, err := w.tx.Exec(ctx,
		`INSERT INTO export_slots (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, w.tenantID,
	); err != nil {
		return nil, classify("creating export slot", err)
	}

	if _, err := w.tx.Exec(ctx,
		`SELECT 1 FROM export_slots WHERE tenant_id = $1 FOR UPDATE`, w.tenantID,
	); err != nil {
		return nil, classify("locking export slot", err)
	}

	if maxQueued > 0 {
		var pending int

		err := w.tx.QueryRow(ctx, `SELECT count(*) FROM export_jobs
			WHERE tenant_id = $1 AND state NOT IN ('ready', 'failed', 'cancelled')`, w.tenantID,
		).Scan(&pending)
		if err != nil {
			return nil, classify("counting export jobs", err)
		}

		if pending >= maxQueued {
			return nil, models.NewValidationError(models.CodeExportQueueFull,
				fmt.Sprintf("export queue is full (%d pending jobs)", pending))
		}
	}

	row := w.tx.QueryRow(ctx, `INSERT INTO export_jobs (tenant_id, kind, state, requested_by, filters)
		VALUES ($1, $2, 'queued', $3, $4)
		RETURNING `+jobColumns,
		w.tenantID, req.Kind, req.RequestedBy, string(filters),
	)

	job, err := scanJob(row.Scan)
	if err != nil {
		return nil, classify("inserting export job", err)
	}

	w.jobChanges = append(w.jobChanges, job)

	return job, nil
}

// RequestExportCancel cancels a queued job directly or flags a claimed job
// for cooperative cancellation by its worker. Terminal jobs are returned
// unchanged, and repeating a cancel is a no-op on the job.
func (w *txWriter) RequestExportCancel(ctx context.Context, jobID string) (*models.ExportJob, error) {
	row := w.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, w.tenantID, jobID)

	job, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewNotFoundError("export job")
		}

		return nil, classify("loading export job", err)
	}

	if job.State.IsTerminal() || job.CancelRequested {
		return job, nil
	}

	var query string
	if job.State == models.JobQueued {
		query = `UPDATE export_jobs
			SET state = 'cancelled', cancel_requested = true, finished_at = now(), updated_at = now()
			WHERE id = $1 RETURNING ` + jobColumns
	} else {
		query = `UPDATE export_jobs SET cancel_requested = true, updated_at = now()
			WHERE id = $1 RETURNING ` + jobColumns
	}

	job, err = scanJob(w.tx.QueryRow(ctx, query, jobID).Scan)
	if err != nil {
		return nil, classify("requesting export cancel", err)
	}

	w.jobChanges = append(w.jobChanges, job)

	return job, nil
}

// CompleteIntent marks a staged intent completed.
func (w *txWriter) CompleteIntent(ctx context.Context, intentID string) error {
	tag, err := w.tx.Exec(ctx, `UPDATE command_intents SET status = 'completed', updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`, w.tenantID, intentID)
	if err != nil {
		return classify("completing intent", err)
	}

	if tag.RowsAffected() == 0 {
		return models.NewConflictError(models.CodeInvalidTransition, "intent is no longer pending")
	}

	return nil
}
