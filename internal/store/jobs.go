package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

// ReceiptPrefix marks public receipt references.
const ReceiptPrefix = "rcpt_"

// JobStore reads export jobs and applies worker-side transitions. Every
// transition is conditional on the caller still holding the claim.
type JobStore struct {
	Base
	claimTTL time.Duration
}

// NewJobStore creates a new JobStore. Each transition extends the claim by claimTTL.
func NewJobStore(base Base, claimTTL time.Duration) *JobStore {
	return &JobStore{Base: base, claimTTL: claimTTL}
}

// GetJob returns one job.
func (s *JobStore) GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, models.NewNotFoundError("export job")
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs
		WHERE tenant_id = $1 AND id = $2`, tenantID, jobID).Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewNotFoundError("export job")
		}

		return nil, classify("scanning export job", err)
	}

	return job, nil
}

// ListJobs returns a page of the tenant's jobs, newest first.
func (s *JobStore) ListJobs(ctx context.Context, tenantID string, limit, offset int) ([]models.ExportJob, bool, error) {
	limit = clampLimit(limit)
	offset = max(offset, 0)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM export_jobs
		WHERE tenant_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, tenantID, limit+1, offset)
	if err != nil {
		return nil, false, classify("listing export jobs", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(jobs) > limit
	if hasMore {
		jobs = jobs[:limit]
	}

	return jobs, hasMore, nil
}

// Advance moves a claimed job from one non-terminal state to the next and
// extends its claim. The returned job carries the current cancel flag.
func (s *JobStore) Advance(ctx context.Context, job *models.ExportJob, workerID string, to models.JobState) (*models.ExportJob, error) {
	if next, ok := job.State.Next(); !ok || next != to || to.IsTerminal() {
		return nil, models.NewConflictError(models.CodeInvalidTransition,
			fmt.Sprintf("cannot move export job from %s to %s", job.State, to))
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	next, err := scanJob(tx.QueryRow(ctx, `UPDATE export_jobs
		SET state = $4, claim_expires_at = now() + make_interval(secs => $5), updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state = $3
		RETURNING `+jobColumns,
		job.ID, workerID, string(job.State), string(to), secondsOf(s.claimTTL),
	).Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimLost
		}

		return nil, classify("advancing export job", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("committing export job transition", err)
	}

	s.notifyJob(next.TenantID, next.ID, string(next.State))

	return next, nil
}

// Complete marks an uploading job ready and, in the same transaction,
// appends export.generated, registers the public receipt and frees the
// tenant's slot.
func (s *JobStore) Complete(
	ctx context.Context, job *models.ExportJob, workerID string, c models.ExportCompletion,
) (*models.ExportJob, *models.LedgerEntry, error) {
	receipt := ReceiptPrefix + uuid.NewString()

	var entry *models.LedgerEntry

	done, err := s.finish(ctx, job, workerID, func(ctx context.Context, tx pgx.Tx) (*models.ExportJob, error) {
		next, err := scanJob(tx.QueryRow(ctx, `UPDATE export_jobs
			SET state = 'ready', artifact_hash = $3, artifact_ref = $4, artifact_size = $5,
				receipt_ref = $6, claim_expires_at = NULL, finished_at = now(), updated_at = now()
			WHERE id = $1 AND claimed_by = $2 AND state = 'uploading' AND NOT cancel_requested
			RETURNING `+jobColumns,
			job.ID, workerID, c.ArtifactHash, c.ArtifactKey, c.ArtifactSize, receipt,
		).Scan)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cancelPending(ctx, tx, job.ID, workerID)
		}

		if err != nil {
			return nil, err
		}

		entry, err = appendEntry(ctx, tx, job.TenantID, models.AppendRequest{
			EventName:  ledger.EventExportGenerated.String(),
			ActorID:    job.RequestedBy,
			TargetType: "export_job",
			TargetID:   job.ID,
			Metadata: map[string]any{
				"kind":          job.Kind,
				"filters":       job.Filters,
				"artifact_hash": c.ArtifactHash,
				"artifact_ref":  c.ArtifactKey,
				"artifact_size": c.ArtifactSize,
				"entry_count":   c.EntryCount,
				"receipt_ref":   receipt,
				"worker_id":     workerID,
			},
		})
		if err != nil {
			return nil, err
		}

		if _, err := tx.Exec(ctx, `INSERT INTO artifact_refs (ref, tenant_id, job_id, entry_seq, artifact_hash)
			VALUES ($1, $2, $3, $4, $5)`, receipt, job.TenantID, job.ID, entry.SequenceNo, c.ArtifactHash,
		); err != nil {
			return nil, classify("registering receipt", err)
		}

		return next, nil
	})
	if err != nil {
		return nil, nil, err
	}

	return done, entry, nil
}

// cancelPending tells a cancelled-but-still-held job apart from a lost
// claim after the ready UPDATE matched nothing.
func cancelPending(ctx context.Context, tx pgx.Tx, jobID, workerID string) error {
	var pending bool

	err := tx.QueryRow(ctx, `SELECT cancel_requested FROM export_jobs
		WHERE id = $1 AND claimed_by = $2 AND state = 'uploading'`, jobID, workerID,
	).Scan(&pending)
	if err != nil {
		return err
	}

	if !pending {
		return pgx.ErrNoRows
	}

	return ErrCancelPending
}

// Fail marks a claimed job failed and appends export.failed.
func (s *JobStore) Fail(ctx context.Context, job *models.ExportJob, workerID, reason string) (*models.ExportJob, error) {
	return s.finish(ctx, job, workerID, func(ctx context.Context, tx pgx.Tx) (*models.ExportJob, error) {
		return terminate(ctx, tx, job, workerID, models.JobFailed, ledger.EventExportFailed, reason)
	})
}

// Cancel honors a cancel request on a claimed job and appends export.cancelled.
func (s *JobStore) Cancel(ctx context.Context, job *models.ExportJob, workerID string) (*models.ExportJob, error) {
	return s.finish(ctx, job, workerID, func(ctx context.Context, tx pgx.Tx) (*models.ExportJob, error) {
		return terminate(ctx, tx, job, workerID, models.JobCancelled, ledger.EventExportCancelled, "")
	})
}

// SweepExpired settles jobs whose claim expired and that no worker may
// reclaim: cancel-requested jobs become cancelled, jobs out of attempts
// become failed. It returns the number of jobs settled.
func (s *JobStore) SweepExpired(ctx context.Context, maxAttempts int) (int, error) {
	type candidate struct {
		id, tenantID string
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginSystemTx(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := tx.Query(ctx, `SELECT id::text, tenant_id::text FROM export_jobs
		WHERE state IN ('preparing', 'generating', 'uploading')
			AND claim_expires_at < now()
			AND (cancel_requested OR attempts >= $1)
		ORDER BY claim_expires_at LIMIT 100`, maxAttempts)
	if err != nil {
		tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

		return 0, classify("listing expired export jobs", err)
	}

	candidates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (candidate, error) {
		var c candidate
		err := row.Scan(&c.id, &c.tenantID)

		return c, err
	})

	tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	if err != nil {
		return 0, classify("scanning expired export jobs", err)
	}

	settled := 0

	for _, c := range candidates {
		ok, err := s.settleExpired(ctx, c.tenantID, c.id, maxAttempts)
		if err != nil {
			s.Log.WithError(err).WithField("job_id", c.id).Warn("settling expired export job failed")
			continue
		}

		if ok {
			settled++
		}
	}

	return settled, nil
}

func (s *JobStore) settleExpired(ctx context.Context, tenantID, jobID string, maxAttempts int) (bool, error) {
	tx, err := s.beginTx(ctx, tenantID)
	if err != nil {
		return false, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs
		WHERE id = $1 AND state IN ('preparing', 'generating', 'uploading')
			AND claim_expires_at < now() AND (cancel_requested OR attempts >= $2)
		FOR UPDATE SKIP LOCKED`, jobID, maxAttempts).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, classify("locking expired export job", err)
	}

	state, event, reason := models.JobFailed, ledger.EventExportFailed, "claim expired after maximum attempts"
	if job.CancelRequested {
		state, event, reason = models.JobCancelled, ledger.EventExportCancelled, ""
	}

	worker := ""
	if job.ClaimedBy != nil {
		worker = *job.ClaimedBy
	}

	done, err := terminate(ctx, tx, job, worker, state, event, reason)
	if err != nil {
		return false, err
	}

	if err := releaseSlot(ctx, tx, tenantID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, classify("committing expired export job", err)
	}

	s.notifyJob(tenantID, done.ID, string(done.State))

	return true, nil
}

// finish runs a terminal transition plus slot release in one transaction.
func (s *JobStore) finish(
	ctx context.Context, job *models.ExportJob, workerID string,
	fn func(ctx context.Context, tx pgx.Tx) (*models.ExportJob, error),
) (*models.ExportJob, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	done, err := fn(ctx, tx)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimLost
		}

		if errors.Is(err, ErrCancelPending) {
			return nil, err
		}

		return nil, classify("finishing export job", err)
	}

	if err := releaseSlot(ctx, tx, job.TenantID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("committing export job completion", err)
	}

	s.Log.WithFields(logrus.Fields{
		"job_id":    done.ID,
		"tenant_id": done.TenantID,
		"worker_id": workerID,
		"state":     done.State,
	}).Info("export job finished")

	s.notifyJob(done.TenantID, done.ID, string(done.State))

	return done, nil
}

// terminate moves a claimed job to a terminal state and appends the
// matching ledger event.
func terminate(
	ctx context.Context, tx pgx.Tx, job *models.ExportJob, workerID string,
	state models.JobState, event ledger.EventKind, reason string,
) (*models.ExportJob, error) {
	var failure *string
	if reason != "" {
		failure = &reason
	}

	done, err := scanJob(tx.QueryRow(ctx, `UPDATE export_jobs
		SET state = $3, failure_reason = $4, claim_expires_at = NULL, finished_at = now(), updated_at = now()
		WHERE id = $1 AND claimed_by = $2 AND state IN ('preparing', 'generating', 'uploading')
		RETURNING `+jobColumns,
		job.ID, workerID, string(state), failure,
	).Scan)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{"kind": job.Kind, "from_state": string(job.State), "worker_id": workerID}
	if reason != "" {
		meta["reason"] = reason
	}

	if _, err := appendEntry(ctx, tx, job.TenantID, models.AppendRequest{
		EventName:  event.String(),
		ActorID:    job.RequestedBy,
		TargetType: "export_job",
		TargetID:   job.ID,
		Metadata:   meta,
	}); err != nil {
		return nil, err
	}

	return done, nil
}

func releaseSlot(ctx context.Context, tx pgx.Tx, tenantID string) error {
	if _, err := tx.Exec(ctx,
		`UPDATE export_slots SET active = active - 1 WHERE tenant_id = $1 AND active > 0`, tenantID,
	); err != nil {
		return classify("releasing export slot", err)
	}

	return nil
}

func collectJobs(rows pgx.Rows) ([]models.ExportJob, error) {
	defer rows.Close()

	var jobs []models.ExportJob

	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning export job row: %w", err)
		}

		jobs = append(jobs, *j)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterating export jobs", err)
	}

	return jobs, nil
}
