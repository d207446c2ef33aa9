package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/models"
)

// Claim strategy names accepted by CLAIM_STRATEGY.
const (
	StrategyAtomic     = "atomic"
	StrategyOptimistic = "optimistic"
)

// ClaimConfig bounds how jobs are claimed.
type ClaimConfig struct {
	// MaxActive is K: the most claimed, non-terminal jobs one tenant may have.
	MaxActive int
	// TTL is how long a claim lasts without a transition extending it.
	TTL time.Duration
	// MaxAttempts caps reclaims of a job whose worker went away.
	MaxAttempts int
	// Strict turns lock and feature errors into hard failures.
	Strict bool
}

// claimSet is the assignment applied to a job being claimed.
const claimSet = `state = 'preparing', claimed_by = $2,
	claim_expires_at = now() + make_interval(secs => $3),
	attempts = attempts + 1, claim_version = claim_version + 1, updated_at = now()`

// AtomicClaimer claims in one transaction using row locks with SKIP LOCKED.
type AtomicClaimer struct {
	Base
	cfg ClaimConfig
}

// NewAtomicClaimer creates an AtomicClaimer.
func NewAtomicClaimer(base Base, cfg ClaimConfig) *AtomicClaimer {
	return &AtomicClaimer{Base: base, cfg: cfg}
}

// Name returns the strategy name.
func (c *AtomicClaimer) Name() string { return StrategyAtomic }

// Claim returns the next job for workerID, or nil when none is available.
// An expired claim is reclaimed first; otherwise the first tenant with a
// free slot and queued work has its oldest job claimed.
func (c *AtomicClaimer) Claim(ctx context.Context, workerID string) (*models.ExportJob, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := c.beginSystemTx(ctx)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	job, err := c.claim(ctx, tx, workerID)
	if err != nil {
		return c.lockFailure(workerID, err)
	}

	if job == nil {
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("committing claim", err)
	}

	c.notifyJob(job.TenantID, job.ID, string(job.State))

	return job, nil
}

func (c *AtomicClaimer) claim(ctx context.Context, tx pgx.Tx, workerID string) (*models.ExportJob, error) {
	ttl := secondsOf(c.cfg.TTL)

	// Reclaimed jobs already hold a slot, so active is unchanged.
	job, err := scanJob(tx.QueryRow(ctx, `UPDATE export_jobs SET `+claimSet+`
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE state IN ('preparing', 'generating', 'uploading')
				AND claim_expires_at < now() AND attempts < $1 AND NOT cancel_requested
			ORDER BY claim_expires_at
			LIMIT 1 FOR UPDATE SKIP LOCKED)
		RETURNING `+jobColumns, c.cfg.MaxAttempts, workerID, ttl).Scan)
	if err == nil {
		return job, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var tenantID string

	err = tx.QueryRow(ctx, `SELECT s.tenant_id::text FROM export_slots s
		WHERE s.active < $1
			AND EXISTS (SELECT 1 FROM export_jobs j WHERE j.tenant_id = s.tenant_id AND j.state = 'queued')
		ORDER BY (SELECT min(j.created_at) FROM export_jobs j
			WHERE j.tenant_id = s.tenant_id AND j.state = 'queued')
		LIMIT 1 FOR UPDATE OF s SKIP LOCKED`, c.cfg.MaxActive).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	job, err = scanJob(tx.QueryRow(ctx, `UPDATE export_jobs SET `+claimSet+`
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE tenant_id = $1 AND state = 'queued'
			ORDER BY created_at, id
			LIMIT 1 FOR UPDATE SKIP LOCKED)
		RETURNING `+jobColumns, tenantID, workerID, ttl).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE export_slots SET active = active + 1 WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, err
	}

	return job, nil
}

// lockFailure applies the strictness policy to a claim error.
func (c *AtomicClaimer) lockFailure(workerID string, err error) (*models.ExportJob, error) {
	switch pgCode(err) {
	case pgLockNotAvailable, pgFeatureNotSupported:
		if c.cfg.Strict {
			return nil, fmt.Errorf("atomic claim (strict): %w", err)
		}

		c.Log.WithError(err).WithField("worker_id", workerID).Warn("atomic claim skipped this poll")

		return nil, nil
	}

	return nil, classify("claiming export job", err)
}

// OptimisticClaimer claims without holding locks between reading
// candidates and claiming them. Each claim is a conditional update on the
// job's claim_version; losing a race moves on to the next candidate.
type OptimisticClaimer struct {
	Base
	cfg        ClaimConfig
	candidates int
}

// NewOptimisticClaimer creates an OptimisticClaimer.
func NewOptimisticClaimer(base Base, cfg ClaimConfig) *OptimisticClaimer {
	return &OptimisticClaimer{Base: base, cfg: cfg, candidates: 16}
}

// Name returns the strategy name.
func (c *OptimisticClaimer) Name() string { return StrategyOptimistic }

type claimCandidate struct {
	id       string
	tenantID string
	state    models.JobState
	version  int64
}

// Claim returns the next job for workerID, or nil when none is available.
func (c *OptimisticClaimer) Claim(ctx context.Context, workerID string) (*models.ExportJob, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	candidates, err := c.loadCandidates(ctx)
	if err != nil {
		return nil, err
	}

	full := make(map[string]bool)

	for _, cand := range candidates {
		if cand.state == models.JobQueued && full[cand.tenantID] {
			continue
		}

		job, outcome, err := c.tryClaim(ctx, workerID, cand)
		if err != nil {
			return nil, err
		}

		switch outcome {
		case claimWon:
			c.notifyJob(job.TenantID, job.ID, string(job.State))

			return job, nil
		case claimSlotsFull:
			full[cand.tenantID] = true
		case claimRaceLost:
			c.Log.WithFields(logrus.Fields{"job_id": cand.id, "worker_id": workerID}).Debug("optimistic claim lost race")
		}
	}

	return nil, nil
}

type claimOutcome int

const (
	claimWon claimOutcome = iota
	claimRaceLost
	claimSlotsFull
)

// loadCandidates returns expired claims oldest first, then the oldest
// queued job of each tenant that still has a free slot. A tenant at its
// cap never crowds others out of the queued half.
func (c *OptimisticClaimer) loadCandidates(ctx context.Context) ([]claimCandidate, error) {
	tx, err := c.beginSystemTx(ctx)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	rows, err := tx.Query(ctx, `(SELECT id::text, tenant_id::text, state, claim_version FROM export_jobs
			WHERE state IN ('preparing', 'generating', 'uploading')
				AND claim_expires_at < now() AND attempts < $1 AND NOT cancel_requested
			ORDER BY claim_expires_at LIMIT $2)
		UNION ALL
		(SELECT id, tenant_id, state, claim_version FROM (
			SELECT DISTINCT ON (j.tenant_id) j.id::text AS id, j.tenant_id::text AS tenant_id,
				j.state, j.claim_version, j.created_at, j.id AS job_id
			FROM export_jobs j JOIN export_slots s ON s.tenant_id = j.tenant_id
			WHERE j.state = 'queued' AND s.active < $3
			ORDER BY j.tenant_id, j.created_at, j.id) heads
			ORDER BY created_at, job_id LIMIT $2)`, c.cfg.MaxAttempts, c.candidates, c.cfg.MaxActive)
	if err != nil {
		return nil, classify("loading claim candidates", err)
	}

	cands, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (claimCandidate, error) {
		var cand claimCandidate
		var state string
		err := row.Scan(&cand.id, &cand.tenantID, &state, &cand.version)
		cand.state = models.JobState(state)

		return cand, err
	})
	if err != nil {
		return nil, classify("scanning claim candidates", err)
	}

	return cands, nil
}

func (c *OptimisticClaimer) tryClaim(ctx context.Context, workerID string, cand claimCandidate) (*models.ExportJob, claimOutcome, error) {
	tx, err := c.beginSystemTx(ctx)
	if err != nil {
		return nil, 0, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	if cand.state == models.JobQueued {
		tag, err := tx.Exec(ctx, `UPDATE export_slots SET active = active + 1
			WHERE tenant_id = $1 AND active < $2`, cand.tenantID, c.cfg.MaxActive)
		if err != nil {
			return nil, 0, classify("taking export slot", err)
		}

		if tag.RowsAffected() == 0 {
			return nil, claimSlotsFull, nil
		}
	}

	expiry := ""
	if cand.state != models.JobQueued {
		expiry = " AND claim_expires_at < now()"
	}

	job, err := scanJob(tx.QueryRow(ctx, `UPDATE export_jobs SET `+claimSet+`
		WHERE id = $1 AND claim_version = $4 AND state = $5`+expiry+`
		RETURNING `+jobColumns,
		cand.id, workerID, secondsOf(c.cfg.TTL), cand.version, string(cand.state),
	).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, claimRaceLost, nil
	}

	if err != nil {
		return nil, 0, classify("claiming export job", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, classify("committing claim", err)
	}

	return job, claimWon, nil
}
