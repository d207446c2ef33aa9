package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/models"
)

const idempotencyColumns = `tenant_id, key, request_hash, status, result, error_code, created_at, expires_at`

// IdempotencyStore reserves and looks up idempotency keys.
type IdempotencyStore struct {
	Base
}

// NewIdempotencyStore creates a new IdempotencyStore.
func NewIdempotencyStore(base Base) *IdempotencyStore {
	return &IdempotencyStore{Base: base}
}

// Reserve claims key for requestHash with a pending lease. It returns the
// stored record and whether this call now owns the key. A record whose
// expiry has passed is taken over as if it did not exist.
func (s *IdempotencyStore) Reserve(
	ctx context.Context, tenantID, key, requestHash string, lease time.Duration,
) (*models.IdempotencyRecord, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	rec, err := scanIdempotency(tx.QueryRow(ctx, `INSERT INTO idempotency_records
		(tenant_id, key, request_hash, status, expires_at)
		VALUES ($1, $2, $3, 'pending', now() + make_interval(secs => $4))
		ON CONFLICT (tenant_id, key) DO UPDATE
			SET request_hash = EXCLUDED.request_hash, status = 'pending', result = NULL,
				error_code = NULL, created_at = now(), expires_at = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at < now()
		RETURNING `+idempotencyColumns,
		tenantID, key, requestHash, secondsOf(lease),
	).Scan)
	owned := err == nil

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with a live record: report it as stored.
		rec, err = scanIdempotency(tx.QueryRow(ctx, `SELECT `+idempotencyColumns+`
			FROM idempotency_records WHERE tenant_id = $1 AND key = $2`, tenantID, key).Scan)
	}

	if err != nil {
		return nil, false, classify("reserving idempotency key", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, classify("committing idempotency reservation", err)
	}

	return rec, owned, nil
}

// Release deletes a pending reservation so the key can be retried after a
// failure that left nothing committed.
func (s *IdempotencyStore) Release(ctx context.Context, tenantID, key, requestHash string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, tenantID)
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	if _, err := tx.Exec(ctx, `DELETE FROM idempotency_records
		WHERE tenant_id = $1 AND key = $2 AND status = 'pending' AND request_hash = $3`,
		tenantID, key, requestHash); err != nil {
		return classify("releasing idempotency key", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("committing idempotency release", err)
	}

	return nil
}

// PurgeExpired deletes up to batch expired records across all tenants.
// Rows locked by in-flight requests are skipped rather than waited on.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, batch int) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginSystemTx(ctx)
	if err != nil {
		return 0, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	tag, err := tx.Exec(ctx, `DELETE FROM idempotency_records
		WHERE (tenant_id, key) IN (
			SELECT tenant_id, key FROM idempotency_records
			WHERE expires_at < now()
			LIMIT $1 FOR UPDATE SKIP LOCKED)`, batch)
	if err != nil {
		return 0, classify("purging idempotency records", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify("committing idempotency purge", err)
	}

	return tag.RowsAffected(), nil
}

func scanIdempotency(scan func(dest ...any) error) (*models.IdempotencyRecord, error) {
	var r models.IdempotencyRecord
	var tenantID uuid.UUID
	var status string
	var result []byte
	var errorCode *string

	if err := scan(&tenantID, &r.Key, &r.RequestHash, &status, &result, &errorCode, &r.CreatedAt, &r.ExpiresAt); err != nil {
		return nil, err
	}

	r.TenantID = tenantID.String()
	r.Status = models.IdempotencyStatus(status)
	r.Result = result

	if errorCode != nil {
		r.ErrorCode = *errorCode
	}

	return &r, nil
}
