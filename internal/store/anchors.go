package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

// AnchorStore persists Merkle anchors over contiguous entry ranges.
type AnchorStore struct {
	Base
}

// NewAnchorStore creates a new AnchorStore.
func NewAnchorStore(base Base) *AnchorStore {
	return &AnchorStore{Base: base}
}

// TenantsWithUnanchored lists tenants whose head is past their last anchor.
func (s *AnchorStore) TenantsWithUnanchored(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginSystemTx(ctx)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	rows, err := tx.Query(ctx, `SELECT h.tenant_id::text FROM ledger_heads h
		LEFT JOIN (SELECT tenant_id, max(last_seq) AS last_seq FROM ledger_anchors GROUP BY tenant_id) a
			ON a.tenant_id = h.tenant_id
		WHERE h.last_seq > coalesce(a.last_seq, 0)
		ORDER BY h.tenant_id`)
	if err != nil {
		return nil, classify("listing unanchored tenants", err)
	}

	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("scanning unanchored tenants", err)
	}

	return tenants, nil
}

// CreateAnchor anchors every entry after the tenant's last anchor under
// period. It returns the anchor and whether this call created it; an
// existing anchor for period is returned unchanged, and (nil, false, nil)
// means there was nothing new to anchor.
func (s *AnchorStore) CreateAnchor(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	// One anchoring pass per tenant at a time, across all processes.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('anchor:' || $1, 0))`, tenantID,
	); err != nil {
		return nil, false, classify("taking anchor lock", err)
	}

	existing, err := scanAnchor(tx.QueryRow(ctx, `SELECT `+anchorColumns+` FROM ledger_anchors
		WHERE tenant_id = $1 AND period = $2`, tenantID, period).Scan)
	if err == nil {
		return existing, false, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, classify("checking existing anchor", err)
	}

	var lastAnchored, head int64

	err = tx.QueryRow(ctx, `SELECT
			coalesce((SELECT max(last_seq) FROM ledger_anchors WHERE tenant_id = $1), 0),
			coalesce((SELECT last_seq FROM ledger_heads WHERE tenant_id = $1), 0)`, tenantID,
	).Scan(&lastAnchored, &head)
	if err != nil {
		return nil, false, classify("reading anchor bounds", err)
	}

	if head <= lastAnchored {
		return nil, false, nil
	}

	rows, err := tx.Query(ctx, `SELECT entry_hash FROM ledger_entries
		WHERE tenant_id = $1 AND sequence_no BETWEEN $2 AND $3
		ORDER BY sequence_no`, tenantID, lastAnchored+1, head)
	if err != nil {
		return nil, false, classify("reading entry hashes", err)
	}

	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, false, classify("scanning entry hashes", err)
	}

	if int64(len(hashes)) != head-lastAnchored {
		return nil, false, &models.CorruptionError{
			TenantID: tenantID,
			Seq:      lastAnchored + 1,
			Reason:   fmt.Sprintf("expected %d entries to anchor, found %d", head-lastAnchored, len(hashes)),
		}
	}

	root, err := ledger.MerkleRoot(hashes)
	if err != nil {
		return nil, false, fmt.Errorf("computing merkle root: %w", err)
	}

	a, err := scanAnchor(tx.QueryRow(ctx, `INSERT INTO ledger_anchors
		(tenant_id, period, first_seq, last_seq, merkle_root, entry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, period) DO NOTHING
		RETURNING `+anchorColumns,
		tenantID, period, lastAnchored+1, head, root, len(hashes),
	).Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, classify("inserting anchor", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, classify("committing anchor", err)
	}

	return a, true, nil
}

// ListAnchors returns a page of the tenant's anchors, newest first.
func (s *AnchorStore) ListAnchors(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerAnchor, bool, error) {
	limit = clampLimit(limit)
	offset = max(offset, 0)

	anchors, err := s.queryAnchors(ctx, tenantID, `SELECT `+anchorColumns+` FROM ledger_anchors
		WHERE tenant_id = $1 ORDER BY last_seq DESC LIMIT $2 OFFSET $3`, tenantID, limit+1, offset)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(anchors) > limit
	if hasMore {
		anchors = anchors[:limit]
	}

	return anchors, hasMore, nil
}

// AnchorsInRange returns anchors lying entirely inside [fromSeq, toSeq].
func (s *AnchorStore) AnchorsInRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.LedgerAnchor, error) {
	return s.queryAnchors(ctx, tenantID, `SELECT `+anchorColumns+` FROM ledger_anchors
		WHERE tenant_id = $1 AND first_seq >= $2 AND last_seq <= $3
		ORDER BY first_seq`, tenantID, fromSeq, toSeq)
}

// GetAnchorByPeriod returns the tenant's anchor for period.
func (s *AnchorStore) GetAnchorByPeriod(ctx context.Context, tenantID, period string) (*models.LedgerAnchor, error) {
	anchors, err := s.queryAnchors(ctx, tenantID, `SELECT `+anchorColumns+` FROM ledger_anchors
		WHERE tenant_id = $1 AND period = $2`, tenantID, period)
	if err != nil {
		return nil, err
	}

	if len(anchors) == 0 {
		return nil, models.NewNotFoundError("anchor")
	}

	return &anchors[0], nil
}

// CoveringAnchor returns the anchor whose range contains seq.
func (s *AnchorStore) CoveringAnchor(ctx context.Context, tenantID string, seq int64) (*models.LedgerAnchor, error) {
	anchors, err := s.queryAnchors(ctx, tenantID, `SELECT `+anchorColumns+` FROM ledger_anchors
		WHERE tenant_id = $1 AND first_seq <= $2 AND last_seq >= $2`, tenantID, seq)
	if err != nil {
		return nil, err
	}

	if len(anchors) == 0 {
		return nil, models.NewNotFoundError("anchor")
	}

	return &anchors[0], nil
}

// LastAnchoredSeq returns the highest anchored sequence number, or 0.
func (s *AnchorStore) LastAnchoredSeq(ctx context.Context, tenantID string) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT coalesce(max(last_seq), 0) FROM ledger_anchors WHERE tenant_id = $1`,
		tenantID).Scan(&seq); err != nil {
		return 0, classify("reading last anchored seq", err)
	}

	return seq, nil
}

// PendingExternal returns anchors still waiting for an external timestamp
// that have been tried fewer than maxAttempts times.
func (s *AnchorStore) PendingExternal(ctx context.Context, maxAttempts, limit int) ([]models.LedgerAnchor, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginSystemTx(ctx)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	rows, err := tx.Query(ctx, `SELECT `+anchorColumns+` FROM ledger_anchors
		WHERE external_anchor_ref IS NULL AND external_attempts < $1
		ORDER BY anchored_at LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, classify("listing pending external anchors", err)
	}

	return collectAnchors(rows)
}

// SetExternalRef records a successful external timestamp.
func (s *AnchorStore) SetExternalRef(ctx context.Context, anchorID, ref string, token []byte) error {
	return s.systemExec(ctx, "storing external anchor ref", `UPDATE ledger_anchors
		SET external_anchor_ref = $2, external_anchor_token = $3, external_anchored_at = now(),
			external_attempts = external_attempts + 1, last_external_error = NULL
		WHERE id = $1 AND external_anchor_ref IS NULL`, anchorID, ref, token)
}

// RecordExternalFailure counts a failed external submission.
func (s *AnchorStore) RecordExternalFailure(ctx context.Context, anchorID, reason string) error {
	return s.systemExec(ctx, "recording external anchor failure", `UPDATE ledger_anchors
		SET external_attempts = external_attempts + 1, last_external_error = $2
		WHERE id = $1`, anchorID, reason)
}

func (s *AnchorStore) systemExec(ctx context.Context, op, sql string, args ...any) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginSystemTx(ctx)
	if err != nil {
		return err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return classify(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(op, err)
	}

	return nil
}

func (s *AnchorStore) queryAnchors(ctx context.Context, tenantID, sql string, args ...any) ([]models.LedgerAnchor, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("querying anchors", err)
	}

	return collectAnchors(rows)
}

func collectAnchors(rows pgx.Rows) ([]models.LedgerAnchor, error) {
	defer rows.Close()

	var anchors []models.LedgerAnchor

	for rows.Next() {
		a, err := scanAnchor(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning anchor row: %w", err)
		}

		anchors = append(anchors, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterating anchors", err)
	}

	return anchors, nil
}
