package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

const (
	maxEventNameLen = 100
	maxTargetLen    = 255
)

// LedgerStore reads and appends a tenant's hash-chained entries.
type LedgerStore struct {
	Base
}

// NewLedgerStore creates a new LedgerStore.
func NewLedgerStore(base Base) *LedgerStore {
	return &LedgerStore{Base: base}
}

// appendEntry locks the tenant's head row, seals the next entry onto the
// chain and advances the head, all inside tx. Every ledger write goes
// through here so sequence numbers stay gap-free per tenant.
func appendEntry(ctx context.Context, tx pgx.Tx, tenantID string, req models.AppendRequest) (*models.LedgerEntry, error) {
	if req.EventName == "" {
		return nil, models.NewValidationError("", "event_name is required")
	}

	if len(req.EventName) > maxEventNameLen {
		return nil, models.ErrFieldTooLong("event_name", maxEventNameLen)
	}

	if len(req.TargetType) > maxTargetLen || len(req.TargetID) > maxTargetLen {
		return nil, models.ErrFieldTooLong("target", maxTargetLen)
	}

	meta, err := ledger.MarshalMetadata(req.Metadata)
	if err != nil {
		return nil, models.NewValidationError("", "metadata must be JSON-encodable")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_heads (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID,
	); err != nil {
		return nil, classify("creating ledger head", err)
	}

	var lastSeq int64
	var lastHash string

	err = tx.QueryRow(ctx,
		`SELECT last_seq, last_hash FROM ledger_heads WHERE tenant_id = $1 FOR UPDATE`, tenantID,
	).Scan(&lastSeq, &lastHash)
	if err != nil {
		return nil, classify("locking ledger head", err)
	}

	e := &models.LedgerEntry{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		SequenceNo: lastSeq + 1,
		EventName:  req.EventName,
		ActorID:    req.ActorID,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Metadata:   meta,
		CreatedAt:  time.Now(),
	}

	if err := ledger.Seal(lastHash, e); err != nil {
		return nil, fmt.Errorf("sealing ledger entry: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TenantID, e.SequenceNo, e.EventName, e.ActorID, e.TargetType,
		e.TargetID, string(e.Metadata), e.PrevHash, e.EntryHash, e.CreatedAt,
	)
	if err != nil {
		return nil, classify("inserting ledger entry", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_heads SET last_seq = $2, last_hash = $3 WHERE tenant_id = $1`,
		tenantID, e.SequenceNo, e.EntryHash,
	); err != nil {
		return nil, classify("advancing ledger head", err)
	}

	return e, nil
}

// Append writes one entry in its own transaction.
func (s *LedgerStore) Append(ctx context.Context, tenantID string, req models.AppendRequest) (*models.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	e, err := appendEntry(ctx, tx, tenantID, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("committing ledger append", err)
	}

	return e, nil
}

// ListEntries returns up to limit entries with sequence numbers in
// [fromSeq, toSeq]. toSeq of 0 means no upper bound.
func (s *LedgerStore) ListEntries(
	ctx context.Context, tenantID string, fromSeq, toSeq int64, limit int,
) ([]models.LedgerEntry, bool, error) {
	limit = clampLimit(limit)
	fromSeq = max(fromSeq, 1)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("listing entries: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	entries, err := queryEntries(ctx, tx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE tenant_id = $1 AND sequence_no >= $2 AND ($3::bigint = 0 OR sequence_no <= $3)
		ORDER BY sequence_no LIMIT $4`,
		tenantID, fromSeq, toSeq, limit+1,
	)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	return entries, hasMore, nil
}

// EntryRange returns every entry in [fromSeq, toSeq], ordered by sequence.
func (s *LedgerStore) EntryRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]models.LedgerEntry, error) {
	if fromSeq > toSeq {
		return nil, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("reading entry range: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	return queryEntries(ctx, tx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE tenant_id = $1 AND sequence_no BETWEEN $2 AND $3
		ORDER BY sequence_no`,
		tenantID, fromSeq, toSeq,
	)
}

// GetEntryByID returns the entry with the given id.
func (s *LedgerStore) GetEntryByID(ctx context.Context, tenantID, entryID string) (*models.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("getting entry by id: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	e, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE tenant_id = $1 AND id = $2`, tenantID, entryID).Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewNotFoundError("ledger entry")
		}

		return nil, classify("scanning entry", err)
	}

	return e, nil
}

// GetEntry returns the entry with the given sequence number.
func (s *LedgerStore) GetEntry(ctx context.Context, tenantID string, seq int64) (*models.LedgerEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	row := tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
		WHERE tenant_id = $1 AND sequence_no = $2`, tenantID, seq)

	e, err := scanEntry(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewNotFoundError("ledger entry")
		}

		return nil, classify("scanning entry", err)
	}

	return e, nil
}

// PrevHash returns the entry_hash of seq-1, or the genesis hash for seq 1.
func (s *LedgerStore) PrevHash(ctx context.Context, tenantID string, seq int64) (string, error) {
	if seq <= 1 {
		return ledger.GenesisHash, nil
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("reading previous hash: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	var hash string

	err = tx.QueryRow(ctx, `SELECT entry_hash FROM ledger_entries
		WHERE tenant_id = $1 AND sequence_no = $2`, tenantID, seq-1).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.NewNotFoundError("ledger entry")
		}

		return "", classify("reading previous hash", err)
	}

	return hash, nil
}

// Head returns the tenant's last sequence number and entry hash.
func (s *LedgerStore) Head(ctx context.Context, tenantID string) (int64, string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return 0, "", fmt.Errorf("reading ledger head: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	var seq int64
	var hash string

	err = tx.QueryRow(ctx, `SELECT last_seq, last_hash FROM ledger_heads WHERE tenant_id = $1`, tenantID).
		Scan(&seq, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ledger.GenesisHash, nil
		}

		return 0, "", classify("reading ledger head", err)
	}

	return seq, hash, nil
}

// querier is satisfied by pgx.Tx and *dbpool.Pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("querying entries", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry

	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning entry row: %w", err)
		}

		entries = append(entries, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterating entries", err)
	}

	return entries, nil
}
