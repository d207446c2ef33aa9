package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/models"
)

// RecordStore reads the versioned domain records commands mutate.
type RecordStore struct {
	Base
}

// NewRecordStore creates a new RecordStore.
func NewRecordStore(base Base) *RecordStore {
	return &RecordStore{Base: base}
}

// GetRecord returns a record by ID, including soft-deleted ones.
func (s *RecordStore) GetRecord(ctx context.Context, tenantID, recordID string) (*models.DomainRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("getting record: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM domain_records
		WHERE tenant_id = $1 AND id = $2`, tenantID, recordID)

	r, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewNotFoundError("record")
		}

		return nil, classify("scanning record", err)
	}

	return r, nil
}

// applyMutation performs a create, update or soft delete guarded by the
// caller's expected version.
func applyMutation(ctx context.Context, tx pgx.Tx, tenantID string, m models.Mutation) (*models.DomainRecord, error) {
	switch m.Op {
	case models.MutationCreate:
		id := m.RecordID
		if id == "" {
			id = uuid.NewString()
		}

		row := tx.QueryRow(ctx, `INSERT INTO domain_records (tenant_id, id, record_type, data)
			VALUES ($1, $2, $3, $4)
			RETURNING `+recordColumns,
			tenantID, id, m.RecordType, string(m.Data),
		)

		r, err := scanRecord(row.Scan)
		if err != nil {
			if pgCode(err) == pgUniqueViolation {
				return nil, models.NewConflictError(models.CodeAlreadyExists, "record already exists")
			}

			return nil, classify("inserting record", err)
		}

		return r, nil

	case models.MutationUpdate:
		row := tx.QueryRow(ctx, `UPDATE domain_records
			SET data = $5, version = version + 1, updated_at = now()
			WHERE tenant_id = $1 AND id = $2 AND record_type = $3 AND version = $4 AND NOT deleted
			RETURNING `+recordColumns,
			tenantID, m.RecordID, m.RecordType, m.ExpectedVersion, string(m.Data),
		)

		return versionedResult(ctx, tx, tenantID, m, row)

	case models.MutationDelete:
		row := tx.QueryRow(ctx, `UPDATE domain_records
			SET deleted = true, version = version + 1, updated_at = now()
			WHERE tenant_id = $1 AND id = $2 AND record_type = $3 AND version = $4 AND NOT deleted
			RETURNING `+recordColumns,
			tenantID, m.RecordID, m.RecordType, m.ExpectedVersion,
		)

		return versionedResult(ctx, tx, tenantID, m, row)
	}

	return nil, models.NewValidationError("", fmt.Sprintf("unsupported mutation %q", m.Op))
}

// versionedResult turns a zero-row conditional update into NotFound or a
// version conflict.
func versionedResult(
	ctx context.Context, tx pgx.Tx, tenantID string, m models.Mutation, row pgx.Row,
) (*models.DomainRecord, error) {
	r, err := scanRecord(row.Scan)
	if err == nil {
		return r, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify("updating record", err)
	}

	var version int64
	var deleted bool

	err = tx.QueryRow(ctx, `SELECT version, deleted FROM domain_records
		WHERE tenant_id = $1 AND id = $2 AND record_type = $3`, tenantID, m.RecordID, m.RecordType,
	).Scan(&version, &deleted)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && deleted) {
		return nil, models.NewNotFoundError("record")
	}

	if err != nil {
		return nil, classify("reading record version", err)
	}

	return nil, models.NewConflictError(models.CodeVersionConflict,
		fmt.Sprintf("record is at version %d, expected %d", version, m.ExpectedVersion))
}
