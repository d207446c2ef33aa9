package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/ledger"
	"github.com/persistorai/custodian/internal/models"
)

// IntentStore tracks staged commands whose mutation runs outside the
// ledger transaction.
type IntentStore struct {
	Base
}

// NewIntentStore creates a new IntentStore.
func NewIntentStore(base Base) *IntentStore {
	return &IntentStore{Base: base}
}

// CreateIntent records a pending intent before the external mutation runs.
func (s *IntentStore) CreateIntent(ctx context.Context, in models.CommandIntent) (*models.CommandIntent, error) {
	meta, err := ledger.CanonicalMetadata(in.Metadata)
	if err != nil {
		return nil, models.NewValidationError("", "metadata must be a JSON object")
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	created, err := scanIntent(tx.QueryRow(ctx, `INSERT INTO command_intents
		(tenant_id, action, actor_id, target_type, target_id, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING `+intentColumns,
		in.TenantID, string(in.Action), in.ActorID, in.TargetType, in.TargetID, string(meta),
	).Scan)
	if err != nil {
		return nil, classify("inserting intent", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("committing intent", err)
	}

	return created, nil
}

// StaleIntents lists pending intents created before cutoff, across tenants.
func (s *IntentStore) StaleIntents(ctx context.Context, cutoff time.Time, limit int) ([]models.CommandIntent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginSystemTx(ctx)
	if err != nil {
		return nil, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to keep.

	rows, err := tx.Query(ctx, `SELECT `+intentColumns+` FROM command_intents
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, classify("listing stale intents", err)
	}
	defer rows.Close()

	var intents []models.CommandIntent

	for rows.Next() {
		in, err := scanIntent(rows.Scan)
		if err != nil {
			return nil, classify("scanning intent", err)
		}

		intents = append(intents, *in)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterating intents", err)
	}

	return intents, nil
}

// AbandonIntent marks a pending intent failed and appends a
// command.abandoned compensating entry. It reports false when the intent
// was already settled.
func (s *IntentStore) AbandonIntent(ctx context.Context, in models.CommandIntent, reason string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginTx(ctx, in.TenantID)
	if err != nil {
		return false, err
	}

	defer tx.Rollback(ctx) //nolint:errcheck // best-effort rollback after commit.

	var id string

	err = tx.QueryRow(ctx, `UPDATE command_intents SET status = 'failed', updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
		RETURNING id::text`, in.TenantID, in.ID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, classify("abandoning intent", err)
	}

	if _, err := appendEntry(ctx, tx, in.TenantID, models.AppendRequest{
		EventName:  ledger.EventCommandAbandoned.String(),
		ActorID:    in.ActorID,
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		Metadata: map[string]any{
			"intent_id":  in.ID,
			"action":     string(in.Action),
			"reason":     reason,
			"created_at": in.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, classify("committing abandoned intent", err)
	}

	return true, nil
}
