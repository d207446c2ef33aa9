package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/models"
)

// IncidentStore writes detected corruption to integrity_incidents, which
// lives outside the chain so recording a break never extends it.
type IncidentStore struct {
	Base
}

// NewIncidentStore creates a new IncidentStore.
func NewIncidentStore(base Base) *IncidentStore {
	return &IncidentStore{Base: base}
}

// RecordIncident inserts one incident.
func (s *IncidentStore) RecordIncident(ctx context.Context, inc models.IntegrityIncident) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(ctx, `INSERT INTO integrity_incidents (tenant_id, scope, seq, period, reason)
		VALUES ($1, $2, $3, $4, $5)`, inc.TenantID, inc.Scope, inc.Seq, inc.Period, inc.Reason)

	return classify("recording integrity incident", err)
}

// ListIncidents returns a page of the tenant's incidents, newest first.
func (s *IncidentStore) ListIncidents(
	ctx context.Context, tenantID string, limit, offset int,
) ([]models.IntegrityIncident, bool, error) {
	limit = clampLimit(limit)
	offset = max(offset, 0)

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `SELECT id, tenant_id, scope, seq, period, reason, detected_at
		FROM integrity_incidents WHERE tenant_id = $1
		ORDER BY detected_at DESC LIMIT $2 OFFSET $3`, tenantID, limit+1, offset)
	if err != nil {
		return nil, false, classify("listing integrity incidents", err)
	}

	incidents, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.IntegrityIncident, error) {
		var inc models.IntegrityIncident
		var id, tenant uuid.UUID

		err := row.Scan(&id, &tenant, &inc.Scope, &inc.Seq, &inc.Period, &inc.Reason, &inc.DetectedAt)
		inc.ID = id.String()
		inc.TenantID = tenant.String()

		return inc, err
	})
	if err != nil {
		return nil, false, classify("scanning integrity incidents", err)
	}

	hasMore := len(incidents) > limit
	if hasMore {
		incidents = incidents[:limit]
	}

	return incidents, hasMore, nil
}

// ArtifactRefStore resolves public receipt references. Lookups are not
// tenant scoped: the reference itself is the capability.
type ArtifactRefStore struct {
	Base
}

// NewArtifactRefStore creates a new ArtifactRefStore.
func NewArtifactRefStore(base Base) *ArtifactRefStore {
	return &ArtifactRefStore{Base: base}
}

// LookupRef returns the receipt registered under ref.
func (s *ArtifactRefStore) LookupRef(ctx context.Context, ref string) (*models.ArtifactRef, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var r models.ArtifactRef
	var tenantID, jobID uuid.UUID

	err := s.Pool.QueryRow(ctx, `SELECT ref, tenant_id, job_id, entry_seq, artifact_hash, created_at
		FROM artifact_refs WHERE ref = $1`, ref,
	).Scan(&r.Ref, &tenantID, &jobID, &r.EntrySeq, &r.ArtifactHash, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewNotFoundError("receipt")
	}

	if err != nil {
		return nil, classify("looking up receipt", err)
	}

	r.TenantID = tenantID.String()
	r.JobID = jobID.String()

	return &r, nil
}
