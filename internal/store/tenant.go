package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/persistorai/custodian/internal/dbpool"
	"github.com/persistorai/custodian/internal/models"
)

// TenantStore handles principal lookups (API key → tenant, actor, role)
// and per-tenant role policy overrides.
type TenantStore struct {
	Pool *dbpool.Pool
}

// NewTenantStore creates a new TenantStore.
func NewTenantStore(pool *dbpool.Pool) *TenantStore {
	return &TenantStore{Pool: pool}
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))

	return hex.EncodeToString(hash[:])
}

// LookupPrincipal resolves an API key by its hash.
func (s *TenantStore) LookupPrincipal(ctx context.Context, apiKey string) (*models.Principal, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var p models.Principal
	var tenantID uuid.UUID
	var role string

	err := s.Pool.QueryRow(ctx, `SELECT tenant_id, actor_id, role FROM api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL`, HashAPIKey(apiKey),
	).Scan(&tenantID, &p.ActorID, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.NewNotFoundError("api key")
		}

		return nil, classify("looking up principal by API key", err)
	}

	p.TenantID = tenantID.String()
	p.Role = models.Role(role)

	return &p, nil
}

// RolePolicies returns the tenant's role → access overrides.
func (s *TenantStore) RolePolicies(ctx context.Context, tenantID string) (map[models.Role]models.Access, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `SELECT role, access FROM tenant_role_policies WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, classify("loading role policies", err)
	}
	defer rows.Close()

	policies := make(map[models.Role]models.Access)

	for rows.Next() {
		var role, access string
		if err := rows.Scan(&role, &access); err != nil {
			return nil, fmt.Errorf("scanning role policy: %w", err)
		}

		policies[models.Role(role)] = models.Access(access)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterating role policies", err)
	}

	return policies, nil
}

// CreateAPIKey registers a key for an actor. Used by provisioning and tests.
func (s *TenantStore) CreateAPIKey(ctx context.Context, tenantID, actorID string, role models.Role, apiKey string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := s.Pool.Exec(ctx, `INSERT INTO api_keys (key_hash, tenant_id, actor_id, role) VALUES ($1, $2, $3, $4)`,
		HashAPIKey(apiKey), tenantID, actorID, string(role))

	return classify("creating API key", err)
}

// CreateTenant inserts a tenant and returns its ID.
func (s *TenantStore) CreateTenant(ctx context.Context, name string) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var id uuid.UUID
	if err := s.Pool.QueryRow(ctx, `INSERT INTO tenants (name) VALUES ($1) RETURNING id`, name).Scan(&id); err != nil {
		return "", classify("creating tenant", err)
	}

	return id.String(), nil
}
