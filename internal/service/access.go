package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/models"
)

// defaultAccess is the built-in role table.
var defaultAccess = map[models.Role]models.Access{
	models.RoleOwner:     models.AccessReadWrite,
	models.RoleAdmin:     models.AccessReadWrite,
	models.RoleMember:    models.AccessReadWrite,
	models.RoleExecutive: models.AccessReadOnly,
	models.RoleAuditor:   models.AccessReadOnly,
}

// pinnedReadOnly roles ignore tenant overrides.
var pinnedReadOnly = map[models.Role]bool{
	models.RoleExecutive: true,
	models.RoleAuditor:   true,
}

// AccessGuard decides whether a principal may run a command.
type AccessGuard struct {
	policies PolicySource
	log      *logrus.Logger
}

// NewAccessGuard creates an AccessGuard. A nil policies source means only
// the built-in role table applies.
func NewAccessGuard(policies PolicySource, log *logrus.Logger) *AccessGuard {
	return &AccessGuard{policies: policies, log: log}
}

// Authorize evaluates p running action. Every command is a write, so
// read-only roles are always denied. The returned error is non-nil only
// when the tenant's policy could not be read.
func (g *AccessGuard) Authorize(ctx context.Context, p models.Principal, action models.Action) (models.AccessDecision, error) {
	d := models.AccessDecision{Role: p.Role, Action: action}

	access, ref, err := g.resolve(ctx, p)
	if err != nil {
		return d, err
	}

	d.PolicyRef = ref

	switch access {
	case models.AccessReadWrite:
		d.Allowed = true
	case models.AccessReadOnly:
		d.Code = models.CodeReadOnlyRole
	default:
		d.Code = models.CodeForbidden
	}

	return d, nil
}

// resolve returns the role's access and the policy it came from.
func (g *AccessGuard) resolve(ctx context.Context, p models.Principal) (models.Access, string, error) {
	if pinnedReadOnly[p.Role] {
		return models.AccessReadOnly, "default:" + string(p.Role), nil
	}

	if g.policies != nil {
		overrides, err := g.policies.RolePolicies(ctx, p.TenantID)
		if err != nil {
			return "", "", fmt.Errorf("loading role policies: %w", err)
		}

		if access, ok := overrides[p.Role]; ok {
			return access, "tenant:" + string(p.Role), nil
		}
	}

	if access, ok := defaultAccess[p.Role]; ok {
		return access, "default:" + string(p.Role), nil
	}

	g.log.WithFields(logrus.Fields{"tenant_id": p.TenantID, "role": p.Role}).Warn("unknown role")

	return "", "default:unknown", nil
}

// IsReadOnly reports whether p may only read. Handlers use it to hide
// write affordances; enforcement stays in Authorize.
func (g *AccessGuard) IsReadOnly(ctx context.Context, p models.Principal) (bool, error) {
	access, _, err := g.resolve(ctx, p)

	return access != models.AccessReadWrite, err
}
