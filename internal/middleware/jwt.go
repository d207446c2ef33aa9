package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/persistorai/custodian/internal/models"
)

const jwtIssuer = "custodian"

// PrincipalClaims carries the caller identity asserted by the identity provider.
type PrincipalClaims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 bearer tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier returns a verifier, or nil when secret is empty.
func NewJWTVerifier(secret string) *JWTVerifier {
	if secret == "" {
		return nil
	}

	return &JWTVerifier{secret: []byte(secret)}
}

// Issue signs a token for p. Used by provisioning tooling and tests.
func (v *JWTVerifier) Issue(p models.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &PrincipalClaims{
		TenantID: p.TenantID,
		Role:     string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   p.ActorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

// Verify parses token and returns the principal it asserts.
func (v *JWTVerifier) Verify(token string) (*models.Principal, error) {
	claims := &PrincipalClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return v.secret, nil
	},
		jwt.WithIssuer(jwtIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	if _, err := uuid.Parse(claims.TenantID); err != nil {
		return nil, errors.New("token tenant_id is not a uuid")
	}

	if claims.Subject == "" || claims.Role == "" {
		return nil, errors.New("token missing subject or role")
	}

	return &models.Principal{
		TenantID: claims.TenantID,
		ActorID:  claims.Subject,
		Role:     models.Role(claims.Role),
	}, nil
}

// looksLikeJWT reports whether a bearer credential has the three-segment JWT shape.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
