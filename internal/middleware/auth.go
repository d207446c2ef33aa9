package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/models"
)

const (
	// PrincipalKey is the gin context key holding the authenticated *models.Principal.
	PrincipalKey = "principal"

	// TenantIDKey is the gin context key holding the caller's tenant ID.
	TenantIDKey = "tenant_id"
)

// authTimingFloor is the minimum response time for a rejected credential so
// valid and invalid API keys cannot be told apart by latency.
const authTimingFloor = 50 * time.Millisecond

// truncateKey returns at most the first 4 characters of key followed by "...".
func truncateKey(key string) string {
	if len(key) > 4 {
		return key[:4] + "..."
	}
	return key
}

// enforceTimingFloor sleeps if needed so the response takes at least authTimingFloor.
func enforceTimingFloor(start time.Time) {
	if elapsed := time.Since(start); elapsed < authTimingFloor {
		time.Sleep(authTimingFloor - elapsed)
	}
}

// Authenticator resolves bearer credentials to a principal. JWTs are checked
// against the verifier when one is configured; anything else is an API key.
type Authenticator struct {
	keys  domain.PrincipalLookup
	jwt   *JWTVerifier
	guard *BruteForceGuard
	log   *logrus.Logger
}

// NewAuthenticator creates an Authenticator. jwt and guard may be nil.
func NewAuthenticator(keys domain.PrincipalLookup, jwt *JWTVerifier, guard *BruteForceGuard, log *logrus.Logger) *Authenticator {
	return &Authenticator{keys: keys, jwt: jwt, guard: guard, log: log}
}

// Handler returns Gin middleware that authenticates requests via Bearer token
// and stores the principal in the context.
func (a *Authenticator) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		defer func() {
			if c.Writer.Status() == http.StatusUnauthorized {
				enforceTimingFloor(start)
			}
		}()

		token := ExtractBearerToken(c)
		if token == "" {
			respondError(c, http.StatusUnauthorized, "unauthorized", "missing or invalid authorization header")
			return
		}

		p, err := a.Resolve(c.Request.Context(), token)
		if models.KindOf(err) == models.KindStorage {
			a.log.WithError(err).WithField("request_id", c.GetString(RequestIDKey)).Error("principal lookup failed")
			respondError(c, http.StatusServiceUnavailable, models.CodeStorageUnavailable, "service unavailable")
			return
		}

		if err != nil {
			a.logFailure(c, token, err)

			if a.guard != nil {
				a.guard.RecordFailure(token)
			}

			respondError(c, http.StatusUnauthorized, "unauthorized", "invalid credentials")
			return
		}

		if a.guard != nil {
			a.guard.ResetKey(token)
		}

		c.Set(PrincipalKey, p)
		c.Set(TenantIDKey, p.TenantID)
		c.Next()
	}
}

// Resolve maps a bearer credential to its principal.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*models.Principal, error) {
	if a.jwt != nil && looksLikeJWT(token) {
		return a.jwt.Verify(token)
	}

	return a.keys.LookupPrincipal(ctx, token)
}

// GetPrincipal returns the authenticated principal set by Handler.
func GetPrincipal(c *gin.Context) (models.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return models.Principal{}, false
	}

	p, ok := v.(*models.Principal)
	if !ok || p == nil {
		return models.Principal{}, false
	}

	return *p, true
}

// ExtractBearerToken extracts the credential from the Authorization header.
func ExtractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func (a *Authenticator) logFailure(c *gin.Context, token string, err error) {
	a.log.WithFields(logrus.Fields{
		"client_ip":  c.ClientIP(),
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"user_agent": c.Request.UserAgent(),
		"request_id": c.GetString(RequestIDKey),
		"key_prefix": truncateKey(token),
		"error":      err,
	}).Warn("authentication failed")
}
