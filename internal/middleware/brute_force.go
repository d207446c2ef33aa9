package middleware

import (
	"context"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/custodian/internal/metrics"
)

// Lockout policy for repeated authentication failures on one credential.
const (
	lockoutThreshold  = 5
	lockoutWindow     = 15 * time.Minute
	lockoutDuration   = 5 * time.Minute
	lockoutSweep      = time.Minute
	lockoutMaxTracked = 10_000
)

// ErrCodeRateLimited is returned for both request-rate and lockout rejections.
const ErrCodeRateLimited = "rate_limited"

type strikes struct {
	count    int
	first    time.Time
	lockedAt time.Time
}

func (s *strikes) lockRemaining(now time.Time) time.Duration {
	if s.lockedAt.IsZero() {
		return 0
	}

	return max(lockoutDuration-now.Sub(s.lockedAt), 0)
}

func (s *strikes) expired(now time.Time) bool {
	if !s.lockedAt.IsZero() {
		return now.Sub(s.lockedAt) >= lockoutDuration
	}

	return now.Sub(s.first) >= lockoutWindow
}

// BruteForceGuard locks out a credential, keyed by its SHA-256, after
// lockoutThreshold failures inside lockoutWindow. Plain credentials are
// never held in memory.
type BruteForceGuard struct {
	mu      sync.Mutex
	tracked map[string]*strikes
	log     *logrus.Logger
	now     func() time.Time
}

// NewBruteForceGuard creates a guard whose sweeper runs until ctx is done.
func NewBruteForceGuard(ctx context.Context, log *logrus.Logger) *BruteForceGuard {
	g := &BruteForceGuard{
		tracked: make(map[string]*strikes),
		log:     log,
		now:     time.Now,
	}

	go func() {
		t := time.NewTicker(lockoutSweep)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.sweep()
			}
		}
	}()

	return g
}

// IsBlocked reports whether the credential is locked out.
func (g *BruteForceGuard) IsBlocked(credential string) bool {
	return g.blockedFor(credential) > 0
}

func (g *BruteForceGuard) blockedFor(credential string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.tracked[hashKey(credential)]
	if !ok {
		return 0
	}

	return s.lockRemaining(g.now())
}

// RecordFailure counts a failed authentication for credential.
func (g *BruteForceGuard) RecordFailure(credential string) {
	key := hashKey(credential)
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.tracked[key]
	if !ok || (s.lockedAt.IsZero() && now.Sub(s.first) > lockoutWindow) {
		g.tracked[key] = &strikes{count: 1, first: now}
		return
	}

	s.count++
	if s.count < lockoutThreshold || !s.lockedAt.IsZero() {
		return
	}

	s.lockedAt = now
	metrics.ErrorsTotal.WithLabelValues("auth_lockout").Inc()
	g.log.WithFields(logrus.Fields{
		"key_hash": key[:12],
		"failures": s.count,
	}).Warn("credential locked out")
}

// ResetKey forgets failures for a credential that just authenticated.
func (g *BruteForceGuard) ResetKey(credential string) {
	key := hashKey(credential)

	g.mu.Lock()
	delete(g.tracked, key)
	g.mu.Unlock()
}

func (g *BruteForceGuard) sweep() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for k, s := range g.tracked {
		if s.expired(now) {
			delete(g.tracked, k)
		}
	}

	excess := len(g.tracked) - lockoutMaxTracked
	if excess <= 0 {
		return
	}

	// Drop the oldest first failures.
	keys := make([]string, 0, len(g.tracked))
	for k := range g.tracked {
		keys = append(keys, k)
	}

	slices.SortFunc(keys, func(a, b string) int {
		return g.tracked[a].first.Compare(g.tracked[b].first)
	})

	for _, k := range keys[:excess] {
		delete(g.tracked, k)
	}
}

// BruteForceMiddleware rejects requests whose bearer credential is locked
// out, telling the caller when to try again.
func BruteForceMiddleware(guard *BruteForceGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearerToken(c)
		if token == "" {
			c.Next()
			return
		}

		if wait := guard.blockedFor(token); wait > 0 {
			setRetryAfter(c, wait)
			respondError(c, http.StatusTooManyRequests, ErrCodeRateLimited, "too many failed authentication attempts")

			return
		}

		c.Next()
	}
}

// setRetryAfter sets Retry-After to wait rounded up to whole seconds.
func setRetryAfter(c *gin.Context, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
}
