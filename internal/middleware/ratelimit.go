// Package middleware provides the gin middleware chain for the custodian
// API: request IDs, security headers, rate limiting, credential lockout,
// authentication and request metrics.
package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// maxClients caps the number of tracked client IPs.
	maxClients = 100_000

	idleClientTTL  = 10 * time.Minute
	clientSweepGap = 5 * time.Minute
)

// RateLimiter is a per-IP token bucket limiter.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*tokens
	perSec  float64
	burst   float64
	now     func() time.Time
}

type tokens struct {
	level  float64
	filled time.Time
}

// take refills t up to now and spends one token. When the bucket is empty it
// returns how long until a token is available.
func (rl *RateLimiter) take(t *tokens, now time.Time) (bool, time.Duration) {
	t.level = min(t.level+now.Sub(t.filled).Seconds()*rl.perSec, rl.burst)
	t.filled = now

	if t.level >= 1 {
		t.level--
		return true, 0
	}

	return false, time.Duration((1 - t.level) / rl.perSec * float64(time.Second))
}

// NewRateLimiter allows ratePerSec requests per client IP with the given
// burst. Idle clients are forgotten until ctx is done.
func NewRateLimiter(ctx context.Context, ratePerSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*tokens),
		perSec:  ratePerSec,
		burst:   float64(burst),
		now:     time.Now,
	}

	go rl.sweepIdle(ctx)

	return rl
}

// NewPerMinuteLimiter allows perMinute requests per IP per minute, all of
// which may arrive at once.
func NewPerMinuteLimiter(ctx context.Context, perMinute int) *RateLimiter {
	perMinute = max(perMinute, 1)

	return NewRateLimiter(ctx, float64(perMinute)/60, perMinute)
}

func (rl *RateLimiter) sweepIdle(ctx context.Context) {
	t := time.NewTicker(clientSweepGap)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rl.mu.Lock()
			for ip, b := range rl.clients {
				if now.Sub(b.filled) > idleClientTTL {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Handler returns middleware applying the limit to c.ClientIP(). The router
// trusts no proxies, so forwarded-for headers cannot pick the bucket.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := rl.now()

		rl.mu.Lock()

		b, ok := rl.clients[ip]
		if !ok && len(rl.clients) >= maxClients {
			rl.mu.Unlock()
			respondError(c, http.StatusTooManyRequests, ErrCodeRateLimited, "too many clients")

			return
		}

		if !ok {
			b = &tokens{level: rl.burst, filled: now}
			rl.clients[ip] = b
		}

		allowed, wait := rl.take(b, now)
		rl.mu.Unlock()

		if !allowed {
			setRetryAfter(c, wait)
			respondError(c, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limit exceeded")

			return
		}

		c.Next()
	}
}
