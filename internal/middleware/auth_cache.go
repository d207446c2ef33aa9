package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/persistorai/custodian/internal/domain"
	"github.com/persistorai/custodian/internal/models"
)

const (
	principalCacheTTL  = 5 * time.Minute
	negativeCacheTTL   = 30 * time.Second
	maxCacheEntries    = 10000
	cacheCleanupPeriod = 60 * time.Second
)

// cachedPrincipal holds a resolved principal, or nil for a cached miss.
type cachedPrincipal struct {
	principal *models.Principal
	fetchedAt time.Time
}

func (cp cachedPrincipal) ttl() time.Duration {
	if cp.principal == nil {
		return negativeCacheTTL
	}
	return principalCacheTTL
}

// hashKey returns a hex-encoded SHA-256 of the API key so raw keys are never
// held in memory.
func hashKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:])
}

// CachedPrincipalLookup wraps a PrincipalLookup with a bounded in-memory cache.
// Role changes and key revocations take effect within principalCacheTTL.
type CachedPrincipalLookup struct {
	inner domain.PrincipalLookup
	mu    sync.RWMutex
	cache map[string]cachedPrincipal
}

// NewCachedPrincipalLookup creates a caching wrapper around inner. ctx bounds
// the lifetime of the background eviction goroutine.
func NewCachedPrincipalLookup(ctx context.Context, inner domain.PrincipalLookup) *CachedPrincipalLookup {
	c := &CachedPrincipalLookup{
		inner: inner,
		cache: make(map[string]cachedPrincipal),
	}
	go c.evictLoop(ctx)
	return c
}

func (c *CachedPrincipalLookup) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(cacheCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked(time.Now())
			c.mu.Unlock()
		}
	}
}

func (c *CachedPrincipalLookup) evictExpiredLocked(now time.Time) {
	for k, v := range c.cache {
		if now.Sub(v.fetchedAt) >= v.ttl() {
			delete(c.cache, k)
		}
	}
}

// LookupPrincipal returns a cached principal or delegates to the inner lookup.
// Unknown keys are negatively cached; storage failures are not cached at all.
func (c *CachedPrincipalLookup) LookupPrincipal(ctx context.Context, apiKey string) (*models.Principal, error) {
	hk := hashKey(apiKey)

	c.mu.RLock()
	entry, ok := c.cache[hk]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < entry.ttl() {
		if entry.principal == nil {
			return nil, models.NewNotFoundError("api key")
		}

		p := *entry.principal

		return &p, nil
	}

	p, err := c.inner.LookupPrincipal(ctx, apiKey)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			c.store(hk, nil)
		}

		return nil, err
	}

	cp := *p
	c.store(hk, &cp)

	return p, nil
}

func (c *CachedPrincipalLookup) store(hk string, p *models.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) >= maxCacheEntries {
		c.evictExpiredLocked(time.Now())
		for k := range c.cache {
			if len(c.cache) < maxCacheEntries {
				break
			}
			delete(c.cache, k)
		}
	}

	c.cache[hk] = cachedPrincipal{principal: p, fetchedAt: time.Now()}
}
