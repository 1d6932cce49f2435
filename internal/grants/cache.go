package grants

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/odyssey-erp/assetgate/internal/authz"
)

// Cache stores positive grant lookups keyed by (path, grantee).
type Cache interface {
	Get(ctx context.Context, key string) (authz.Grant, bool)
	Set(ctx context.Context, key string, grant authz.Grant, ttl time.Duration)
}

type cachedGrant struct {
	grant   authz.Grant
	expires time.Time
}

// MemoryCache is a bounded in-process cache with per-entry expiry.
type MemoryCache struct {
	cache *ristretto.Cache[string, cachedGrant]
	clock clock.Clock
}

// NewMemoryCache builds a cache holding at most maxEntries grants.
func NewMemoryCache(maxEntries int64, clk clock.Clock) (*MemoryCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("grants: cache size must be positive, got %d", maxEntries)
	}
	if clk == nil {
		clk = clock.New()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, cachedGrant]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("grants: new cache: %w", err)
	}
	return &MemoryCache{cache: cache, clock: clk}, nil
}

// Get returns the cached grant when present and not yet expired.
func (c *MemoryCache) Get(ctx context.Context, key string) (authz.Grant, bool) {
	entry, ok := c.cache.Get(key)
	if !ok || !c.clock.Now().Before(entry.expires) {
		return authz.Grant{}, false
	}
	return entry.grant, true
}

// Set stores grant for ttl.
func (c *MemoryCache) Set(ctx context.Context, key string, grant authz.Grant, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(key, cachedGrant{grant: grant, expires: c.clock.Now().Add(ttl)}, 1, ttl)
}

// Wait blocks until buffered writes are applied.
func (c *MemoryCache) Wait() {
	c.cache.Wait()
}

// Close releases cache goroutines.
func (c *MemoryCache) Close() {
	c.cache.Close()
}
