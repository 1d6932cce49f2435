package grants

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/assetgate/internal/authz"
)

// lookupTimeout bounds a coalesced backend lookup once it is detached from
// the caller that started it.
const lookupTimeout = 5 * time.Second

// CachedStore decorates a GrantFinder with a cache and coalesces concurrent
// identical lookups. Only positive results are cached, never past the grant's
// own expiry, and every hit is re-checked against the clock.
type CachedStore struct {
	next  authz.GrantFinder
	cache Cache
	ttl   time.Duration
	clock clock.Clock
	group singleflight.Group
}

// NewCachedStore wraps next. A nil cache disables caching but keeps coalescing.
func NewCachedStore(next authz.GrantFinder, cache Cache, ttl time.Duration, clk clock.Clock) *CachedStore {
	if clk == nil {
		clk = clock.New()
	}
	return &CachedStore{next: next, cache: cache, ttl: ttl, clock: clk}
}

// FindGrant implements authz.GrantFinder.
func (s *CachedStore) FindGrant(ctx context.Context, path, granteeID string) (*authz.Grant, error) {
	key := cacheKey(path, granteeID)
	now := s.clock.Now()
	if s.cache != nil {
		if g, ok := s.cache.Get(ctx, key); ok && g.ActiveAt(now) {
			return &g, nil
		}
	}

	// The shared lookup outlives any single caller's cancellation; each caller
	// stops waiting on its own ctx.
	resultChan := s.group.DoChan(key, func() (interface{}, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return s.next.FindGrant(lookupCtx, path, granteeID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-resultChan:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	grant, _ := res.Val.(*authz.Grant)
	if grant == nil {
		return nil, nil
	}
	copied := *grant
	if s.cache != nil {
		if ttl := s.entryTTL(copied, s.clock.Now()); ttl > 0 {
			s.cache.Set(ctx, key, copied, ttl)
		}
	}
	return &copied, nil
}

func (s *CachedStore) entryTTL(g authz.Grant, now time.Time) time.Duration {
	ttl := s.ttl
	if g.ExpiresAt != nil {
		if remaining := g.ExpiresAt.Sub(now); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func cacheKey(path, granteeID string) string {
	return granteeID + "|" + path
}

var _ authz.GrantFinder = (*CachedStore)(nil)
