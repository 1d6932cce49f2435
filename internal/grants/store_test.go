package grants

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/assetgate/internal/authz"
)

type countingFinder struct {
	calls atomic.Int32
	grant *authz.Grant
	err   error
}

func (f *countingFinder) FindGrant(ctx context.Context, path, granteeID string) (*authz.Grant, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.grant == nil {
		return nil, nil
	}
	g := *f.grant
	return &g, nil
}

type blockingFinder struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	grant   authz.Grant
}

func (f *blockingFinder) FindGrant(ctx context.Context, path, granteeID string) (*authz.Grant, error) {
	if f.calls.Add(1) == 1 {
		close(f.started)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.release:
	}
	g := f.grant
	return &g, nil
}

func newMemoryCache(t *testing.T, clk clock.Clock) *MemoryCache {
	t.Helper()
	cache, err := NewMemoryCache(100, clk)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	return cache
}

func TestCachedStoreCachesPositiveLookups(t *testing.T) {
	mock := clock.NewMock()
	finder := &countingFinder{grant: &authz.Grant{ID: "g1", Ref: "/publishers/7/book", GranteeID: "3"}}
	cache := newMemoryCache(t, mock)
	store := NewCachedStore(finder, cache, time.Minute, mock)

	g, err := store.FindGrant(context.Background(), "/publishers/7/book/ch1.pdf", "3")
	require.NoError(t, err)
	require.NotNil(t, g)
	cache.Wait()

	g, err = store.FindGrant(context.Background(), "/publishers/7/book/ch1.pdf", "3")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "g1", g.ID)
	assert.EqualValues(t, 1, finder.calls.Load())

	mock.Add(2 * time.Minute)
	_, err = store.FindGrant(context.Background(), "/publishers/7/book/ch1.pdf", "3")
	require.NoError(t, err)
	assert.EqualValues(t, 2, finder.calls.Load())
}

func TestCachedStoreNeverOutlivesGrantExpiry(t *testing.T) {
	mock := clock.NewMock()
	expiry := mock.Now().Add(10 * time.Second)
	finder := &countingFinder{grant: &authz.Grant{ID: "g1", Ref: "/teachers/9", GranteeID: "5", ExpiresAt: &expiry}}
	cache := newMemoryCache(t, mock)
	store := NewCachedStore(finder, cache, time.Hour, mock)

	g, err := store.FindGrant(context.Background(), "/teachers/9/a.pdf", "5")
	require.NoError(t, err)
	require.NotNil(t, g)
	cache.Wait()

	mock.Add(11 * time.Second)
	finder.grant = nil
	g, err = store.FindGrant(context.Background(), "/teachers/9/a.pdf", "5")
	require.NoError(t, err)
	assert.Nil(t, g)
	assert.EqualValues(t, 2, finder.calls.Load())
}

func TestCachedStoreDoesNotCacheMisses(t *testing.T) {
	finder := &countingFinder{}
	cache := newMemoryCache(t, nil)
	store := NewCachedStore(finder, cache, time.Minute, nil)
	for i := 0; i < 3; i++ {
		g, err := store.FindGrant(context.Background(), "/schools/1/a.pdf", "2")
		require.NoError(t, err)
		assert.Nil(t, g)
		cache.Wait()
	}
	assert.EqualValues(t, 3, finder.calls.Load())
}

func TestCachedStorePropagatesErrors(t *testing.T) {
	finder := &countingFinder{err: errors.New("timeout")}
	store := NewCachedStore(finder, nil, time.Minute, nil)
	_, err := store.FindGrant(context.Background(), "/schools/1/a.pdf", "2")
	assert.Error(t, err)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisCache(client, nil)

	expiry := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	grant := authz.Grant{ID: "g9", Ref: "/publishers/7/book", AssetID: "a1", GranteeID: "3", ExpiresAt: &expiry}
	cache.Set(context.Background(), cacheKey("/publishers/7/book/x", "3"), grant, 30*time.Second)

	got, ok := cache.Get(context.Background(), cacheKey("/publishers/7/book/x", "3"))
	require.True(t, ok)
	assert.Equal(t, grant.ID, got.ID)
	assert.Equal(t, grant.Ref, got.Ref)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expiry.Equal(*got.ExpiresAt))
	assert.Equal(t, 30*time.Second, mr.TTL(redisKeyPrefix+cacheKey("/publishers/7/book/x", "3")))

	mr.FastForward(31 * time.Second)
	_, ok = cache.Get(context.Background(), cacheKey("/publishers/7/book/x", "3"))
	assert.False(t, ok)
}

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *string:
			*ptr = r.values[i].(string)
		case **time.Time:
			if r.values[i] == nil {
				*ptr = nil
			} else {
				v := r.values[i].(time.Time)
				*ptr = &v
			}
		}
	}
	return nil
}

type stubDB struct {
	row  stubRow
	args []any
}

func (s *stubDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.args = args
	return s.row
}

func TestPGRepositoryFindGrant(t *testing.T) {
	mock := clock.NewMock()
	db := &stubDB{row: stubRow{values: []any{"g1", "/publishers/7/book", "", "3", nil}}}
	repo := NewRepository(db, mock)

	g, err := repo.FindGrant(context.Background(), "/publishers/7/book/ch1.pdf", "3")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "/publishers/7/book", g.Ref)
	assert.Nil(t, g.ExpiresAt)
	assert.Equal(t, []any{"/publishers/7/book/ch1.pdf", "3", mock.Now().UTC()}, db.args)
}

func TestPGRepositoryNoRowsIsNone(t *testing.T) {
	repo := NewRepository(&stubDB{row: stubRow{err: pgx.ErrNoRows}}, nil)
	g, err := repo.FindGrant(context.Background(), "/publishers/7/x", "3")
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestCachedStoreCancelledCallerDoesNotFailOthers(t *testing.T) {
	finder := &blockingFinder{
		started: make(chan struct{}),
		release: make(chan struct{}),
		grant:   authz.Grant{ID: "g1", Ref: "/publishers/7/book", GranteeID: "3"},
	}
	store := NewCachedStore(finder, nil, time.Minute, clock.NewMock())
	path := "/publishers/7/book/ch1.pdf"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := store.FindGrant(firstCtx, path, "3")
		firstErr <- err
	}()
	<-finder.started

	type result struct {
		grant *authz.Grant
		err   error
	}
	second := make(chan result, 1)
	go func() {
		g, err := store.FindGrant(context.Background(), path, "3")
		second <- result{g, err}
	}()
	// Let the second caller join the in-flight lookup.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(finder.release)
	got := <-second
	require.NoError(t, got.err)
	require.NotNil(t, got.grant)
	assert.Equal(t, "g1", got.grant.ID)
	assert.EqualValues(t, 1, finder.calls.Load())
}
