package query

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/prepcoach/api"
	"github.com/briangreenhill/prepcoach/cache"
)

var (
	listKey   = cache.KeyFor("MySessions", nil)
	detailKey = func(id string) cache.Key { return cache.KeyFor("SessionDetail", map[string]string{"sessionId": id}) }
)

// gatedFetcher counts calls and blocks each one until released
type gatedFetcher[T any] struct {
	calls   atomic.Int32
	release chan struct{}
	value   T
	err     error
}

func newGated[T any](value T) *gatedFetcher[T] {
	return &gatedFetcher[T]{release: make(chan struct{}), value: value}
}

func (g *gatedFetcher[T]) fetch(ctx context.Context) (T, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return g.value, g.err
}

func (g *gatedFetcher[T]) open() { close(g.release) }

func newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	c := New(cache.New(), opts...)
	t.Cleanup(c.Wait)
	return c
}

func await[T any](t *testing.T, b *Binding[T]) View[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := b.Await(ctx)
	require.NoError(t, err)
	return v
}

func TestConcurrentUseIssuesOneFetch(t *testing.T) {
	c := newCoordinator(t)
	f := newGated([]string{"s1", "s2"})

	const n = 16
	bindings := make([]*Binding[[]string], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			bindings[i] = Use(c, listKey, f.fetch)
		}()
	}
	wg.Wait()

	for _, b := range bindings {
		assert.True(t, b.View().IsLoading)
	}
	f.open()

	for _, b := range bindings {
		v := await(t, b)
		assert.Equal(t, []string{"s1", "s2"}, v.Value)
		assert.False(t, v.IsLoading)
		b.Close()
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestFreshEntryIsNotRefetched(t *testing.T) {
	c := newCoordinator(t)
	f := newGated("v")
	f.open()

	first := Use(c, listKey, f.fetch)
	await(t, first)
	second := Use(c, listKey, f.fetch)
	v := await(t, second)

	assert.Equal(t, "v", v.Value)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestFailurePreservesPreviousValue(t *testing.T) {
	c := newCoordinator(t)
	var fail atomic.Bool
	b := Use(c, listKey, func(ctx context.Context) (string, error) {
		if fail.Load() {
			return "", &api.TransportError{Method: http.MethodGet, Path: "/x", Err: errors.New("connection refused")}
		}
		return "good", nil
	})
	defer b.Close()
	require.Equal(t, "good", await(t, b).Value)

	fail.Store(true)
	b.Refetch()
	require.Eventually(t, func() bool { return b.View().Status == cache.Failed }, time.Second, 5*time.Millisecond)

	v := b.View()
	assert.True(t, v.HasValue)
	assert.Equal(t, "good", v.Value)
	assert.True(t, api.IsTransport(v.Err))
}

func TestNotFoundClearsValue(t *testing.T) {
	c := newCoordinator(t)
	var gone atomic.Bool
	b := Use(c, detailKey("s1"), func(ctx context.Context) (api.Session, error) {
		if gone.Load() {
			return api.Session{}, &api.DomainError{StatusCode: http.StatusNotFound, Message: "Session not found"}
		}
		return api.Session{ID: "s1"}, nil
	})
	defer b.Close()
	require.True(t, await(t, b).HasValue)

	gone.Store(true)
	b.Refetch()
	require.Eventually(t, func() bool { return b.View().Status == cache.Failed }, time.Second, 5*time.Millisecond)

	v := b.View()
	assert.False(t, v.HasValue)
	assert.True(t, api.IsNotFound(v.Err))
}

func TestInvalidationRefetchesOnlySubscribedKeys(t *testing.T) {
	c := newCoordinator(t)
	var watchedCalls, unwatchedCalls atomic.Int32

	watched := Use(c, detailKey("a"), func(ctx context.Context) (string, error) {
		watchedCalls.Add(1)
		return "a", nil
	})
	defer watched.Close()
	unwatched := Use(c, detailKey("b"), func(ctx context.Context) (string, error) {
		unwatchedCalls.Add(1)
		return "b", nil
	})
	await(t, watched)
	await(t, unwatched)
	unwatched.Close()

	c.Store().Invalidate(cache.AllOf("SessionDetail"))

	require.Eventually(t, func() bool { return watchedCalls.Load() == 2 }, time.Second, 5*time.Millisecond)
	c.Wait()
	assert.Equal(t, int32(1), unwatchedCalls.Load())
	assert.Equal(t, cache.Stale, c.Store().Read(detailKey("b")).Status)
	assert.Equal(t, cache.Fresh, c.Store().Read(detailKey("a")).Status)
}

func TestCloseDuringFetchStillCachesResult(t *testing.T) {
	c := newCoordinator(t)
	f := newGated("late")
	b := Use(c, listKey, f.fetch)
	b.Close()
	f.open()
	c.Wait()

	e := c.Store().Read(listKey)
	assert.Equal(t, cache.Fresh, e.Status)
	assert.Equal(t, "late", e.Value)

	v := b.View()
	assert.True(t, v.IsLoading, "a closed binding does not change")
	assert.False(t, v.HasValue)

	_, err := b.Await(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDifferentKeysNeverShareValues(t *testing.T) {
	c := newCoordinator(t)
	first := Use(c, detailKey("s1"), func(ctx context.Context) (api.Session, error) {
		return api.Session{ID: "s1"}, nil
	})
	await(t, first)
	first.Close()

	f := newGated(api.Session{ID: "s2"})
	second := Use(c, detailKey("s2"), f.fetch)
	defer second.Close()

	v := second.View()
	assert.False(t, v.HasValue)
	assert.Empty(t, v.Value.ID)
	f.open()
	assert.Equal(t, "s2", await(t, second).Value.ID)
}

func TestResolverServesInvalidationRefresh(t *testing.T) {
	var calls atomic.Int32
	c := newCoordinator(t, WithResolver(func(k cache.Key) (Fetcher, bool) {
		if k.Kind != "MySessions" {
			return nil, false
		}
		return func(ctx context.Context, _ cache.Key) (any, error) {
			return int(calls.Add(1)), nil
		}, true
	}))

	b := Use[int](c, listKey, nil)
	defer b.Close()
	assert.Equal(t, 1, await(t, b).Value)

	c.Store().Invalidate(cache.Exact(listKey))
	require.Eventually(t, func() bool { return b.View().Value == 2 }, time.Second, 5*time.Millisecond)
}

func TestMissingFetcherFailsEntry(t *testing.T) {
	c := newCoordinator(t)
	b := Use[string](c, cache.KeyFor("Unknown", nil), nil)
	defer b.Close()

	v := await(t, b)
	assert.Equal(t, cache.Failed, v.Status)
	assert.ErrorIs(t, v.Err, ErrNoFetcher)
}

func TestWrongValueTypeIsReported(t *testing.T) {
	c := newCoordinator(t)
	c.Store().Write(listKey, 42)
	b := Use[string](c, listKey, nil)
	defer b.Close()

	v := b.View()
	assert.False(t, v.HasValue)
	assert.Error(t, v.Err)
}

func TestFetchTimeoutIsFailure(t *testing.T) {
	c := newCoordinator(t, WithTimeout(20*time.Millisecond))
	f := newGated("never")
	b := Use(c, listKey, f.fetch)
	defer b.Close()
	defer f.open()

	v := await(t, b)
	assert.Equal(t, cache.Failed, v.Status)
	assert.ErrorIs(t, v.Err, context.DeadlineExceeded)
}

func TestCallerCancellationDoesNotCancelFetch(t *testing.T) {
	c := newCoordinator(t)
	f := newGated("v")
	b := Use(c, listKey, f.fetch)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	f.open()
	assert.Equal(t, "v", await(t, b).Value)
}

func TestResetDropsInflightResults(t *testing.T) {
	c := newCoordinator(t)
	f := newGated("previous user")
	b := Use(c, listKey, f.fetch)
	defer b.Close()

	c.Reset()
	f.open()
	c.Wait()

	assert.Equal(t, 0, c.Store().Len())
	assert.Equal(t, cache.Idle, c.Store().Read(listKey).Status)
}

func TestPrefetchAndLoad(t *testing.T) {
	var calls atomic.Int32
	c := newCoordinator(t, WithResolver(func(k cache.Key) (Fetcher, bool) {
		return func(ctx context.Context, k cache.Key) (any, error) {
			calls.Add(1)
			if k.Param("sessionId") == "bad" {
				return nil, &api.DomainError{StatusCode: http.StatusForbidden, Message: "nope"}
			}
			return k.String(), nil
		}, true
	}))

	ctx := context.Background()
	require.NoError(t, c.Prefetch(ctx, listKey, detailKey("s1")))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, cache.Fresh, c.Store().Read(detailKey("s1")).Status)

	e, err := c.Load(ctx, detailKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, detailKey("s1").String(), e.Value)
	assert.Equal(t, int32(2), calls.Load(), "fresh entries are served from cache")

	err = c.Prefetch(ctx, detailKey("bad"))
	assert.True(t, api.IsDomain(err))
}

func TestLoadRetriesAfterFailure(t *testing.T) {
	var calls atomic.Int32
	c := newCoordinator(t, WithResolver(func(cache.Key) (Fetcher, bool) {
		return func(context.Context, cache.Key) (any, error) {
			if calls.Add(1) == 1 {
				return nil, &api.DomainError{StatusCode: http.StatusServiceUnavailable, Message: "temporarily down"}
			}
			return "back", nil
		}, true
	}))
	ctx := context.Background()

	_, err := c.Load(ctx, detailKey("s1"))
	require.Error(t, err)
	assert.Equal(t, cache.Failed, c.Store().Read(detailKey("s1")).Status)

	e, err := c.Load(ctx, detailKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, "back", e.Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLoadReportsTheFailureItWaitedOn(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	c := newCoordinator(t, WithResolver(func(cache.Key) (Fetcher, bool) {
		return func(context.Context, cache.Key) (any, error) {
			calls.Add(1)
			return nil, boom
		}, true
	}))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := c.Load(ctx, listKey)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, int32(i), calls.Load(), "each Load makes exactly one attempt")
	}
	require.ErrorIs(t, c.Prefetch(ctx, listKey), boom)
	assert.Equal(t, int32(4), calls.Load())
}

func TestCloseStopsNewFetches(t *testing.T) {
	var calls atomic.Int32
	c := New(cache.New(), WithResolver(func(cache.Key) (Fetcher, bool) {
		return func(context.Context, cache.Key) (any, error) {
			calls.Add(1)
			return "v", nil
		}, true
	}))

	b := Use[string](c, listKey, nil)
	defer b.Close()
	assert.Equal(t, "v", await(t, b).Value)

	c.Close()
	c.Store().Invalidate(cache.Exact(listKey))
	_, err := c.Load(context.Background(), detailKey("s1"))
	require.ErrorIs(t, err, ErrStopped)

	_, err = b.Await(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	c.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestWaitWhileRefreshesStart(t *testing.T) {
	c := New(cache.New(), WithResolver(func(cache.Key) (Fetcher, bool) {
		return func(context.Context, cache.Key) (any, error) { return "v", nil }, true
	}))
	b := Use[string](c, listKey, nil)
	defer b.Close()
	await(t, b)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			c.Store().Invalidate(cache.Exact(listKey))
		}
	}()
	for i := 0; i < 50; i++ {
		c.Wait()
	}
	<-done
	c.Close()
	assert.NotEqual(t, cache.Fetching, c.Store().Read(listKey).Status)
}
