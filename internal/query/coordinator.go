// Package query binds views to cached resources. It starts at most one fetch
// per key, writes results back into the cache, and re-fetches invalidated keys
// that still have subscribers.
package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/prepcoach/api"
	"github.com/briangreenhill/prepcoach/cache"
)

// DefaultTimeout bounds a single fetch
const DefaultTimeout = 15 * time.Second

var (
	// ErrNoFetcher is recorded on an entry when nothing knows how to fetch its key
	ErrNoFetcher = errors.New("no fetcher for resource")
	// ErrClosed is returned when waiting on a closed binding
	ErrClosed = errors.New("binding closed")
	// ErrStopped is returned when a fetch is needed after Close
	ErrStopped = errors.New("query coordinator stopped")
)

// Fetcher loads the value for a key
type Fetcher func(ctx context.Context, key cache.Key) (any, error)

// Resolver finds the fetcher for a key that no open binding supplied
type Resolver func(key cache.Key) (Fetcher, bool)

// Store is the cache the coordinator drives
type Store interface {
	cache.Cache
	Reset()
	Len() int
}

type registration struct {
	fetch Fetcher
	refs  int
}

// Coordinator starts fetches on behalf of bindings
type Coordinator struct {
	store   Store
	resolve Resolver
	timeout time.Duration
	log     zerolog.Logger

	// gate orders fetch commits against Reset. Commits hold it shared, Reset
	// holds it exclusively and bumps epoch, so a result fetched for a previous
	// user is dropped instead of written into the new cache.
	gate  sync.RWMutex
	epoch uint64

	mu       sync.Mutex
	fetchers map[cache.Key]*registration

	// runMu orders inflight.Add against Wait, and closing stops new fetches
	runMu    sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithResolver sets the fallback used to find a key's fetcher
func WithResolver(r Resolver) Option {
	return func(c *Coordinator) { c.resolve = r }
}

// WithTimeout bounds every fetch. Fetches never inherit a caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a Coordinator and registers it as the store's re-fetch hook
func New(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		timeout:  DefaultTimeout,
		log:      zerolog.Nop(),
		fetchers: make(map[cache.Key]*registration),
	}
	for _, o := range opts {
		o(c)
	}
	store.OnStale(c.onStale)
	return c
}

// Store returns the cache the coordinator drives
func (c *Coordinator) Store() Store { return c.store }

// Load fetches key if it is not Fresh and waits until it settles. An entry
// that failed earlier is fetched again. It returns the settled entry, the
// error of the fetch it waited on, or ctx.Err(). Cancelling ctx stops the
// wait, not the fetch.
func (c *Coordinator) Load(ctx context.Context, key cache.Key) (cache.Entry, error) {
	return c.settle(ctx, key, nil)
}

// Prefetch loads several keys concurrently and waits for all of them.
func (c *Coordinator) Prefetch(ctx context.Context, keys ...cache.Key) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			if _, err := c.settle(gctx, k, nil); err != nil {
				return fmt.Errorf("prefetch %s: %w", k, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Reset empties the cache. Fetches still in flight complete but their results
// are discarded, and bindings opened before the reset stop receiving updates.
func (c *Coordinator) Reset() {
	c.gate.Lock()
	c.epoch++
	c.store.Reset()
	c.mu.Lock()
	c.fetchers = make(map[cache.Key]*registration)
	c.mu.Unlock()
	c.gate.Unlock()

	c.log.Debug().Msg("query reset")
}

// Wait blocks until every fetch started so far has finished. Fetches asked
// for meanwhile start once it returns.
func (c *Coordinator) Wait() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.inflight.Wait()
}

// Close stops new fetches and waits for those in flight
func (c *Coordinator) Close() {
	c.runMu.Lock()
	c.closing = true
	c.runMu.Unlock()
	c.Wait()
	c.log.Debug().Msg("query coordinator closed")
}

func (c *Coordinator) settle(ctx context.Context, key cache.Key, fetch Fetcher) (cache.Entry, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := c.store.Subscribe(key, func(cache.Entry) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	// A failure seen on the first read belongs to an earlier attempt, so
	// it is retried. Later failures come from the fetch this call awaited.
	for first := true; ; first = false {
		e := c.store.Read(key)
		switch e.Status {
		case cache.Fresh:
			return e, nil
		case cache.Failed:
			if !first {
				return e, e.Err
			}
			if !c.ensure(key, fetch) {
				return e, ErrStopped
			}
		case cache.Idle, cache.Stale:
			if !c.ensure(key, fetch) {
				return e, ErrStopped
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return c.store.Read(key), ctx.Err()
		}
	}
}

// ensure starts a fetch for key unless one is in flight or the entry is
// Fresh. It reports false once the coordinator is closed.
func (c *Coordinator) ensure(key cache.Key, fetch Fetcher) bool {
	if fetch == nil {
		fetch = c.lookup(key)
	}

	c.runMu.Lock()
	if c.closing {
		c.runMu.Unlock()
		return false
	}
	c.inflight.Add(1)
	c.runMu.Unlock()

	c.gate.RLock()
	defer c.gate.RUnlock()

	if !c.store.MarkFetching(key) {
		c.inflight.Done()
		return true
	}
	if fetch == nil {
		c.inflight.Done()
		c.log.Warn().Str("key", key.String()).Msg("no fetcher registered")
		c.store.MarkFailed(key, fmt.Errorf("%s: %w", key, ErrNoFetcher))
		return true
	}

	go c.run(c.epoch, key, fetch)
	return true
}

func (c *Coordinator) run(epoch uint64, key cache.Key, fetch Fetcher) {
	defer c.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	value, err := fetch(ctx, key)

	c.gate.RLock()
	defer c.gate.RUnlock()

	if c.epoch != epoch {
		c.log.Debug().Str("key", key.String()).Msg("dropping fetch result from before reset")
		return
	}

	l := c.log.Debug().Str("key", key.String()).Dur("elapsed", time.Since(start))
	switch {
	case err == nil:
		c.store.Write(key, value)
		l.Msg("fetched")
	case api.IsNotFound(err):
		c.store.MarkGone(key, err)
		l.Err(err).Msg("resource gone")
	default:
		c.store.MarkFailed(key, err)
		l.Err(err).Msg("fetch failed")
	}
}

// onStale can be called while a fetch result is committed under the gate, so
// the re-fetch is started from its own goroutine.
func (c *Coordinator) onStale(key cache.Key) {
	go c.ensure(key, nil)
}

func (c *Coordinator) lookup(key cache.Key) Fetcher {
	c.mu.Lock()
	reg, ok := c.fetchers[key]
	c.mu.Unlock()
	if ok {
		return reg.fetch
	}
	if c.resolve != nil {
		if f, ok := c.resolve(key); ok {
			return f
		}
	}
	return nil
}

// retain records the fetcher an open binding supplied for key, so
// invalidation-driven refreshes use it.
func (c *Coordinator) retain(key cache.Key, fetch Fetcher) *registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.fetchers[key]
	if !ok {
		reg = &registration{fetch: fetch}
		c.fetchers[key] = reg
	}
	reg.refs++
	return reg
}

func (c *Coordinator) release(key cache.Key, reg *registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.fetchers[key]; !ok || cur != reg {
		return
	}
	reg.refs--
	if reg.refs <= 0 {
		delete(c.fetchers, key)
	}
}
