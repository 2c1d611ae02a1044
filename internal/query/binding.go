package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/briangreenhill/prepcoach/cache"
)

// View is what a binding shows for its key
type View[T any] struct {
	Value     T
	HasValue  bool
	IsLoading bool
	Err       error
	Status    cache.Status
}

// Binding keeps a view subscribed to one key. A view that moves to another
// key (another session id, say) must open a new binding; nothing from the old
// key's entry carries over.
type Binding[T any] struct {
	c     *Coordinator
	key   cache.Key
	fetch Fetcher
	reg   *registration

	mu      sync.Mutex
	entry   cache.Entry
	closed  bool
	wake    chan struct{}
	changed chan struct{}

	unsubscribe func()
}

// Use subscribes to key and starts a fetch if the entry is Idle, Stale or
// Failed. fetch may be nil, in which case the coordinator's resolver is used.
func Use[T any](c *Coordinator, key cache.Key, fetch func(ctx context.Context) (T, error)) *Binding[T] {
	b := &Binding[T]{
		c:       c,
		key:     key,
		wake:    make(chan struct{}),
		changed: make(chan struct{}, 1),
		entry:   cache.Entry{Key: key, Status: cache.Idle},
	}
	if fetch != nil {
		b.fetch = func(ctx context.Context, _ cache.Key) (any, error) { return fetch(ctx) }
		b.reg = c.retain(key, b.fetch)
	}

	b.unsubscribe = c.store.Subscribe(key, b.apply)
	b.apply(c.store.Read(key))
	c.ensure(key, b.fetch)
	return b
}

// Key returns the bound key
func (b *Binding[T]) Key() cache.Key { return b.key }

// View derives the current view from the latest entry seen
func (b *Binding[T]) View() View[T] {
	b.mu.Lock()
	e := b.entry
	b.mu.Unlock()
	return derive[T](e)
}

// Changed signals that the view may have changed. Signals are coalesced: one
// pending signal stands for any number of changes.
func (b *Binding[T]) Changed() <-chan struct{} {
	return b.changed
}

// Await blocks until the entry holds a fetched value or a failure, and
// returns the view at that point. Stale entries are re-fetched first.
func (b *Binding[T]) Await(ctx context.Context) (View[T], error) {
	for {
		b.mu.Lock()
		e, wake, closed := b.entry, b.wake, b.closed
		b.mu.Unlock()

		if closed {
			return derive[T](e), ErrClosed
		}
		switch e.Status {
		case cache.Fresh, cache.Failed:
			return derive[T](e), nil
		case cache.Idle, cache.Stale:
			if !b.c.ensure(b.key, b.fetch) {
				return derive[T](e), ErrStopped
			}
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return b.View(), ctx.Err()
		}
	}
}

// Refetch marks the key Stale, which re-fetches it while subscribed
func (b *Binding[T]) Refetch() {
	b.c.store.Invalidate(cache.Exact(b.key))
	b.c.ensure(b.key, b.fetch)
}

// Close unsubscribes. A fetch in flight still completes and is cached, but
// the binding no longer changes.
func (b *Binding[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.wake)
	b.mu.Unlock()

	b.unsubscribe()
	if b.reg != nil {
		b.c.release(b.key, b.reg)
	}
}

// apply records e unless it is older than what the binding already holds.
// Listeners can race across goroutines, so versions decide.
func (b *Binding[T]) apply(e cache.Entry) {
	b.mu.Lock()
	if b.closed || e.Version < b.entry.Version {
		b.mu.Unlock()
		return
	}
	b.entry = e
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()

	select {
	case b.changed <- struct{}{}:
	default:
	}
}

func derive[T any](e cache.Entry) View[T] {
	v := View[T]{
		Status:    e.Status,
		Err:       e.Err,
		IsLoading: e.Status == cache.Fetching || (e.Status == cache.Idle && !e.HasValue),
	}
	if !e.HasValue {
		return v
	}
	t, ok := e.Value.(T)
	if !ok {
		v.Err = fmt.Errorf("%s holds %T, not %T", e.Key, e.Value, v.Value)
		return v
	}
	v.Value = t
	v.HasValue = true
	return v
}
