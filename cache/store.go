package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultGracePeriod is how long an entry without subscribers is kept.
	DefaultGracePeriod = 5 * time.Minute
	// DefaultMaxIdle bounds the number of unsubscribed entries kept around.
	DefaultMaxIdle = 256
)

type entry struct {
	value     any
	hasValue  bool
	status    Status
	err       error
	version   uint64
	fetchedAt time.Time
	listeners map[uint64]Listener
	// invalidated records an invalidation that arrived while a fetch was in
	// flight; the fetch result is then committed as Stale.
	invalidated bool
}

// Store is the in-memory Cache implementation. The zero value is not usable;
// create one with New.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*entry
	nextID  uint64
	clock   uint64
	onStale func(Key)
	idle    *idlePool

	grace     time.Duration
	maxIdle   int
	staleTime time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithStaleTime makes Fresh entries read as Stale once their value is older
// than d. Zero keeps entries Fresh until invalidated.
func WithStaleTime(d time.Duration) Option {
	return func(s *Store) { s.staleTime = d }
}

// WithGracePeriod sets how long an entry without subscribers survives before
// eviction. Zero or negative disables eviction.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Store) { s.grace = d }
}

// WithMaxIdle bounds how many unsubscribed entries are retained; the least
// recently released ones are evicted first.
func WithMaxIdle(n int) Option {
	return func(s *Store) { s.maxIdle = n }
}

// WithLogger sets the logger used for cache transitions
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates an empty Store
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[Key]*entry),
		grace:   DefaultGracePeriod,
		maxIdle: DefaultMaxIdle,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.grace > 0 {
		s.idle = newIdlePool(s.maxIdle, s.grace, s.evictIfIdle)
	}
	return s
}

// OnStale registers the function called for every subscribed key that
// becomes Stale. The Query Coordinator uses it to schedule re-fetches.
func (s *Store) OnStale(fn func(Key)) {
	s.mu.Lock()
	s.onStale = fn
	s.mu.Unlock()
}

// Read returns the current entry for key
func (s *Store) Read(key Key) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{Key: key, Status: Idle}
	}
	return s.snapshot(key, e)
}

// Write stores a fetched value and marks the entry Fresh. Subscribers are
// notified before Write returns.
func (s *Store) Write(key Key, value any) Entry {
	s.mu.Lock()
	e := s.ensure(key)
	e.value = value
	e.hasValue = true
	e.err = nil
	e.fetchedAt = s.now()
	e.status = Fresh

	refetch := false
	if e.invalidated {
		e.invalidated = false
		e.status = Stale
		refetch = len(e.listeners) > 0
	}
	snap, listeners := s.commit(key, e)
	s.releaseIfIdle(key, e)
	s.mu.Unlock()

	s.log.Debug().Str("key", key.String()).Str("status", snap.Status.String()).Uint64("version", snap.Version).Msg("cache write")
	notify(listeners, snap)
	if refetch {
		s.fireStale(key)
	}
	return snap
}

// MarkFetching moves an Idle, Stale or Failed entry to Fetching and reports
// true. It reports false when a fetch is already in flight or the entry is
// still Fresh, so at most one fetch per key is ever outstanding.
func (s *Store) MarkFetching(key Key) bool {
	s.mu.Lock()
	e := s.ensure(key)
	switch s.effective(e) {
	case Fetching, Fresh:
		s.mu.Unlock()
		return false
	}
	e.status = Fetching
	e.invalidated = false
	snap, listeners := s.commit(key, e)
	s.mu.Unlock()

	s.log.Debug().Str("key", key.String()).Msg("cache fetching")
	notify(listeners, snap)
	return true
}

// MarkFailed records a failed fetch. Any previously cached value is kept so
// a transient error does not blank a working view.
func (s *Store) MarkFailed(key Key, err error) Entry {
	return s.fail(key, err, false)
}

// MarkGone records a failed fetch and drops the cached value. It is used when
// the remote reports that the resource no longer exists.
func (s *Store) MarkGone(key Key, err error) Entry {
	if err == nil {
		err = ErrEntryGone
	}
	return s.fail(key, err, true)
}

func (s *Store) fail(key Key, err error, drop bool) Entry {
	s.mu.Lock()
	e := s.ensure(key)
	e.status = Failed
	e.err = err
	e.invalidated = false
	if drop {
		e.value = nil
		e.hasValue = false
	}
	snap, listeners := s.commit(key, e)
	s.releaseIfIdle(key, e)
	s.mu.Unlock()

	s.log.Debug().Str("key", key.String()).Bool("dropped", drop).Err(err).Msg("cache fetch failed")
	notify(listeners, snap)
	return snap
}

// Invalidate marks every matching entry Stale without clearing its value.
// Entries with subscribers are handed to the stale hook for re-fetching;
// entries nobody watches stay Stale until their next subscription. A matching
// entry that is mid-fetch is flagged so the in-flight result lands as Stale.
// The keys that were invalidated are returned.
func (s *Store) Invalidate(p Pattern) []Key {
	type change struct {
		snap      Entry
		listeners []Listener
	}

	s.mu.Lock()
	var (
		marked  []Key
		changes []change
		refetch []Key
	)
	for k, e := range s.entries {
		if !p.Match(k) {
			continue
		}
		switch e.status {
		case Idle:
			continue
		case Fetching:
			e.invalidated = true
			marked = append(marked, k)
			continue
		}
		e.status = Stale
		snap, listeners := s.commit(k, e)
		changes = append(changes, change{snap: snap, listeners: listeners})
		marked = append(marked, k)
		if len(e.listeners) > 0 {
			refetch = append(refetch, k)
		}
	}
	s.mu.Unlock()

	s.log.Debug().Str("pattern", p.String()).Int("marked", len(marked)).Int("refetch", len(refetch)).Msg("cache invalidate")
	for _, c := range changes {
		notify(c.listeners, c.snap)
	}
	for _, k := range refetch {
		s.fireStale(k)
	}
	return marked
}

// Subscribe registers l for changes to key. The returned function removes
// the subscription; it is safe to call more than once.
func (s *Store) Subscribe(key Key, l Listener) (unsubscribe func()) {
	s.mu.Lock()
	e := s.ensure(key)
	s.nextID++
	id := s.nextID
	e.listeners[id] = l
	if s.idle != nil {
		s.idle.retain(key)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			cur, ok := s.entries[key]
			if !ok || cur != e {
				return
			}
			delete(e.listeners, id)
			s.releaseIfIdle(key, e)
		})
	}
}

// Patch replaces the cached value with fn(value) without changing the entry's
// status. fn must return a new value rather than modify the one it is given;
// returning false leaves the entry untouched. Entries without a value are
// never patched.
func (s *Store) Patch(key Key, fn func(value any) (any, bool)) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || !e.hasValue {
		s.mu.Unlock()
		return Entry{Key: key, Status: Idle}, false
	}
	next, changed := fn(e.value)
	if !changed {
		snap := s.snapshot(key, e)
		s.mu.Unlock()
		return snap, false
	}
	e.value = next
	snap, listeners := s.commit(key, e)
	s.mu.Unlock()

	notify(listeners, snap)
	return snap, true
}

// Restore puts back a previous value, but only if the entry is still at
// version ifVersion. It reports whether the value was restored.
func (s *Store) Restore(key Key, value any, hasValue bool, ifVersion uint64) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok || e.version != ifVersion {
		s.mu.Unlock()
		return false
	}
	e.value = value
	e.hasValue = hasValue
	snap, listeners := s.commit(key, e)
	s.mu.Unlock()

	notify(listeners, snap)
	return true
}

// Keys returns every key currently held, in a stable order.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Len returns the number of entries held
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reset drops every entry, subscription and pending eviction.
func (s *Store) Reset() {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = make(map[Key]*entry)
	if s.idle != nil {
		s.idle.purge()
	}
	s.mu.Unlock()

	s.log.Debug().Int("entries", n).Msg("cache reset")
}

// evictIfIdle removes key if nobody subscribes to it, no fetch is in flight,
// and it has not been released again since the eviction was scheduled.
func (s *Store) evictIfIdle(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || len(e.listeners) > 0 || e.status == Fetching {
		return
	}
	if s.idle != nil && s.idle.pending(key) {
		return
	}
	delete(s.entries, key)
	s.log.Debug().Str("key", key.String()).Msg("cache evict")
}

// releaseIfIdle hands an unwatched, settled entry to the idle pool.
// Callers hold s.mu.
func (s *Store) releaseIfIdle(key Key, e *entry) {
	if s.idle == nil || len(e.listeners) > 0 || e.status == Fetching {
		return
	}
	s.idle.release(key)
}

func (s *Store) ensure(key Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{listeners: make(map[uint64]Listener)}
		s.entries[key] = e
	}
	return e
}

// commit gives the entry a new version and returns the snapshot plus the
// listeners to notify once the lock is released. Versions come from one
// store-wide clock, so a key that is evicted and fetched again never reuses
// a version. Callers hold s.mu.
func (s *Store) commit(key Key, e *entry) (Entry, []Listener) {
	s.clock++
	e.version = s.clock
	listeners := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	return s.snapshot(key, e), listeners
}

func (s *Store) snapshot(key Key, e *entry) Entry {
	return Entry{
		Key:         key,
		Value:       e.value,
		HasValue:    e.hasValue,
		Status:      s.effective(e),
		Err:         e.err,
		Subscribers: len(e.listeners),
		Version:     e.version,
		FetchedAt:   e.fetchedAt,
	}
}

func (s *Store) effective(e *entry) Status {
	if e.status == Fresh && s.staleTime > 0 && s.now().Sub(e.fetchedAt) > s.staleTime {
		return Stale
	}
	return e.status
}

func (s *Store) fireStale(key Key) {
	s.mu.Lock()
	fn := s.onStale
	s.mu.Unlock()
	if fn != nil {
		fn(key)
	}
}

func notify(listeners []Listener, e Entry) {
	for _, l := range listeners {
		l(e)
	}
}

var _ Cache = (*Store)(nil)
