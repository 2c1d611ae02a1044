// Package cache provides the in-memory resource cache shared by the query and
// mutation coordinators. Entries are keyed by resource identity, carry a
// freshness status, and notify subscribers when they change.
package cache

import (
	"errors"
	"time"
)

var (
	// ErrEntryGone is recorded on an entry whose value was dropped because the
	// remote no longer has the resource.
	ErrEntryGone = errors.New("cache entry gone")
)

// Status is the freshness state of an entry.
type Status int

const (
	Idle Status = iota
	Fetching
	Fresh
	Stale
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Key         Key
	Value       any
	HasValue    bool
	Status      Status
	Err         error
	Subscribers int
	// Version increases with every committed change to the entry. Two reads
	// with the same Version saw the same entry.
	Version   uint64
	FetchedAt time.Time
}

// Listener receives the committed entry after every change to a key.
// Listeners run outside the store lock and must not block.
type Listener func(Entry)

// Reader defines read access to entries
type Reader interface {
	// Read returns the current entry, or an Idle entry if the key was never fetched
	Read(key Key) Entry
}

// Writer defines the fetch lifecycle transitions
type Writer interface {
	Write(key Key, value any) Entry
	MarkFetching(key Key) bool
	MarkFailed(key Key, err error) Entry
	MarkGone(key Key, err error) Entry
}

// Editor applies local edits that do not come from a fetch
type Editor interface {
	Patch(key Key, fn func(value any) (any, bool)) (Entry, bool)
	Restore(key Key, value any, hasValue bool, ifVersion uint64) bool
}

// Invalidator marks entries out of date
type Invalidator interface {
	Invalidate(p Pattern) []Key
	OnStale(fn func(Key))
}

// Subscriber registers interest in a key
type Subscriber interface {
	Subscribe(key Key, l Listener) (unsubscribe func())
}

// Cache is the main interface that combines all cache operations
type Cache interface {
	Reader
	Writer
	Editor
	Invalidator
	Subscriber
}
