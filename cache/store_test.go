package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sessionsKey = KeyFor("sessions", nil)
	detailKey   = KeyFor("detail", map[string]string{"id": "s1"})
	profileKey  = KeyFor("profile", nil)
)

func TestReadUnknownKeyIsIdle(t *testing.T) {
	s := New()
	e := s.Read(sessionsKey)
	assert.Equal(t, Idle, e.Status)
	assert.False(t, e.HasValue)
	assert.Equal(t, 0, s.Len(), "Read must not create entries")
}

func TestMarkFetchingDeduplicates(t *testing.T) {
	s := New()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkFetching(sessionsKey) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	assert.Equal(t, Fetching, s.Read(sessionsKey).Status)

	s.Write(sessionsKey, []string{"a"})
	assert.False(t, s.MarkFetching(sessionsKey), "fresh entries are not re-fetched")
}

func TestWriteNotifiesBeforeReturning(t *testing.T) {
	s := New()
	var seen []Entry
	unsubscribe := s.Subscribe(sessionsKey, func(e Entry) { seen = append(seen, e) })
	defer unsubscribe()

	require.True(t, s.MarkFetching(sessionsKey))
	written := s.Write(sessionsKey, "v1")

	require.Len(t, seen, 2)
	assert.Equal(t, Fetching, seen[0].Status)
	assert.Equal(t, Fresh, seen[1].Status)
	assert.Equal(t, "v1", seen[1].Value)
	assert.Equal(t, written.Version, seen[1].Version)
	assert.Equal(t, 1, seen[1].Subscribers)
}

func TestMarkFailedKeepsPreviousValue(t *testing.T) {
	s := New()
	s.Write(sessionsKey, "good")
	s.Invalidate(Exact(sessionsKey))
	require.True(t, s.MarkFetching(sessionsKey))

	boom := errors.New("boom")
	e := s.MarkFailed(sessionsKey, boom)

	assert.Equal(t, Failed, e.Status)
	assert.True(t, e.HasValue)
	assert.Equal(t, "good", e.Value)
	assert.ErrorIs(t, e.Err, boom)

	// a failed entry may be retried
	assert.True(t, s.MarkFetching(sessionsKey))
	e = s.Write(sessionsKey, "better")
	assert.NoError(t, e.Err)
	assert.Equal(t, Fresh, e.Status)
}

func TestMarkGoneDropsValue(t *testing.T) {
	s := New()
	s.Write(detailKey, "session")
	s.Invalidate(Exact(detailKey))
	require.True(t, s.MarkFetching(detailKey))

	e := s.MarkGone(detailKey, nil)
	assert.Equal(t, Failed, e.Status)
	assert.False(t, e.HasValue)
	assert.Nil(t, e.Value)
	assert.ErrorIs(t, e.Err, ErrEntryGone)
}

func TestInvalidateKeepsValueAndRefetchesOnlySubscribed(t *testing.T) {
	s := New()
	var stale []Key
	s.OnStale(func(k Key) { stale = append(stale, k) })

	watched := KeyFor("detail", map[string]string{"id": "watched"})
	unwatched := KeyFor("detail", map[string]string{"id": "unwatched"})
	s.Write(watched, "w")
	s.Write(unwatched, "u")
	unsubscribe := s.Subscribe(watched, func(Entry) {})
	defer unsubscribe()

	marked := s.Invalidate(AllOf("detail"))
	assert.ElementsMatch(t, []Key{watched, unwatched}, marked)

	for _, k := range []Key{watched, unwatched} {
		e := s.Read(k)
		assert.Equal(t, Stale, e.Status, k.String())
		assert.True(t, e.HasValue, k.String())
	}
	assert.Equal(t, []Key{watched}, stale)
}

func TestInvalidateLeavesOtherKeysUntouched(t *testing.T) {
	s := New()
	s.Write(sessionsKey, []string{"s1"})
	s.Write(profileKey, "me")
	s.Write(detailKey, "d")
	beforeSessions := s.Read(sessionsKey)
	beforeProfile := s.Read(profileKey)

	s.Invalidate(Exact(detailKey))

	assert.Equal(t, beforeSessions, s.Read(sessionsKey))
	assert.Equal(t, beforeProfile, s.Read(profileKey))
	assert.Equal(t, Stale, s.Read(detailKey).Status)
}

func TestInvalidateIgnoresIdleEntries(t *testing.T) {
	s := New()
	unsubscribe := s.Subscribe(sessionsKey, func(Entry) {})
	defer unsubscribe()

	assert.Empty(t, s.Invalidate(Exact(sessionsKey)))
	assert.Equal(t, Idle, s.Read(sessionsKey).Status)
}

func TestInvalidateDuringFetchCommitsResultAsStale(t *testing.T) {
	s := New()
	var refetches int
	s.OnStale(func(Key) { refetches++ })
	unsubscribe := s.Subscribe(sessionsKey, func(Entry) {})
	defer unsubscribe()

	require.True(t, s.MarkFetching(sessionsKey))
	s.Invalidate(Exact(sessionsKey))
	assert.Equal(t, Fetching, s.Read(sessionsKey).Status)
	assert.Equal(t, 0, refetches)

	e := s.Write(sessionsKey, "pre-mutation result")
	assert.Equal(t, Stale, e.Status)
	assert.Equal(t, 1, refetches)
	assert.True(t, s.MarkFetching(sessionsKey))
}

func TestPatchKeepsStatus(t *testing.T) {
	s := New()
	s.Write(sessionsKey, []string{"s1", "s2"})

	e, ok := s.Patch(sessionsKey, func(v any) (any, bool) {
		return []string{v.([]string)[1]}, true
	})
	require.True(t, ok)
	assert.Equal(t, Fresh, e.Status)
	assert.Equal(t, []string{"s2"}, e.Value)

	_, ok = s.Patch(profileKey, func(v any) (any, bool) { return v, true })
	assert.False(t, ok, "entries without a value are not patched")
}

func TestRestoreIsGuardedByVersion(t *testing.T) {
	s := New()
	s.Write(sessionsKey, "confirmed")
	before := s.Read(sessionsKey)

	patched, ok := s.Patch(sessionsKey, func(any) (any, bool) { return "speculative", true })
	require.True(t, ok)

	assert.True(t, s.Restore(sessionsKey, before.Value, before.HasValue, patched.Version))
	assert.Equal(t, "confirmed", s.Read(sessionsKey).Value)

	// a newer write wins over a late rollback
	s.Patch(sessionsKey, func(any) (any, bool) { return "speculative", true })
	stalePatch := s.Read(sessionsKey).Version
	s.Write(sessionsKey, "refetched")
	assert.False(t, s.Restore(sessionsKey, "confirmed", true, stalePatch))
	assert.Equal(t, "refetched", s.Read(sessionsKey).Value)
}

func TestStaleTime(t *testing.T) {
	now := time.Now()
	s := New(WithStaleTime(time.Minute))
	s.now = func() time.Time { return now }

	s.Write(sessionsKey, "v")
	assert.Equal(t, Fresh, s.Read(sessionsKey).Status)
	assert.False(t, s.MarkFetching(sessionsKey))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, Stale, s.Read(sessionsKey).Status)
	assert.True(t, s.MarkFetching(sessionsKey))
}

func TestEvictsUnsubscribedEntryAfterGracePeriod(t *testing.T) {
	s := New(WithGracePeriod(20 * time.Millisecond))
	unsubscribe := s.Subscribe(sessionsKey, func(Entry) {})
	s.Write(sessionsKey, "v")

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, s.Len(), "subscribed entries are never evicted")

	unsubscribe()
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNeverEvictsWhileFetching(t *testing.T) {
	s := New(WithGracePeriod(20 * time.Millisecond))
	unsubscribe := s.Subscribe(sessionsKey, func(Entry) {})
	require.True(t, s.MarkFetching(sessionsKey))
	unsubscribe()

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, Fetching, s.Read(sessionsKey).Status)

	s.Write(sessionsKey, "late result")
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestResubscribeCancelsEviction(t *testing.T) {
	s := New(WithGracePeriod(50 * time.Millisecond))
	s.Write(sessionsKey, "v")
	unsubscribe := s.Subscribe(sessionsKey, func(Entry) {})
	defer unsubscribe()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, s.Len())
}

func TestMaxIdleBoundsRetainedEntries(t *testing.T) {
	s := New(WithGracePeriod(time.Hour), WithMaxIdle(2))
	for _, id := range []string{"a", "b", "c"} {
		s.Write(KeyFor("detail", map[string]string{"id": id}), id)
	}
	require.Eventually(t, func() bool { return s.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, s.Read(KeyFor("detail", map[string]string{"id": "a"})).Status)
}

func TestReset(t *testing.T) {
	s := New()
	s.Write(sessionsKey, "v")
	unsubscribe := s.Subscribe(detailKey, func(Entry) {})

	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, Idle, s.Read(sessionsKey).Status)

	// unsubscribing a subscription from before the reset is harmless
	unsubscribe()
	assert.Equal(t, 0, s.Len())
}
