package mutation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquired(t *testing.T, s *Sequencer, claims ...Claim) (<-chan func(), <-chan error) {
	t.Helper()
	rel := make(chan func(), 1)
	errs := make(chan error, 1)
	go func() {
		release, err := s.Acquire(context.Background(), claims...)
		if err != nil {
			errs <- err
			return
		}
		rel <- release
	}()
	return rel, errs
}

func granted(t *testing.T, ch <-chan func()) func() {
	t.Helper()
	select {
	case release := <-ch:
		return release
	case <-time.After(2 * time.Second):
		t.Fatal("claim was never granted")
		return nil
	}
}

func notGranted(t *testing.T, ch <-chan func()) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("claim granted out of order")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestExclusiveClaimsAreFIFO(t *testing.T) {
	s := NewSequencer()
	x := Claim{Entity: "session:s1", Mode: Exclusive}

	first := granted(t, mustAcquire(t, s, x))
	second, _ := acquired(t, s, x)
	notGranted(t, second)
	assert.True(t, s.Busy("session:s1"))

	first()
	release := granted(t, second)
	release()
	release() // idempotent
	assert.False(t, s.Busy("session:s1"))
}

func TestSharedClaimsOverlapButWaitForExclusive(t *testing.T) {
	s := NewSequencer()
	shared := Claim{Entity: "session:s1", Mode: Shared}
	exclusive := Claim{Entity: "session:s1", Mode: Exclusive}

	a := granted(t, mustAcquire(t, s, shared))
	b := granted(t, mustAcquire(t, s, shared))

	x, _ := acquired(t, s, exclusive)
	notGranted(t, x)

	// a shared claim submitted after the exclusive one waits its turn
	late, _ := acquired(t, s, shared)
	notGranted(t, late)

	a()
	notGranted(t, x)
	b()
	releaseX := granted(t, x)
	notGranted(t, late)
	releaseX()
	granted(t, late)()
}

func TestDisjointEntitiesDoNotBlock(t *testing.T) {
	s := NewSequencer()
	hold := granted(t, mustAcquire(t, s, Claim{Entity: "question:q1", Mode: Exclusive}))
	defer hold()

	other := granted(t, mustAcquire(t, s, Claim{Entity: "question:q2", Mode: Exclusive}))
	other()
}

func TestCancelledWaiterKeepsItsPlace(t *testing.T) {
	s := NewSequencer()
	x := Claim{Entity: "profile", Mode: Exclusive}
	first := granted(t, mustAcquire(t, s, x))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = s.Acquire(ctx, x)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()
	require.ErrorIs(t, err, context.Canceled)

	third, _ := acquired(t, s, x)
	notGranted(t, third)
	first()
	granted(t, third)()
	assert.False(t, s.Busy("profile"))
}

func TestNormalizeKeepsStrongestMode(t *testing.T) {
	got := normalize([]Claim{
		{Entity: "session:s1", Mode: Shared},
		{Entity: "question:q1", Mode: Exclusive},
		{Entity: "session:s1", Mode: Exclusive},
		{Entity: ""},
	})
	assert.Equal(t, []Claim{
		{Entity: "question:q1", Mode: Exclusive},
		{Entity: "session:s1", Mode: Exclusive},
	}, got)
}

func TestNoClaimsNeverWait(t *testing.T) {
	s := NewSequencer()
	release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func mustAcquire(t *testing.T, s *Sequencer, claims ...Claim) <-chan func() {
	t.Helper()
	rel, _ := acquired(t, s, claims...)
	return rel
}
