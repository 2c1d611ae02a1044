package mutation

import (
	"context"
	"sort"
	"sync"
)

// Mode is how a mutation claims an entity
type Mode int

const (
	// Shared claims run alongside other shared claims on the same entity
	Shared Mode = iota
	// Exclusive claims run alone
	Exclusive
)

// Claim names an entity a mutation must be ordered against
type Claim struct {
	Entity string
	Mode   Mode
}

type ticket struct {
	done chan struct{}
}

type slot struct {
	t    *ticket
	mode Mode
}

// Sequencer orders mutations per entity. Claims are granted in submission
// order: an exclusive claim waits for every earlier claim on the entity, a
// shared claim waits for every earlier exclusive one. All claims of one
// mutation are queued together, so waits only ever point at earlier tickets.
type Sequencer struct {
	mu     sync.Mutex
	queues map[string][]slot
}

// NewSequencer creates an empty Sequencer
func NewSequencer() *Sequencer {
	return &Sequencer{queues: make(map[string][]slot)}
}

// Acquire queues claims and waits until all of them are granted. The returned
// release must be called once the mutation finishes. If ctx ends first,
// Acquire returns ctx.Err() and the queued slots are released as soon as the
// claims ahead of them are, so later mutations keep their order.
func (s *Sequencer) Acquire(ctx context.Context, claims ...Claim) (func(), error) {
	claims = normalize(claims)
	if len(claims) == 0 {
		return func() {}, nil
	}

	t := &ticket{done: make(chan struct{})}
	var waits []chan struct{}

	s.mu.Lock()
	for _, c := range claims {
		q := s.queues[c.Entity]
		for _, prev := range q {
			if c.Mode == Exclusive || prev.mode == Exclusive {
				waits = append(waits, prev.t.done)
			}
		}
		s.queues[c.Entity] = append(q, slot{t: t, mode: c.Mode})
	}
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { s.release(t, claims) })
	}

	for i, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			rest := waits[i:]
			go func() {
				for _, w := range rest {
					<-w
				}
				release()
			}()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// Busy reports whether any claim on entity is queued or held
func (s *Sequencer) Busy(entity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[entity]) > 0
}

func (s *Sequencer) release(t *ticket, claims []Claim) {
	s.mu.Lock()
	for _, c := range claims {
		q := s.queues[c.Entity]
		for i := range q {
			if q[i].t == t {
				q = append(q[:i:i], q[i+1:]...)
				break
			}
		}
		if len(q) == 0 {
			delete(s.queues, c.Entity)
		} else {
			s.queues[c.Entity] = q
		}
	}
	s.mu.Unlock()
	close(t.done)
}

// normalize merges duplicate entities, keeping the strongest mode, and sorts
// the result so logs and queues see a stable order.
func normalize(claims []Claim) []Claim {
	modes := make(map[string]Mode, len(claims))
	for _, c := range claims {
		if c.Entity == "" {
			continue
		}
		if m, ok := modes[c.Entity]; !ok || c.Mode > m {
			modes[c.Entity] = c.Mode
		}
	}
	out := make([]Claim, 0, len(modes))
	for e, m := range modes {
		out = append(out, Claim{Entity: e, Mode: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}
