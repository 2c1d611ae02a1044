// Package mutation applies user-initiated changes. Each mutation calls the
// backend once and, only when that succeeds, invalidates the cached resources
// it affects.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/prepcoach/api"
	"github.com/briangreenhill/prepcoach/cache"
	"github.com/briangreenhill/prepcoach/internal/resources"
)

// ErrUnknownKind is returned for a request with an unrecognised kind
var ErrUnknownKind = errors.New("unknown mutation kind")

// Speculation is a provisional edit applied to a cached value while the
// mutation is in flight. Apply must return a new value and must not modify
// the one it is given. The edit is rolled back if the mutation fails.
type Speculation struct {
	Key   cache.Key
	Apply func(value any) (any, bool)
}

// Request is one mutation and its payload
type Request struct {
	Kind       Kind
	SessionID  string
	QuestionID string
	Session    api.SessionInput
	Generate   api.GenerateInput
	Profile    api.ProfileUpdate

	Speculate []Speculation
}

// CreateSession builds a create-session request
func CreateSession(in api.SessionInput) Request {
	return Request{Kind: KindCreateSession, Session: in}
}

// DeleteSession builds a delete-session request
func DeleteSession(sessionID string) Request {
	return Request{Kind: KindDeleteSession, SessionID: sessionID}
}

// GenerateQuestions builds a generate-questions request
func GenerateQuestions(in api.GenerateInput) Request {
	return Request{Kind: KindGenerateQuestions, SessionID: in.SessionID, Generate: in}
}

// TogglePin builds a toggle-pin request for a question of a session
func TogglePin(questionID, sessionID string) Request {
	return Request{Kind: KindTogglePin, QuestionID: questionID, SessionID: sessionID}
}

// UpdateProfile builds a profile-update request
func UpdateProfile(upd api.ProfileUpdate) Request {
	return Request{Kind: KindUpdateProfile, Profile: upd}
}

// Result is what a successful mutation returns. Value holds the backend's
// payload: api.Session for CreateSession, []api.Question for
// GenerateQuestions, api.Question for TogglePin, api.UserProfile for
// UpdateProfile, and nil for DeleteSession.
type Result struct {
	Kind    Kind
	Value   any
	Message string
}

type undo struct {
	key      cache.Key
	previous any
	version  uint64
}

// Coordinator runs mutations against the backend and keeps the cache in step
type Coordinator struct {
	backend api.Backend
	store   cache.Cache
	seq     *Sequencer
	log     zerolog.Logger

	mu         sync.Mutex
	tombstones map[string]struct{}
	pending    map[Kind]int
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a Coordinator
func New(backend api.Backend, store cache.Cache, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:    backend,
		store:      store,
		seq:        NewSequencer(),
		log:        zerolog.Nop(),
		tombstones: make(map[string]struct{}),
		pending:    make(map[Kind]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Mutate runs r. Mutations on the same entity run one after another in the
// order they were submitted. On failure the cache is left as it was and the
// error is returned; on success the affected keys are invalidated before
// Mutate returns.
func (c *Coordinator) Mutate(ctx context.Context, r Request) (Result, error) {
	if err := validate(r); err != nil {
		return Result{}, err
	}

	c.begin(r.Kind)
	defer c.end(r.Kind)

	release, err := c.seq.Acquire(ctx, claims(r)...)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if c.deleted(r) {
		err := &api.StaleEntityError{Mutation: string(r.Kind), Entity: "session", ID: r.SessionID}
		c.log.Debug().Str("kind", string(r.Kind)).Str("session", r.SessionID).Msg("mutation on deleted session rejected")
		return Result{}, err
	}

	undos := c.speculate(r.Speculate)

	start := time.Now()
	res, err := c.call(ctx, r)
	if err != nil {
		c.rollback(undos)
		c.log.Warn().Str("kind", string(r.Kind)).Err(err).Dur("elapsed", time.Since(start)).Msg("mutation failed")
		return Result{}, err
	}

	c.confirm(r)
	var invalidated int
	for _, p := range Edges(r) {
		invalidated += len(c.store.Invalidate(p))
	}
	c.log.Debug().
		Str("kind", string(r.Kind)).
		Int("invalidated", invalidated).
		Dur("elapsed", time.Since(start)).
		Msg("mutation applied")
	return res, nil
}

// Pending reports whether a mutation of kind is queued or running
func (c *Coordinator) Pending(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[kind] > 0
}

// SessionBusy reports whether a mutation touching sessionID is queued or
// running, so a view can disable its controls meanwhile
func (c *Coordinator) SessionBusy(sessionID string) bool {
	return c.seq.Busy(sessionEntity(sessionID))
}

// Deleted reports whether sessionID was deleted by a mutation of this
// coordinator
func (c *Coordinator) Deleted(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tombstones[sessionID]
	return ok
}

// Reset forgets deleted sessions, for a new login
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.tombstones = make(map[string]struct{})
	c.mu.Unlock()
}

func (c *Coordinator) call(ctx context.Context, r Request) (Result, error) {
	res := Result{Kind: r.Kind}
	var err error
	switch r.Kind {
	case KindCreateSession:
		res.Value, err = c.backend.CreateSession(ctx, r.Session)
	case KindDeleteSession:
		res.Message, err = c.backend.DeleteSession(ctx, r.SessionID)
	case KindGenerateQuestions:
		in := r.Generate
		in.SessionID = r.SessionID
		res.Value, err = c.backend.GenerateQuestions(ctx, in)
	case KindTogglePin:
		res.Value, err = c.backend.TogglePin(ctx, r.QuestionID)
	case KindUpdateProfile:
		res.Value, err = c.backend.UpdateProfile(ctx, r.Profile)
	default:
		err = fmt.Errorf("%q: %w", r.Kind, ErrUnknownKind)
	}
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// confirm applies local effects the backend has just confirmed. A deleted
// session is tombstoned and dropped from the cached list right away.
func (c *Coordinator) confirm(r Request) {
	if r.Kind != KindDeleteSession {
		return
	}
	c.mu.Lock()
	c.tombstones[r.SessionID] = struct{}{}
	c.mu.Unlock()

	c.store.Patch(resources.MySessionsKey(), func(v any) (any, bool) {
		sessions, ok := v.([]api.Session)
		if !ok {
			return v, false
		}
		kept := make([]api.Session, 0, len(sessions))
		for _, s := range sessions {
			if s.ID != r.SessionID {
				kept = append(kept, s)
			}
		}
		return kept, len(kept) != len(sessions)
	})
}

func (c *Coordinator) speculate(specs []Speculation) []undo {
	var undos []undo
	for _, sp := range specs {
		if sp.Apply == nil {
			continue
		}
		var previous any
		e, ok := c.store.Patch(sp.Key, func(v any) (any, bool) {
			previous = v
			return sp.Apply(v)
		})
		if ok {
			undos = append(undos, undo{key: sp.Key, previous: previous, version: e.Version})
		}
	}
	return undos
}

// rollback undoes speculative edits newest first. An entry that changed
// since the edit is invalidated instead, since its value can no longer be
// trusted either way.
func (c *Coordinator) rollback(undos []undo) {
	for i := len(undos) - 1; i >= 0; i-- {
		u := undos[i]
		if !c.store.Restore(u.key, u.previous, true, u.version) {
			c.store.Invalidate(cache.Exact(u.key))
		}
	}
}

func (c *Coordinator) deleted(r Request) bool {
	if r.SessionID == "" || r.Kind == KindCreateSession {
		return false
	}
	return c.Deleted(r.SessionID)
}

func (c *Coordinator) begin(k Kind) {
	c.mu.Lock()
	c.pending[k]++
	c.mu.Unlock()
}

func (c *Coordinator) end(k Kind) {
	c.mu.Lock()
	c.pending[k]--
	if c.pending[k] <= 0 {
		delete(c.pending, k)
	}
	c.mu.Unlock()
}

func validate(r Request) error {
	switch r.Kind {
	case KindCreateSession:
	case KindDeleteSession, KindGenerateQuestions:
		if r.SessionID == "" {
			return fmt.Errorf("%s: session id required", r.Kind)
		}
	case KindTogglePin:
		if r.QuestionID == "" || r.SessionID == "" {
			return fmt.Errorf("%s: question and session ids required", r.Kind)
		}
	case KindUpdateProfile:
		if r.Profile.Empty() {
			return api.ErrEmptyProfileUpdate
		}
	default:
		return fmt.Errorf("%q: %w", r.Kind, ErrUnknownKind)
	}
	return nil
}
