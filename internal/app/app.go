// Package app owns one signed-in session of the sync layer: the backend
// client, the cache and both coordinators. New starts it on login and Logout
// tears the cached state down.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/briangreenhill/prepcoach/api"
	"github.com/briangreenhill/prepcoach/cache"
	"github.com/briangreenhill/prepcoach/internal/config"
	"github.com/briangreenhill/prepcoach/internal/mutation"
	"github.com/briangreenhill/prepcoach/internal/query"
	"github.com/briangreenhill/prepcoach/internal/resources"
)

// App is the sync layer for one user
type App struct {
	log            zerolog.Logger
	backend        api.Backend
	store          *cache.Store
	query          *query.Coordinator
	mutate         *mutation.Coordinator
	optimisticPins bool
}

type options struct {
	backend   api.Backend
	userAgent string
}

// Option configures an App
type Option func(*options)

// WithBackend replaces the HTTP client built from the config
func WithBackend(b api.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithUserAgent sets the User-Agent of the HTTP client
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// New wires the layer from cfg
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	backend := o.backend
	if backend == nil {
		client, err := newClient(cfg, logger, o.userAgent)
		if err != nil {
			return nil, err
		}
		backend = client
	}

	store := cache.New(
		cache.WithStaleTime(cfg.Cache.StaleTime),
		cache.WithGracePeriod(cfg.Cache.GracePeriod),
		cache.WithMaxIdle(cfg.Cache.MaxIdle),
		cache.WithLogger(logger.With().Str("component", "cache").Logger()),
	)

	registry := resources.NewBackendRegistry(backend)
	q := query.New(store,
		query.WithResolver(func(k cache.Key) (query.Fetcher, bool) {
			f, ok := registry.Fetcher(k)
			if !ok {
				return nil, false
			}
			return query.Fetcher(f), true
		}),
		query.WithTimeout(cfg.API.Timeout),
		query.WithLogger(logger.With().Str("component", "query").Logger()),
	)
	m := mutation.New(backend, store,
		mutation.WithLogger(logger.With().Str("component", "mutation").Logger()),
	)
	logger.Debug().Strs("resources", registry.List()).Msg("sync layer ready")

	return &App{
		log:            logger,
		backend:        backend,
		store:          store,
		query:          q,
		mutate:         m,
		optimisticPins: cfg.OptimisticPins,
	}, nil
}

func newClient(cfg *config.Config, logger zerolog.Logger, userAgent string) (*api.Client, error) {
	opts := []api.Option{
		api.WithBaseURL(cfg.API.BaseURL),
		api.WithTimeout(cfg.API.Timeout),
		api.WithLogger(logger.With().Str("component", "api").Logger()),
	}
	if userAgent != "" {
		opts = append(opts, api.WithUserAgent(userAgent))
	}
	if c := cfg.SessionCookie(); c != nil {
		opts = append(opts, api.WithCookie(c))
	}
	if cfg.HasToken() {
		opts = append(opts, api.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.API.Token,
			TokenType:   "Bearer",
		})))
	}
	client, err := api.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("api client: %w", err)
	}
	return client, nil
}

// Store returns the cache
func (a *App) Store() *cache.Store { return a.store }

// Sessions binds to the current user's session list
func (a *App) Sessions() *query.Binding[[]api.Session] {
	return query.Use[[]api.Session](a.query, resources.MySessionsKey(), nil)
}

// Session binds to one session
func (a *App) Session(id string) *query.Binding[api.Session] {
	return query.Use[api.Session](a.query, resources.SessionDetailKey(id), nil)
}

// Questions binds to one session's questions
func (a *App) Questions(sessionID string) *query.Binding[[]api.Question] {
	return query.Use[[]api.Question](a.query, resources.SessionQuestionsKey(sessionID), nil)
}

// Profile binds to the current user's profile
func (a *App) Profile() *query.Binding[api.UserProfile] {
	return query.Use[api.UserProfile](a.query, resources.UserProfileKey(), nil)
}

// Prefetch loads the resources the dashboard opens with
func (a *App) Prefetch(ctx context.Context) error {
	return a.query.Prefetch(ctx, resources.MySessionsKey(), resources.UserProfileKey())
}

// CreateSession creates a session
func (a *App) CreateSession(ctx context.Context, in api.SessionInput) (api.Session, error) {
	res, err := a.mutate.Mutate(ctx, mutation.CreateSession(in))
	if err != nil {
		return api.Session{}, err
	}
	s, _ := res.Value.(api.Session)
	return s, nil
}

// DeleteSession deletes a session and returns the backend's message
func (a *App) DeleteSession(ctx context.Context, id string) (string, error) {
	res, err := a.mutate.Mutate(ctx, mutation.DeleteSession(id))
	if err != nil {
		return "", err
	}
	return res.Message, nil
}

// GenerateQuestions asks the backend for more questions for a session. The
// request is built from the session's cached detail, which is fetched first
// if needed.
func (a *App) GenerateQuestions(ctx context.Context, sessionID string) ([]api.Question, error) {
	if a.mutate.Deleted(sessionID) {
		return nil, &api.StaleEntityError{Mutation: string(mutation.KindGenerateQuestions), Entity: "session", ID: sessionID}
	}
	e, err := a.query.Load(ctx, resources.SessionDetailKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	s, ok := e.Value.(api.Session)
	if !ok {
		return nil, fmt.Errorf("load session %s: unexpected %T", sessionID, e.Value)
	}

	res, err := a.mutate.Mutate(ctx, mutation.GenerateQuestions(api.GenerateInputFor(s)))
	if err != nil {
		return nil, err
	}
	qs, _ := res.Value.([]api.Question)
	return qs, nil
}

// TogglePin flips a question's pin. With optimistic pins enabled the cached
// question list shows the flip while the call is in flight.
func (a *App) TogglePin(ctx context.Context, questionID, sessionID string) (api.Question, error) {
	r := mutation.TogglePin(questionID, sessionID)
	if a.optimisticPins {
		r.Speculate = []mutation.Speculation{{
			Key:   resources.SessionQuestionsKey(sessionID),
			Apply: flipPin(questionID),
		}}
	}
	res, err := a.mutate.Mutate(ctx, r)
	if err != nil {
		return api.Question{}, err
	}
	q, _ := res.Value.(api.Question)
	return q, nil
}

// UpdateProfile changes the user's name and/or photo
func (a *App) UpdateProfile(ctx context.Context, upd api.ProfileUpdate) (api.UserProfile, error) {
	res, err := a.mutate.Mutate(ctx, mutation.UpdateProfile(upd))
	if err != nil {
		return api.UserProfile{}, err
	}
	p, _ := res.Value.(api.UserProfile)
	return p, nil
}

// Pending reports whether a mutation of kind is queued or running
func (a *App) Pending(kind mutation.Kind) bool {
	return a.mutate.Pending(kind)
}

// SessionBusy reports whether a mutation on a session or one of its
// questions is queued or running
func (a *App) SessionBusy(sessionID string) bool {
	return a.mutate.SessionBusy(sessionID)
}

// Logout drops everything cached for the current user. Bindings opened
// before the call stop updating and should be closed.
func (a *App) Logout() {
	a.query.Reset()
	a.mutate.Reset()
	a.log.Info().Msg("cache cleared on logout")
}

// Close stops background refreshes and waits for fetches in flight
func (a *App) Close() {
	a.query.Close()
}

// flipPin returns a copy of the question list with one question's pin flipped
func flipPin(questionID string) func(any) (any, bool) {
	return func(v any) (any, bool) {
		qs, ok := v.([]api.Question)
		if !ok {
			return nil, false
		}
		out := make([]api.Question, len(qs))
		copy(out, qs)
		for i := range out {
			if out[i].ID == questionID {
				out[i].IsPinned = !out[i].IsPinned
				return out, true
			}
		}
		return nil, false
	}
}

// SuccessNotice is the notification shown after a mutation of kind succeeds
func SuccessNotice(kind mutation.Kind) string {
	switch kind {
	case mutation.KindCreateSession:
		return "Session created successfully"
	case mutation.KindDeleteSession:
		return "Session deleted successfully"
	case mutation.KindGenerateQuestions:
		return "AI questions generated"
	case mutation.KindTogglePin:
		return "Question pin status changed"
	case mutation.KindUpdateProfile:
		return "Profile updated successfully"
	default:
		return ""
	}
}
