// Package resources names the remote resources the layer caches and knows how
// to fetch each of them from the backend.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/briangreenhill/prepcoach/api"
	"github.com/briangreenhill/prepcoach/cache"
)

// Resource kinds
const (
	MySessions       = "MySessions"
	SessionDetail    = "SessionDetail"
	SessionQuestions = "SessionQuestions"
	UserProfile      = "UserProfile"
)

const sessionParam = "sessionId"

// ErrMissingParam is returned when a key lacks the parameter its kind needs
var ErrMissingParam = errors.New("resource key is missing a parameter")

// MySessionsKey is the key of the current user's session list
func MySessionsKey() cache.Key { return cache.KeyFor(MySessions, nil) }

// SessionDetailKey is the key of one session
func SessionDetailKey(sessionID string) cache.Key {
	return cache.KeyFor(SessionDetail, map[string]string{sessionParam: sessionID})
}

// SessionQuestionsKey is the key of one session's question list
func SessionQuestionsKey(sessionID string) cache.Key {
	return cache.KeyFor(SessionQuestions, map[string]string{sessionParam: sessionID})
}

// UserProfileKey is the key of the current user's profile
func UserProfileKey() cache.Key { return cache.KeyFor(UserProfile, nil) }

// SessionID returns the session a key is scoped to, if any
func SessionID(k cache.Key) string { return k.Param(sessionParam) }

// FetchFunc loads the value for a key
type FetchFunc func(ctx context.Context, key cache.Key) (any, error)

// Resource fetches one kind of remote resource
type Resource interface {
	// Kind returns the resource kind served (e.g. "MySessions")
	Kind() string

	// Fetch loads the value for key, which is always of this resource's kind
	Fetch(ctx context.Context, key cache.Key) (any, error)
}

// Registry manages the resources the layer can fetch
type Registry struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string]Resource),
	}
}

// Register adds a resource, replacing any previous one of the same kind
func (r *Registry) Register(res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[res.Kind()] = res
}

// Get retrieves a resource by kind
func (r *Registry) Get(kind string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[kind]
	return res, ok
}

// List returns all registered kinds in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	kinds := make([]string, 0, len(r.resources))
	for kind := range r.resources {
		kinds = append(kinds, kind)
	}
	r.mu.RUnlock()
	sort.Strings(kinds)
	return kinds
}

// Fetcher returns the fetch function for key's kind
func (r *Registry) Fetcher(key cache.Key) (FetchFunc, bool) {
	res, ok := r.Get(key.Kind)
	if !ok {
		return nil, false
	}
	return res.Fetch, true
}

// NewBackendRegistry registers the four backend resources served by b
func NewBackendRegistry(b api.Backend) *Registry {
	r := NewRegistry()
	r.Register(resourceFunc{MySessions, func(ctx context.Context, _ cache.Key) (any, error) {
		return b.GetMySessions(ctx)
	}})
	r.Register(resourceFunc{SessionDetail, func(ctx context.Context, k cache.Key) (any, error) {
		id, err := requireSession(k)
		if err != nil {
			return nil, err
		}
		return b.GetSession(ctx, id)
	}})
	r.Register(resourceFunc{SessionQuestions, func(ctx context.Context, k cache.Key) (any, error) {
		id, err := requireSession(k)
		if err != nil {
			return nil, err
		}
		return b.GetQuestions(ctx, id)
	}})
	r.Register(resourceFunc{UserProfile, func(ctx context.Context, _ cache.Key) (any, error) {
		return b.GetUser(ctx)
	}})
	return r
}

type resourceFunc struct {
	kind  string
	fetch FetchFunc
}

func (f resourceFunc) Kind() string { return f.kind }

func (f resourceFunc) Fetch(ctx context.Context, key cache.Key) (any, error) {
	return f.fetch(ctx, key)
}

func requireSession(k cache.Key) (string, error) {
	id := SessionID(k)
	if id == "" {
		return "", fmt.Errorf("%s: %w %q", k, ErrMissingParam, sessionParam)
	}
	return id, nil
}
