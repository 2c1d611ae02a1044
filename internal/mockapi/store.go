package mockapi

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/briangreenhill/prepcoach/api"
)

var (
	errNotFound   = errors.New("not found")
	errForbidden  = errors.New("forbidden")
	errValidation = errors.New("validation failed")
)

type user struct {
	id      string
	profile api.UserProfile
}

type session struct {
	owner string
	api.Session
}

type upload struct {
	name string
	data []byte
}

// memStore is the mock backend's data. Everything lives in memory and is
// lost when the process exits.
type memStore struct {
	mu        sync.Mutex
	now       func() time.Time
	users     map[string]*user // by id
	byEmail   map[string]string
	tokens    map[string]string // bearer token -> user id
	sessions  map[string]*session
	questions map[string][]api.Question // by session id
	uploads   map[string]upload
}

func newMemStore() *memStore {
	return &memStore{
		now:       time.Now,
		users:     make(map[string]*user),
		byEmail:   make(map[string]string),
		tokens:    make(map[string]string),
		sessions:  make(map[string]*session),
		questions: make(map[string][]api.Question),
		uploads:   make(map[string]upload),
	}
}

// login finds or creates the user with email and issues a bearer token
func (m *memStore) login(email, fullName string) (*user, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, "", errValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[email]
	if !ok {
		id = uuid.NewString()
		name := strings.TrimSpace(fullName)
		if name == "" {
			name = strings.SplitN(email, "@", 2)[0]
		}
		m.users[id] = &user{id: id, profile: api.UserProfile{FullName: name, Email: email}}
		m.byEmail[email] = id
	}
	token := uuid.NewString()
	m.tokens[token] = id
	u := *m.users[id]
	return &u, token, nil
}

func (m *memStore) userForToken(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[token]
	return id, ok
}

func (m *memStore) revokeTokens(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, id := range m.tokens {
		if id == userID {
			delete(m.tokens, t)
		}
	}
}

func (m *memStore) profile(userID string) (api.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return api.UserProfile{}, errNotFound
	}
	return u.profile, nil
}

func (m *memStore) updateProfile(userID, fullName, avatarURL string) (api.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return api.UserProfile{}, errNotFound
	}
	if fullName != "" {
		u.profile.FullName = fullName
	}
	if avatarURL != "" {
		u.profile.AvatarURL = avatarURL
	}
	return u.profile, nil
}

func (m *memStore) listSessions(userID string) []api.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.Session, 0)
	for _, s := range m.sessions {
		if s.owner == userID {
			out = append(out, s.Session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *memStore) createSession(userID string, in api.SessionInput) (api.Session, error) {
	if strings.TrimSpace(in.Role) == "" || strings.TrimSpace(in.TopicsToFocus) == "" || in.ExperienceYears < 0 {
		return api.Session{}, errValidation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &session{
		owner: userID,
		Session: api.Session{
			ID:              uuid.NewString(),
			Role:            strings.TrimSpace(in.Role),
			ExperienceYears: in.ExperienceYears,
			TopicsToFocus:   strings.TrimSpace(in.TopicsToFocus),
			CreatedAt:       m.now().UTC(),
		},
	}
	m.sessions[s.ID] = s
	return s.Session, nil
}

// owned returns the session if it exists and belongs to userID. Callers hold m.mu.
func (m *memStore) owned(userID, sessionID string) (*session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errNotFound
	}
	if s.owner != userID {
		return nil, errForbidden
	}
	return s, nil
}

func (m *memStore) getSession(userID, sessionID string) (api.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.owned(userID, sessionID)
	if err != nil {
		return api.Session{}, err
	}
	return s.Session, nil
}

func (m *memStore) deleteSession(userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.owned(userID, sessionID); err != nil {
		return err
	}
	delete(m.sessions, sessionID)
	delete(m.questions, sessionID)
	return nil
}

func (m *memStore) listQuestions(userID, sessionID string) ([]api.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.owned(userID, sessionID); err != nil {
		return nil, err
	}
	return append(make([]api.Question, 0, len(m.questions[sessionID])), m.questions[sessionID]...), nil
}

// addQuestions appends generated questions to a session and returns the new ones
func (m *memStore) addQuestions(userID string, in api.GenerateInput, gen func(in api.GenerateInput, offset int) []api.Question) ([]api.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.owned(userID, in.SessionID); err != nil {
		return nil, err
	}
	existing := m.questions[in.SessionID]
	added := gen(in, len(existing))
	for i := range added {
		added[i].ID = uuid.NewString()
		added[i].SessionID = in.SessionID
	}
	m.questions[in.SessionID] = append(existing, added...)
	return added, nil
}

func (m *memStore) togglePin(userID, questionID string) (api.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, qs := range m.questions {
		for i := range qs {
			if qs[i].ID != questionID {
				continue
			}
			if m.sessions[sid].owner != userID {
				return api.Question{}, errForbidden
			}
			qs[i].IsPinned = !qs[i].IsPinned
			return qs[i], nil
		}
	}
	return api.Question{}, errNotFound
}

func (m *memStore) saveUpload(ext string, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := uuid.NewString() + ext
	m.uploads[name] = upload{name: name, data: data}
	return name
}

func (m *memStore) upload(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[name]
	return u.data, ok
}
