// Package mockapi is an in-memory stand-in for the interview-prep backend. It
// serves the same REST surface so the sync layer can be exercised end to end,
// and it can inject latency and failures per route.
package mockapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/prepcoach/api"
)

// Route names, used for call counting and fault injection
const (
	RouteGetMySessions  = "getMySession"
	RouteCreateSession  = "createSession"
	RouteDeleteSession  = "deleteMySession"
	RouteGetSession     = "getMySessionById"
	RouteGetQuestions   = "getQuestions"
	RouteAddQuestions   = "addQuestion"
	RouteToggleQuestion = "toggleQuestion"
	RouteGetUser        = "getUser"
	RouteUpdateProfile  = "updateProfile"
	RouteLogin          = "login"
	RouteLogout         = "logout"
)

const (
	// SessionCookieName matches the cookie the real backend issues
	SessionCookieName = "token"
	userIDKey         = "user_id"
	maxUploadSize     = 5 << 20
)

type contextKey string

const userKey contextKey = "user_id"

type fault struct {
	status  int
	message string
}

// Options configures a Server
type Options struct {
	Logger  zerolog.Logger
	Origins []string
	Latency time.Duration
}

// Server is the mock backend
type Server struct {
	Router *chi.Mux
	Sess   *scs.SessionManager

	store *memStore
	log   zerolog.Logger
	cors  func(http.Handler) http.Handler

	mu      sync.Mutex
	latency time.Duration
	calls   map[string]int
	faults  map[string][]fault
	holds   map[string]chan struct{}
}

// New builds the mock backend
func New(opts Options) *Server {
	sess := scs.New()
	sess.Lifetime = 12 * time.Hour
	sess.Cookie.Name = SessionCookieName
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = false

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:  r,
		Sess:    sess,
		store:   newMemStore(),
		log:     opts.Logger,
		latency: opts.Latency,
		calls:   make(map[string]int),
		faults:  make(map[string][]fault),
		holds:   make(map[string]chan struct{}),
		cors: cors.Handler(cors.Options{
			AllowedOrigins:   opts.Origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	r.Get("/uploads/{name}", s.handleUpload)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/user/login", s.instrument(RouteLogin, s.handleLogin))
		r.Get("/user/logout", s.instrument(RouteLogout, s.handleLogout))

		r.Group(func(pr chi.Router) {
			pr.Use(s.authenticate)
			pr.Use(requireUser)

			pr.Get("/session/getMySession", s.instrument(RouteGetMySessions, s.handleListSessions))
			pr.Post("/session/createSession", s.instrument(RouteCreateSession, s.handleCreateSession))
			pr.Delete("/session/deleteMySession/{id}", s.instrument(RouteDeleteSession, s.handleDeleteSession))
			pr.Get("/session/getMySessionById/{id}", s.instrument(RouteGetSession, s.handleGetSession))

			pr.Get("/question/getQuestions/{id}", s.instrument(RouteGetQuestions, s.handleListQuestions))
			pr.Post("/question/addQuestion", s.instrument(RouteAddQuestions, s.handleAddQuestions))
			pr.Post("/question/toggleQuestion/{id}", s.instrument(RouteToggleQuestion, s.handleToggleQuestion))

			pr.Get("/user/getUser", s.instrument(RouteGetUser, s.handleGetUser))
			pr.Post("/user/updateProfile", s.instrument(RouteUpdateProfile, s.handleUpdateProfile))
		})
	})

	return s
}

// Handler returns the full middleware chain: request logging, CORS and
// cookie sessions around the router
func (s *Server) Handler() http.Handler {
	h := s.Sess.LoadAndSave(s.Router)
	h = s.cors(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("elapsed", d).
			Msg("request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	return hlog.NewHandler(s.log)(h)
}

// SetLatency delays every API call by d
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// FailNext makes the next call to route answer with status and message
// instead of being handled
func (s *Server) FailNext(route string, status int, message string) {
	s.mu.Lock()
	s.faults[route] = append(s.faults[route], fault{status: status, message: message})
	s.mu.Unlock()
}

// Hold blocks calls to route until the returned function is called
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[route] == ch {
				delete(s.holds, route)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns how many times route was called
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// Login creates (or finds) a user and returns a session cookie for them, as
// if they had signed in through the login route
func (s *Server) Login(ctx context.Context, email, fullName string) (*http.Cookie, error) {
	u, _, err := s.store.login(email, fullName)
	if err != nil {
		return nil, err
	}
	ctx, err = s.Sess.Load(ctx, "")
	if err != nil {
		return nil, err
	}
	s.Sess.Put(ctx, userIDKey, u.id)
	token, expiry, err := s.Sess.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{Name: s.Sess.Cookie.Name, Value: token, Path: "/", Expires: expiry, HttpOnly: true}, nil
}

// instrument counts calls, applies latency and holds, and serves injected
// faults for a route
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[route]++
		latency := s.latency
		hold := s.holds[route]
		var f *fault
		if q := s.faults[route]; len(q) > 0 {
			f = &q[0]
			s.faults[route] = q[1:]
		}
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if f != nil {
			hlog.FromRequest(r).Debug().Str("route", route).Int("status", f.status).Msg("injected fault")
			writeError(w, f.status, f.message)
			return
		}
		next(w, r)
	}
}

// authenticate resolves the user from the session cookie or a bearer token
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.Sess.GetString(r.Context(), userIDKey)
		if id == "" {
			if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				id, _ = s.store.userForToken(strings.TrimSpace(token))
			}
		}
		if id != "" {
			r = r.WithContext(context.WithValue(r.Context(), userKey, id))
		}
		next.ServeHTTP(w, r)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeError(w, http.StatusUnauthorized, "Not authorized, no token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

type loginRequest struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	u, token, err := s.store.login(in.Email, in.FullName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}
	if err := s.Sess.RenewToken(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("renew session token")
		writeError(w, http.StatusInternalServerError, "Could not sign in")
		return
	}
	s.Sess.Put(r.Context(), userIDKey, u.id)
	writeJSON(w, http.StatusOK, map[string]any{"user": u.profile, "token": token, "message": "Logged in successfully"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id := s.Sess.GetString(r.Context(), userIDKey); id != "" {
		s.store.revokeTokens(id)
	}
	if err := s.Sess.Destroy(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("destroy session")
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"session": s.store.listSessions(userID(r))})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var in api.SessionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	created, err := s.store.createSession(userID(r), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Role, experience and topics are required")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": created, "message": "Session created successfully"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.deleteSession(userID(r), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted successfully"})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	found, err := s.store.getSession(userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": found})
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := s.store.listQuestions(userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": qs})
}

func (s *Server) handleAddQuestions(w http.ResponseWriter, r *http.Request) {
	var in api.GenerateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if in.SessionID == "" || strings.TrimSpace(in.Role) == "" {
		writeError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	added, err := s.store.addQuestions(userID(r), in, generateQuestions)
	if err != nil {
		writeStoreError(w, err, "Session not found")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"questions": added})
}

func (s *Server) handleToggleQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.store.togglePin(userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "Question not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": q})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.profile(userID(r))
	if err != nil {
		writeStoreError(w, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form data")
		return
	}

	fullName := strings.TrimSpace(r.FormValue("fullName"))
	var avatar string
	file, hdr, err := r.FormFile("profilPhoto")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Could not read photo")
			return
		}
		avatar = "/uploads/" + s.store.saveUpload(path.Ext(hdr.Filename), data)
	case errors.Is(err, http.ErrMissingFile):
	default:
		writeError(w, http.StatusBadRequest, "Invalid photo")
		return
	}

	if fullName == "" && avatar == "" {
		writeError(w, http.StatusBadRequest, "Please provide at least one field to update")
		return
	}
	p, err := s.store.updateProfile(userID(r), fullName, avatar)
	if err != nil {
		writeStoreError(w, err, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": p, "message": "Profile updated successfully"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, ok := s.store.upload(chi.URLParam(r, "name"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	_, _ = w.Write(data)
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, errNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "Not authorized to access this resource")
	default:
		writeError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
