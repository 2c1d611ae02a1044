// Package api is the remote resource client for the interview-prep backend.
// It performs one call per resource and verb, attaches the caller's
// credentials, and reports failures as TransportError or DomainError. It
// does no caching.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL   = "http://localhost:5000"
	DefaultTimeout   = 15 * time.Second
	defaultUserAgent = "prepcoach/0.1"
	apiPrefix        = "api/v1"
	maxErrorBody     = 64 << 10
)

// Backend is the set of remote calls the coordinators depend on.
// It is implemented by *Client and can be faked in tests.
type Backend interface {
	GetMySessions(ctx context.Context) ([]Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	CreateSession(ctx context.Context, in SessionInput) (Session, error)
	DeleteSession(ctx context.Context, id string) (string, error)
	GetQuestions(ctx context.Context, sessionID string) ([]Question, error)
	GenerateQuestions(ctx context.Context, in GenerateInput) ([]Question, error)
	TogglePin(ctx context.Context, questionID string) (Question, error)
	GetUser(ctx context.Context) (UserProfile, error)
	UpdateProfile(ctx context.Context, upd ProfileUpdate) (UserProfile, error)
}

// Ensure Client implements Backend at compile time.
var _ Backend = (*Client)(nil)

// Client talks to the backend's REST API
type Client struct {
	http      *http.Client
	baseURL   *url.URL
	userAgent string
	log       zerolog.Logger
}

type options struct {
	http       *http.Client
	baseURL    string
	timeout    time.Duration
	timeoutSet bool
	cookies    []*http.Cookie
	tokens     oauth2.TokenSource
	userAgent  string
	log        zerolog.Logger
}

// Option configures a Client
type Option func(*options)

// WithHTTPClient uses h as the underlying HTTP client. The client is copied,
// so the caller's value is never modified.
func WithHTTPClient(h *http.Client) Option {
	return func(o *options) { o.http = h }
}

// WithBaseURL points the client at a different backend
func WithBaseURL(raw string) Option {
	return func(o *options) { o.baseURL = raw }
}

// WithTimeout bounds every call; a call that exceeds it fails with a
// TransportError.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout, o.timeoutSet = d, true }
}

// WithCookie adds a session cookie issued by the backend's login flow
func WithCookie(c *http.Cookie) Option {
	return func(o *options) {
		if c != nil {
			o.cookies = append(o.cookies, c)
		}
	}
}

// WithTokenSource sends an OAuth2 bearer token with every call
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(o *options) { o.tokens = ts }
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithLogger logs each call at debug level
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New builds a Client. Without options it talks to DefaultBaseURL with a
// fresh cookie jar.
func New(opts ...Option) (*Client, error) {
	o := options{
		baseURL:   DefaultBaseURL,
		timeout:   DefaultTimeout,
		userAgent: defaultUserAgent,
		log:       zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}

	base, err := parseBaseURL(o.baseURL)
	if err != nil {
		return nil, err
	}

	hc := &http.Client{Timeout: o.timeout}
	if o.http != nil {
		dup := *o.http
		hc = &dup
		if hc.Timeout == 0 || o.timeoutSet {
			hc.Timeout = o.timeout
		}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		hc.Jar = jar
	}
	if len(o.cookies) > 0 {
		hc.Jar.SetCookies(base, o.cookies)
	}
	if o.tokens != nil {
		rt := hc.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		hc.Transport = &oauth2.Transport{Source: o.tokens, Base: rt}
	}

	return &Client{
		http:      hc,
		baseURL:   base,
		userAgent: o.userAgent,
		log:       o.log,
	}, nil
}

// BaseURL returns the backend root the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// GetMySessions lists the current user's sessions
func (c *Client) GetMySessions(ctx context.Context) ([]Session, error) {
	var body sessionsBody
	if err := c.doJSON(ctx, http.MethodGet, nil, &body, "session", "getMySession"); err != nil {
		return nil, err
	}
	return body.Session, nil
}

// GetSession returns one session by id
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return Session{}, errors.New("session id required")
	}
	var body sessionBody
	if err := c.doJSON(ctx, http.MethodGet, nil, &body, "session", "getMySessionById", id); err != nil {
		return Session{}, err
	}
	return body.Session, nil
}

// CreateSession creates a session and returns it as stored by the backend
func (c *Client) CreateSession(ctx context.Context, in SessionInput) (Session, error) {
	var body sessionBody
	if err := c.doJSON(ctx, http.MethodPost, in, &body, "session", "createSession"); err != nil {
		return Session{}, err
	}
	return body.Session, nil
}

// DeleteSession deletes a session and returns the backend's acknowledgement
func (c *Client) DeleteSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", errors.New("session id required")
	}
	var body messageBody
	if err := c.doJSON(ctx, http.MethodDelete, nil, &body, "session", "deleteMySession", id); err != nil {
		return "", err
	}
	return body.Message, nil
}

// GetQuestions lists the questions of a session
func (c *Client) GetQuestions(ctx context.Context, sessionID string) ([]Question, error) {
	if sessionID == "" {
		return nil, errors.New("session id required")
	}
	var body questionsBody
	if err := c.doJSON(ctx, http.MethodGet, nil, &body, "question", "getQuestions", sessionID); err != nil {
		return nil, err
	}
	return body.Questions, nil
}

// GenerateQuestions asks the backend to append newly generated questions to a
// session and returns them
func (c *Client) GenerateQuestions(ctx context.Context, in GenerateInput) ([]Question, error) {
	if in.SessionID == "" {
		return nil, errors.New("session id required")
	}
	var body questionsBody
	if err := c.doJSON(ctx, http.MethodPost, in, &body, "question", "addQuestion"); err != nil {
		return nil, err
	}
	return body.Questions, nil
}

// TogglePin flips a question's pinned flag and returns the updated question
func (c *Client) TogglePin(ctx context.Context, questionID string) (Question, error) {
	if questionID == "" {
		return Question{}, errors.New("question id required")
	}
	var body questionBody
	if err := c.doJSON(ctx, http.MethodPost, struct{}{}, &body, "question", "toggleQuestion", questionID); err != nil {
		return Question{}, err
	}
	return body.Question, nil
}

// GetUser returns the current user's profile
func (c *Client) GetUser(ctx context.Context) (UserProfile, error) {
	var body userBody
	if err := c.doJSON(ctx, http.MethodGet, nil, &body, "user", "getUser"); err != nil {
		return UserProfile{}, err
	}
	return body.User, nil
}

// UpdateProfile changes the user's name and/or photo. The body is sent as
// multipart form data.
func (c *Client) UpdateProfile(ctx context.Context, upd ProfileUpdate) (UserProfile, error) {
	if upd.Empty() {
		return UserProfile{}, ErrEmptyProfileUpdate
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if name := strings.TrimSpace(upd.FullName); name != "" {
		if err := mw.WriteField("fullName", name); err != nil {
			return UserProfile{}, fmt.Errorf("encode profile: %w", err)
		}
	}
	if len(upd.Photo) > 0 {
		filename := upd.PhotoName
		if filename == "" {
			filename = "photo"
		}
		part, err := mw.CreateFormFile("profilPhoto", filename)
		if err != nil {
			return UserProfile{}, fmt.Errorf("encode profile: %w", err)
		}
		if _, err := part.Write(upd.Photo); err != nil {
			return UserProfile{}, fmt.Errorf("encode profile: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return UserProfile{}, fmt.Errorf("encode profile: %w", err)
	}

	var body userBody
	u := c.endpoint("user", "updateProfile")
	if err := c.do(ctx, http.MethodPost, u, &buf, mw.FormDataContentType(), &body); err != nil {
		return UserProfile{}, err
	}
	return body.User, nil
}

func (c *Client) doJSON(ctx context.Context, method string, in, out any, elems ...string) error {
	u := c.endpoint(elems...)
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	return c.do(ctx, method, u, body, "application/json", out)
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Str("method", method).Str("path", u.Path).Err(err).Msg("api call failed")
		return &TransportError{Method: method, Path: u.Path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	c.log.Debug().
		Str("method", method).
		Str("path", u.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api call")

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var msg messageBody
		if json.Unmarshal(b, &msg) != nil || msg.Message == "" {
			msg.Message = strings.TrimSpace(string(b))
		}
		return &DomainError{Method: method, Path: u.Path, StatusCode: resp.StatusCode, Message: msg.Message}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Method: method, Path: u.Path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// endpoint resolves a route under the API prefix. Elements are path-escaped,
// so ids can never change the route.
func (c *Client) endpoint(elems ...string) *url.URL {
	escaped := make([]string, 0, len(elems)+1)
	escaped = append(escaped, apiPrefix)
	for _, e := range elems {
		escaped = append(escaped, url.PathEscape(e))
	}
	base := *c.baseURL
	if base.Path == "" {
		base.Path = "/"
	}
	return base.JoinPath(escaped...)
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse base url %q: missing host", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
