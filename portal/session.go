/*
session.go - Authenticated session against the provisioning portal

PURPOSE:
  Owns login and the cookie-carrying request path. A Session is an explicit
  value returned by Login and threaded through every call; nothing about
  the login state is held in package or process globals.

LOGIN SEQUENCE:
  1. GET login page, capture the session cookie
  2. POST username + hex(sha512(password)) (and an empty "password" field)
  3. Capture updated cookies; if the answer is a redirect, follow it once
     and capture cookies again
  The session is considered established once this completes without a
  transport error. The portal gives no reliable success marker, so failure
  is normally only noticed on the next request. Options.VerifyLogin adds an
  explicit check of the landing page.

RE-AUTHENTICATION:
  Do() classifies every response. On an unauthorized answer it logs in
  again once and retries the original request once with the new session.
  If that login fails, the original response is returned unchanged.

SEE ALSO:
  - classifier.go: IsUnauthorized heuristics
  - gateway.go: Typed operations built on Do()
*/
package portal

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/simbridge/metrics"
	"github.com/warp/simbridge/sim"
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one authenticated portal session.
type Session struct {
	CreatedAt time.Time

	mu      sync.Mutex
	cookies map[string]string
}

func newSession(now time.Time) *Session {
	return &Session{cookies: make(map[string]string), CreatedAt: now}
}

// CookieHeader renders the session cookies as a Cookie header value.
func (s *Session) CookieHeader() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(s.cookies))
	for name := range s.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+s.cookies[name])
	}
	return strings.Join(parts, "; ")
}

// merge applies Set-Cookie headers from resp.
func (s *Session) merge(resp *http.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(s.cookies, c.Name)
			continue
		}
		s.cookies[c.Name] = c.Value
	}
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// Request is one authenticated portal call. A non-nil Form makes it a
// form-encoded POST.
type Request struct {
	Method string
	Path   string
	Form   url.Values
}

// Response is a fully read, charset-decoded portal response.
type Response struct {
	StatusCode int
	Body       string
	// Relogged is set when the request was retried under a new session.
	Relogged bool
}

// =============================================================================
// CLIENT
// =============================================================================

// SessionClient logs in to the portal and performs authenticated requests.
type SessionClient struct {
	opts       Options
	http       *http.Client
	codec      codec
	classifier ResponseClassifier
	metrics    *metrics.Collectors
	logger     zerolog.Logger
	now        func() time.Time
}

// NewSessionClient builds a client. httpClient may be nil. Redirects are
// never followed automatically and no cookie jar is used: the Session owns
// the cookies.
func NewSessionClient(opts Options, httpClient *http.Client, classifier ResponseClassifier, m *metrics.Collectors, logger zerolog.Logger) (*SessionClient, error) {
	cd, err := newCodec(opts.Charset)
	if err != nil {
		return nil, err
	}

	var hc http.Client
	if httpClient != nil {
		hc = *httpClient
	}
	if hc.Timeout == 0 {
		hc.Timeout = opts.RequestTimeout
	}
	hc.Jar = nil
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	if classifier == nil {
		classifier = NewMarkerClassifier(opts)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	return &SessionClient{
		opts:       opts,
		http:       &hc,
		codec:      cd,
		classifier: classifier,
		metrics:    m,
		logger:     logger.With().Str("component", "portal_session").Logger(),
		now:        time.Now,
	}, nil
}

// HashPassword returns the hex SHA-512 digest the portal expects in "p".
func HashPassword(password string) string {
	sum := sha512.Sum512([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Login establishes a new session.
func (c *SessionClient) Login(ctx context.Context) (*Session, error) {
	sess := newSession(c.now())

	// Step 1: login page, for the session cookie
	resp, _, err := c.send(ctx, sess, http.MethodGet, c.opts.url(c.opts.Paths.Login), nil, "")
	if err != nil {
		return nil, &sim.AuthenticationError{Err: fmt.Errorf("load login page: %w", err)}
	}
	sess.merge(resp)

	// Step 2: credentials
	form := url.Values{
		"username": {c.opts.Username},
		"p":        {HashPassword(c.opts.Password)},
		"password": {""},
	}
	resp, body, err := c.send(ctx, sess, http.MethodPost, c.opts.url(c.opts.Paths.ProcessLogin), form, c.opts.url(c.opts.Paths.Login))
	if err != nil {
		return nil, &sim.AuthenticationError{Err: fmt.Errorf("submit credentials: %w", err)}
	}
	sess.merge(resp)

	// Step 3: one redirect hop
	if isRedirect(resp.StatusCode) {
		if loc, err := resp.Location(); err == nil {
			resp, body, err = c.send(ctx, sess, http.MethodGet, loc.String(), nil, c.opts.url(c.opts.Paths.ProcessLogin))
			if err != nil {
				return nil, &sim.AuthenticationError{Err: fmt.Errorf("follow login redirect: %w", err)}
			}
			sess.merge(resp)
		}
	}

	if c.opts.VerifyLogin && !strings.Contains(body, c.opts.LoggedInMarker) {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("login landing page lacks logged-in marker")
		return nil, &sim.AuthenticationError{Raw: sim.TruncateRaw(body)}
	}

	c.logger.Debug().Msg("portal session established")
	return sess, nil
}

// Do performs an authenticated request with sess and returns the response
// together with the session to use from now on, which differs from sess
// when a re-login happened.
func (c *SessionClient) Do(ctx context.Context, sess *Session, r Request) (*Response, *Session, error) {
	first, err := c.do(ctx, sess, r)
	if err != nil {
		return nil, sess, err
	}
	if !c.classifier.IsUnauthorized(first.StatusCode, first.Body) {
		return first, sess, nil
	}

	c.metrics.Relogin()
	c.logger.Info().Str("path", r.Path).Int("status", first.StatusCode).Msg("portal session expired, logging in again")

	fresh, err := c.Login(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", r.Path).Msg("re-login failed, returning original response")
		return first, sess, nil
	}

	retry, err := c.do(ctx, fresh, r)
	if err != nil {
		return nil, fresh, err
	}
	retry.Relogged = true
	return retry, fresh, nil
}

func (c *SessionClient) do(ctx context.Context, sess *Session, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
		if r.Form != nil {
			method = http.MethodPost
		}
	}

	resp, body, err := c.send(ctx, sess, method, c.opts.url(r.Path), r.Form, c.opts.referer())
	if err != nil {
		return nil, err
	}
	// Cookies may rotate on any page.
	sess.merge(resp)

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// send performs one round trip and reads the whole body.
func (c *SessionClient) send(ctx context.Context, sess *Session, method, target string, form url.Values, referer string) (*http.Response, string, error) {
	var payload io.Reader
	if form != nil {
		payload = strings.NewReader(c.codec.encodeForm(form))
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if cookie := sess.CookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	body, err := c.codec.decode(raw)
	if err != nil {
		return nil, "", err
	}
	return resp, body, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// =============================================================================
// SESSION CACHE - Optional reuse across operations
// =============================================================================

// SessionCache keeps one session for up to ttl. Safe for concurrent use.
type SessionCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	session *Session
}

// NewSessionCache returns nil for ttl <= 0, which disables reuse.
func NewSessionCache(ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		return nil
	}
	return &SessionCache{ttl: ttl, now: time.Now}
}

// Get returns the cached session if it is younger than the TTL.
func (sc *SessionCache) Get() *Session {
	if sc == nil {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.session == nil || sc.now().Sub(sc.session.CreatedAt) >= sc.ttl {
		sc.session = nil
		return nil
	}
	return sc.session
}

// Put stores s as the current session.
func (sc *SessionCache) Put(s *Session) {
	if sc == nil || s == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.session = s
}

// Invalidate drops the cached session.
func (sc *SessionCache) Invalidate() {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.session = nil
}
