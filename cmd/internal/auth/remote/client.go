// Package remote is the client for the backend's REST auth endpoints.
//
// It implements session.RemoteAuth: the active session is the one this client
// last obtained (sign-in or refresh), confirmed against the backend before it
// is reported.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/auth/session"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrUnauthorized is returned when the backend rejects credentials.
	ErrUnauthorized = errors.New("remote: unauthorized")

	// ErrBackend is returned for unexpected backend responses.
	ErrBackend = errors.New("remote: backend error")
)

const maxBodyBytes = 1 << 20

// Config holds the backend endpoint and project key.
type Config struct {
	BaseURL string
	AnonKey string
}

// Client talks to the backend's auth API. Safe for concurrent use.
type Client struct {
	base    *url.URL
	anonKey string
	hc      *http.Client
	clock   clockwork.Clock

	mu      sync.Mutex
	current *session.RemoteSession
}

var _ session.RemoteAuth = (*Client)(nil)

// Option configures optional Client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithClock overrides the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New constructs a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("remote: base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("remote: invalid base url %q", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		base:    u,
		anonKey: strings.TrimSpace(cfg.AnonKey),
		hc:      &http.Client{Timeout: 30 * time.Second},
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

// Current returns the session held by the client, if any.
func (c *Client) Current() *session.RemoteSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	cp := *c.current
	return &cp
}

// SignInWithPassword authenticates with email and password and keeps the session.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*session.RemoteSession, error) {
	body := map[string]string{"email": strings.TrimSpace(email), "password": password}
	var out tokenResponse
	status, err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"password"}}, "", body, &out)
	if err != nil {
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	rs, err := out.session(c.clock.Now())
	if err != nil {
		return nil, err
	}
	c.setCurrent(rs)
	return rs, nil
}

// ActiveSession returns the held session when the backend still accepts its
// access token. A rejected token drops the held session and reports none.
func (c *Client) ActiveSession(ctx context.Context) (*session.RemoteSession, error) {
	cur := c.Current()
	if cur == nil {
		return nil, nil
	}
	if !cur.ExpiresAt.IsZero() && !c.clock.Now().Before(cur.ExpiresAt) {
		return nil, nil
	}

	var u userJSON
	status, err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, cur.AccessToken, nil, &u)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.setCurrent(nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if user, ok := u.identity(); ok {
		cur.User = user
		c.setCurrent(cur)
	}
	return cur, nil
}

// ExchangeRefreshToken trades refreshToken for a fresh pair. Backend
// rejections are reported as session.RefreshError.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*session.RemoteSession, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, session.RefreshError{Reason: "empty refresh token"}
	}

	var out tokenResponse
	status, err := c.do(ctx, http.MethodPost, "/auth/v1/token", url.Values{"grant_type": {"refresh_token"}}, "",
		map[string]string{"refresh_token": refreshToken}, &out)
	if err != nil {
		if status >= 400 && status < 500 {
			return nil, session.RefreshError{Status: status, Reason: err.Error()}
		}
		return nil, err
	}
	rs, err := out.session(c.clock.Now())
	if err != nil {
		return nil, session.RefreshError{Status: status, Reason: err.Error()}
	}
	c.setCurrent(rs)
	return rs, nil
}

// SignOut revokes the held session on the backend. The held session is
// dropped even when the call fails.
func (c *Client) SignOut(ctx context.Context) error {
	cur := c.Current()
	c.setCurrent(nil)
	if cur == nil {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, cur.AccessToken, nil, nil)
	return err
}

func (c *Client) setCurrent(rs *session.RemoteSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = rs
}

// do sends one request. It returns the HTTP status (0 when no response) and a
// non-nil error for any non-2xx status.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, bearer string, in, out any) (int, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	switch {
	case bearer != "":
		req.Header.Set("Authorization", "Bearer "+bearer)
	case c.anonKey != "":
		req.Header.Set("Authorization", "Bearer "+c.anonKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: status=%d %s", ErrBackend, resp.StatusCode, errorReason(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode: %v", ErrBackend, err)
		}
	}
	return resp.StatusCode, nil
}

// ---- wire types ----

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	User         userJSON `json:"user"`
}

type userJSON struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u userJSON) identity() (session.UserIdentity, bool) {
	id, err := uuid.Parse(strings.TrimSpace(u.ID))
	if err != nil {
		return session.UserIdentity{}, false
	}
	name, _ := u.UserMetadata["full_name"].(string)
	return session.UserIdentity{
		ID:       id.String(),
		Email:    u.Email,
		FullName: name,
		Role:     u.Role,
	}, true
}

func (t tokenResponse) session(now time.Time) (*session.RemoteSession, error) {
	if t.AccessToken == "" || t.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token response without tokens", ErrBackend)
	}
	rs := &session.RemoteSession{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	switch {
	case t.ExpiresAt > 0:
		rs.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		rs.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	if user, ok := t.User.identity(); ok {
		rs.User = user
	}
	return rs, nil
}

func errorReason(raw []byte) string {
	var e struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Msg              string `json:"msg"`
	}
	if json.Unmarshal(raw, &e) != nil {
		return ""
	}
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}
