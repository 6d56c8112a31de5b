package auth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/jut-client/internal/transport"
)

const (
	// DefaultTokenURL is the Jut OAuth2 token endpoint. It is not derived from the engine host.
	DefaultTokenURL = "https://auth.jut.io/token"

	flightKey = "token"

	// maxTokenTTL caps lifetimes too large for a time.Duration
	maxTokenTTL = time.Duration(math.MaxInt64)

	// claimSkew is how far a JWT exp claim may lag the local clock before the
	// token is treated as expired rather than the clocks as disagreeing
	claimSkew = time.Minute
)

// State is the authentication state of a Manager
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a point-in-time snapshot of a Manager's state.
// AccessToken is non-empty if and only if State is Authenticated.
type Session struct {
	State       State
	AccessToken string
	ExpiresAt   time.Time
}

// Poster sends a JSON POST and decodes the JSON response into out
type Poster interface {
	Post(ctx context.Context, path string, header map[string]string, body, out any) error
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	// milliseconds
	ExpiresIn *float64 `json:"expires_in"`
}

// Manager owns the client's session. It hands out a valid bearer token,
// performing at most one credential exchange at a time, and drops the token
// when the lifetime reported by the auth endpoint elapses.
type Manager struct {
	poster   Poster
	target   transport.Target
	tokenURL string
	logger   zerolog.Logger
	group    singleflight.Group

	mu        sync.Mutex
	state     State
	token     string
	expiresAt time.Time
	timer     *time.Timer
	// generation increments whenever a token is installed or dropped, so a
	// timer or exchange started for an older token cannot touch a newer one
	generation uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithTokenURL overrides the token endpoint. It should be an absolute https:// URL.
func WithTokenURL(url string) Option {
	return func(m *Manager) { m.tokenURL = url }
}

// WithLogger sets the logger used for session events
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a Manager in the Unauthenticated state.
// Credentials are read from target at the start of every exchange.
func NewManager(poster Poster, target transport.Target, opts ...Option) *Manager {
	m := &Manager{
		poster:   poster,
		target:   target,
		tokenURL: DefaultTokenURL,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureAuthenticated returns a bearer token that has not expired at the
// moment it is read, exchanging credentials if necessary. Concurrent callers
// share a single exchange. If ctx ends while waiting, the caller gets an
// AuthFailure but the shared exchange keeps running for the other waiters.
func (m *Manager) EnsureAuthenticated(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state == Authenticated {
		if time.Now().Before(m.expiresAt) {
			token, expiresAt := m.token, m.expiresAt
			m.mu.Unlock()
			m.logger.Debug().Time("expiresAt", expiresAt).Msg("using cached access token")
			return token, nil
		}
		// timer has not fired yet but the token is past its lifetime
		m.dropLocked()
	}
	m.mu.Unlock()

	ch := m.group.DoChan(flightKey, func() (any, error) {
		return m.exchange(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", &AuthFailure{Reason: "gave up waiting for credential exchange", Err: ctx.Err()}
	}
}

// exchange performs the client-credentials grant and installs the result
func (m *Manager) exchange(ctx context.Context) (string, error) {
	m.mu.Lock()
	gen := m.generation
	m.state = Authenticating
	m.mu.Unlock()

	cfg := m.target.Config()
	req := tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}

	m.logger.Debug().Str("url", m.tokenURL).Msg("exchanging client credentials")

	var resp tokenResponse
	if err := m.poster.Post(ctx, m.tokenURL, nil, req, &resp); err != nil {
		m.abandon(gen)
		reason := "credential exchange failed"
		var httpErr *transport.HTTPFailure
		if errors.As(err, &httpErr) {
			reason = fmt.Sprintf("credential exchange rejected with status %d", httpErr.StatusCode)
		}
		m.logger.Warn().Err(err).Msg(reason)
		return "", &AuthFailure{Reason: reason, Err: err}
	}

	if resp.AccessToken == "" {
		m.abandon(gen)
		return "", &AuthFailure{Reason: "malformed token response: missing access_token"}
	}
	if resp.ExpiresIn == nil {
		m.abandon(gen)
		return "", &AuthFailure{Reason: "malformed token response: missing expires_in"}
	}
	ttl, ok := lifetime(*resp.ExpiresIn)
	if !ok {
		m.abandon(gen)
		return "", &AuthFailure{Reason: fmt.Sprintf("malformed token response: non-positive expires_in %v", *resp.ExpiresIn)}
	}

	ttl, err := clampToClaims(resp.AccessToken, ttl)
	if err != nil {
		m.abandon(gen)
		return "", &AuthFailure{Reason: "unusable access token", Err: err}
	}

	expiresAt, ok := m.install(gen, resp.AccessToken, ttl)
	if !ok {
		return "", &AuthFailure{Reason: "session was reset during credential exchange"}
	}

	m.logger.Info().Time("expiresAt", expiresAt).Msg("authenticated with Jut")
	return resp.AccessToken, nil
}

// lifetime converts expires_in milliseconds to a duration, saturating at maxTokenTTL
func lifetime(ms float64) (time.Duration, bool) {
	if !(ms > 0) {
		return 0, false
	}
	if ms >= float64(maxTokenTTL/time.Millisecond) {
		return maxTokenTTL, true
	}
	ttl := time.Duration(ms * float64(time.Millisecond))
	if ttl <= 0 {
		ttl = time.Nanosecond
	}
	return ttl, true
}

// clampToClaims shortens ttl to the token's own exp claim when the token is a
// JWT that expires sooner. Opaque tokens keep ttl. An exp less than claimSkew
// in the past is put down to clock skew and ttl is kept.
func clampToClaims(token string, ttl time.Duration) (time.Duration, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ttl, nil
	}
	if claims.ExpiresAt == nil {
		return ttl, nil
	}
	until := time.Until(claims.ExpiresAt.Time)
	if until <= -claimSkew {
		return 0, fmt.Errorf("token expired at %s", claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	if until > 0 && until < ttl {
		return until, nil
	}
	return ttl, nil
}

// install stores a freshly exchanged token unless the session was reset
// after the exchange started
func (m *Manager) install(gen uint64, token string, ttl time.Duration) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		return time.Time{}, false
	}

	m.stopTimerLocked()
	m.generation++
	installed := m.generation

	m.token = token
	m.state = Authenticated
	m.expiresAt = time.Now().Add(ttl)
	m.timer = time.AfterFunc(ttl, func() { m.expire(installed) })
	return m.expiresAt, true
}

// abandon returns a failed exchange's session to Unauthenticated
func (m *Manager) abandon(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation == gen && m.state == Authenticating {
		m.state = Unauthenticated
	}
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		return
	}
	m.dropLocked()
	m.logger.Info().Msg("access token expired")
}

// dropLocked clears the token and stops its timer. Caller must hold mu.
func (m *Manager) dropLocked() {
	m.stopTimerLocked()
	m.generation++
	m.token = ""
	m.expiresAt = time.Time{}
	if m.state == Authenticated {
		m.state = Unauthenticated
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Invalidate drops the held token (e.g. after the credentials changed).
// An exchange already in flight has its token discarded and its waiters get
// an AuthFailure; the next EnsureAuthenticated starts a new exchange.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.dropLocked()
	m.state = Unauthenticated
	m.mu.Unlock()

	m.group.Forget(flightKey)
	m.logger.Debug().Msg("invalidated access token")
}

// Close stops the expiry timer and drops the token
func (m *Manager) Close() {
	m.Invalidate()
}

// State returns the current authentication state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the session
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Session{
		State:       m.state,
		AccessToken: m.token,
		ExpiresAt:   m.expiresAt,
	}
}
