// Package jut is a client for the Jut data engine. It authenticates with an
// OAuth2 client-credentials grant, submits Juttle programs for execution and
// builds shareable links to program results.
//
//	client, err := jut.New(jut.Update{
//		EngineHost:   jut.String("data-engine-xxxxxxx.jutdata.io"),
//		ClientID:     jut.String(id),
//		ClientSecret: jut.String(secret),
//	})
//	if err != nil {
//		return err // *jut.ConfigurationError
//	}
//	defer client.Close()
//
//	result, err := client.RunJob(ctx, "read -last :1 hour: | head 15")
//
// The client never retries. Failures are returned as *AuthFailure,
// *TransportFailure, *HTTPFailure or *ProtocolFailure for the caller to
// inspect with errors.As.
package jut

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/jut-client/internal/auth"
	"github.com/erauner12/jut-client/internal/config"
	"github.com/erauner12/jut-client/internal/link"
	"github.com/erauner12/jut-client/internal/transport"
)

type (
	// Config is a validated client configuration
	Config = config.ClientConfig
	// Update is a partial configuration; nil fields are left untouched
	Update = config.Update

	ConfigurationError = config.ConfigurationError
	AuthFailure        = auth.AuthFailure
	TransportFailure   = transport.TransportFailure
	HTTPFailure        = transport.HTTPFailure
	ProtocolFailure    = transport.ProtocolFailure

	Session = auth.Session
	State   = auth.State
)

const (
	Unauthenticated = auth.Unauthenticated
	Authenticating  = auth.Authenticating
	Authenticated   = auth.Authenticated

	DefaultEnginePort = config.DefaultEnginePort
	DefaultTokenURL   = auth.DefaultTokenURL
)

// String returns a pointer to s, for building an Update
func String(s string) *string { return config.String(s) }

// Int returns a pointer to n, for building an Update
func Int(n int) *int { return config.Int(n) }

// JobResult is the engine's response to a runjob request
type JobResult struct {
	Results []json.RawMessage `json:"results"`
	// Raw is the complete response body
	Raw json.RawMessage `json:"-"`
}

type jobRequest struct {
	Program string `json:"program"`
}

type options struct {
	httpClient *http.Client
	logger     zerolog.Logger
	tokenURL   string
}

// Option configures a Client
type Option func(*options)

// WithHTTPClient sets the HTTP client used for every request.
// Timeouts and proxies are configured there.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLogger sets the logger. The default is the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTokenURL overrides the OAuth2 token endpoint
func WithTokenURL(url string) Option {
	return func(o *options) { o.tokenURL = url }
}

// Client submits jobs to a Jut data engine. It is safe for concurrent use.
type Client struct {
	mu  sync.RWMutex
	cfg Config

	dispatcher *transport.Dispatcher
	auth       *auth.Manager
	logger     zerolog.Logger
}

// New validates cfg and builds a Client. An invalid configuration yields a
// *ConfigurationError listing every violated rule.
func New(cfg Update, opts ...Option) (*Client, error) {
	o := options{
		logger:   log.Logger,
		tokenURL: auth.DefaultTokenURL,
	}
	for _, opt := range opts {
		opt(&o)
	}

	validated, err := config.Apply(Config{}, cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    validated,
		logger: o.logger.With().Str("component", "jut").Logger(),
	}
	c.dispatcher = transport.NewDispatcher(c, o.httpClient, c.logger)
	c.auth = auth.NewManager(c.dispatcher, c,
		auth.WithTokenURL(o.tokenURL),
		auth.WithLogger(c.logger),
	)
	return c, nil
}

// Config returns the configuration currently in force
func (c *Client) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig merges u into the current configuration and revalidates it.
// On failure the previous configuration stays in force. A change of engine
// address or credentials drops the held token.
func (c *Client) SetConfig(u Update) error {
	c.mu.Lock()
	next, err := config.Apply(c.cfg, u)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	changed := next != c.cfg
	c.cfg = next
	c.mu.Unlock()

	if changed {
		c.logger.Info().
			Str("engineHost", next.EngineHost).
			Int("enginePort", next.EnginePort).
			Msg("configuration updated")
		c.auth.Invalidate()
	}
	return nil
}

// Authenticate makes sure the client holds a valid bearer token,
// exchanging credentials if it does not
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.auth.EnsureAuthenticated(ctx)
	return err
}

// Session reports the current authentication state
func (c *Client) Session() Session {
	return c.auth.Session()
}

// Post sends an authenticated JSON POST to path (relative to /api/v1/ on the
// engine, or an absolute https:// URL) and decodes the response into out
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	token, err := c.auth.EnsureAuthenticated(ctx)
	if err != nil {
		return err
	}
	return c.dispatcher.Post(ctx, path, map[string]string{
		"Authorization": "Bearer " + token,
	}, body, out)
}

// RunJob submits a Juttle program for execution and returns the engine's response
func (c *Client) RunJob(ctx context.Context, program string) (*JobResult, error) {
	c.logger.Debug().Int("programBytes", len(program)).Msg("submitting job")

	url := c.dispatcher.ResolveURL("runjob")

	var raw json.RawMessage
	if err := c.Post(ctx, url, jobRequest{Program: program}, &raw); err != nil {
		return nil, err
	}

	result := &JobResult{Raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, &ProtocolFailure{
				Method: http.MethodPost,
				URL:    url,
				Err:    err,
			}
		}
	}
	return result, nil
}

// GenerateProgramLink builds a shareable link to a program's output,
// optionally pre-filling program inputs from params
func (c *Client) GenerateProgramLink(deploymentID, programID string, params map[string]string) string {
	return ProgramLink(deploymentID, programID, params)
}

// ProgramLink builds a shareable link without a Client
func ProgramLink(deploymentID, programID string, params map[string]string) string {
	return link.ProgramLink(deploymentID, programID, params)
}

// Close drops the held token and stops its expiry timer
func (c *Client) Close() {
	c.auth.Close()
}
