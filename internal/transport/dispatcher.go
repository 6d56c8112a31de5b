package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/erauner12/jut-client/internal/config"
)

const (
	// SecureScheme marks a path as fully qualified
	SecureScheme = "https://"

	// DefaultTimeout bounds every request made by a Dispatcher built without
	// an explicit *http.Client
	DefaultTimeout = 30 * time.Second

	// maxBodyBytes caps how much of a response body is read
	maxBodyBytes = 32 << 20
)

// Target supplies the engine address relative paths resolve against.
// It is read on every request so configuration updates take effect immediately.
type Target interface {
	Config() config.ClientConfig
}

// Request is a single logical call to the engine
type Request struct {
	Method string
	// Path is either relative to /api/v1/ on the engine or an absolute https:// URL
	Path   string
	Header map[string]string
	// Body is encoded as JSON when non-nil
	Body any
}

// Dispatcher turns Requests into HTTP calls and decodes JSON responses.
// It performs no retries; retry policy belongs to the caller.
type Dispatcher struct {
	target     Target
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewDispatcher creates a Dispatcher. A nil httpClient gets a client with DefaultTimeout.
func NewDispatcher(target Target, httpClient *http.Client, logger zerolog.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Dispatcher{
		target:     target,
		httpClient: httpClient,
		logger:     logger,
	}
}

// ResolveURL applies the engine URL rule: a path already starting with
// https:// is used verbatim, anything else becomes
// https://{engineHost}:{enginePort}/api/v1/{path}.
func (d *Dispatcher) ResolveURL(path string) string {
	if strings.HasPrefix(path, SecureScheme) {
		return path
	}
	cfg := d.target.Config()
	return fmt.Sprintf("%s%s:%d/api/v1/%s", SecureScheme, cfg.EngineHost, cfg.EnginePort, path)
}

// Post is shorthand for Do with method POST
func (d *Dispatcher) Post(ctx context.Context, path string, header map[string]string, body, out any) error {
	return d.Do(ctx, Request{Method: http.MethodPost, Path: path, Header: header, Body: body}, out)
}

// Do executes req and decodes the JSON response into out (which may be nil).
//
// Failures are classified as *TransportFailure (no response),
// *HTTPFailure (non-2xx) or *ProtocolFailure (2xx with a body that is not JSON
// or does not fit out). An empty 2xx body leaves out untouched.
func (d *Dispatcher) Do(ctx context.Context, req Request, out any) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := d.ResolveURL(req.Path)

	var payload io.Reader
	if req.Body != nil {
		buf, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	correlationID := uuid.New().String()
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-ID", correlationID)
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}
	// always JSON, whatever the caller supplied
	httpReq.Header.Set("Content-Type", "application/json")

	logger := d.logger.With().
		Str("method", method).
		Str("url", url).
		Str("correlationId", correlationID).
		Logger()

	start := time.Now()
	resp, err := d.httpClient.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return &TransportFailure{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		logger.Error().Err(err).Int("status", resp.StatusCode).Msg("failed to read response body")
		return &TransportFailure{Method: method, URL: url, Err: err}
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("bytes", len(body)).
		Msg("HTTP request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPFailure{Method: method, URL: url, StatusCode: resp.StatusCode, Body: body}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if out == nil {
		if !json.Valid(body) {
			return &ProtocolFailure{Method: method, URL: url, Err: fmt.Errorf("response body is not valid JSON")}
		}
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &ProtocolFailure{Method: method, URL: url, Err: err}
	}
	return nil
}
