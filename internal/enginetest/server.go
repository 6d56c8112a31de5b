// Package enginetest provides an in-process fake of the Jut auth and data
// engine endpoints for tests. Every hostname is routed to the fake, so
// production URLs such as https://auth.jut.io/token are exercised verbatim.
package enginetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Host is a valid engine host for configs pointed at the fake
	Host = "data-engine-test.jutdata.io"

	ClientID     = "test-client-id"
	ClientSecret = "test-client-secret"
)

// RecordedRequest is a request the fake received
type RecordedRequest struct {
	Method string
	Host   string
	Path   string
	Header http.Header
	Body   []byte
}

// Server is a TLS fake of the Jut endpoints
type Server struct {
	*httptest.Server

	router     chi.Router
	signingKey []byte

	mu            sync.Mutex
	requests      []RecordedRequest
	tokenCalls    int
	jobCalls      int
	expiresIn     time.Duration
	claimTTL      time.Duration
	opaque        bool
	tokenDelay    time.Duration
	tokenOverride http.HandlerFunc
	jobOverride   http.HandlerFunc
	issued        int
}

// New starts a fake engine that is closed when the test ends
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		signingKey: []byte("enginetest-signing-key"),
		expiresIn:  time.Hour,
	}

	r := chi.NewRouter()
	r.Use(s.record)
	r.Post("/token", s.handleToken)
	r.Post("/api/v1/runjob", s.handleRunJob)
	s.router = r

	s.Server = httptest.NewTLSServer(r)
	t.Cleanup(s.Close)
	return s
}

// HTTPClient returns a client that dials the fake for every host and trusts its certificate
func (s *Server) HTTPClient() *http.Client {
	transport := s.Server.Client().Transport.(*http.Transport).Clone()
	addr := s.Listener.Addr().String()
	transport.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}
	// httptest certificates are issued for example.com
	transport.TLSClientConfig.ServerName = "example.com"

	return &http.Client{Transport: transport, Timeout: 5 * time.Second}
}

// Route registers an extra handler. Call it before issuing requests.
func (s *Server) Route(method, pattern string, h http.HandlerFunc) {
	s.router.MethodFunc(method, pattern, h)
}

// SetExpiresIn sets the expires_in reported by the token endpoint
func (s *Server) SetExpiresIn(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = d
}

// SetClaimTTL makes issued JWTs carry an exp claim d from now, independent of
// expires_in. A negative d issues tokens that look expired to the client.
func (s *Server) SetClaimTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimTTL = d
}

// SetOpaqueTokens makes the token endpoint issue non-JWT tokens
func (s *Server) SetOpaqueTokens(opaque bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opaque = opaque
}

// SetTokenDelay slows down the token endpoint
func (s *Server) SetTokenDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenDelay = d
}

// SetTokenHandler replaces the token endpoint behaviour (calls are still counted)
func (s *Server) SetTokenHandler(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenOverride = h
}

// SetJobHandler replaces the runjob endpoint behaviour (calls are still counted)
func (s *Server) SetJobHandler(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobOverride = h
}

// TokenCalls returns how many credential exchanges reached the fake
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// JobCalls returns how many runjob requests reached the fake
func (s *Server) JobCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobCalls
}

// Requests returns a copy of everything received so far
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// LastRequest returns the most recent request, or false if there was none
func (s *Server) LastRequest() (RecordedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return RecordedRequest{}, false
	}
	return s.requests[len(s.requests)-1], true
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: r.Method,
			Host:   r.Host,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   body,
		})
		s.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenCalls++
	delay := s.tokenDelay
	override := s.tokenOverride
	expiresIn := s.expiresIn
	claimTTL := s.claimTTL
	opaque := s.opaque
	s.issued++
	serial := s.issued
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if override != nil {
		override(w, r)
		return
	}

	var grant struct {
		GrantType    string `json:"grant_type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&grant); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if grant.GrantType != "client_credentials" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	if grant.ClientID != ClientID || grant.ClientSecret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	var token string
	if opaque {
		token = fmt.Sprintf("opaque-token-%d", serial)
	} else {
		ttl := expiresIn
		if claimTTL != 0 {
			ttl = claimTTL
		}
		var err error
		token, err = s.issueToken(grant.ClientID, serial, ttl)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   expiresIn.Milliseconds(),
	})
}

// issueToken signs an HS256 JWT. exp is rounded up to the next second so it
// never precedes the reported expires_in.
func (s *Server) issueToken(subject string, serial int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        fmt.Sprintf("token-%d", serial),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl).Truncate(time.Second).Add(time.Second)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.jobCalls++
	override := s.jobOverride
	opaque := s.opaque
	s.mu.Unlock()

	if override != nil {
		override(w, r)
		return
	}

	bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || bearer == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
		return
	}
	if !opaque {
		_, err := jwt.Parse(bearer, func(*jwt.Token) (any, error) { return s.signingKey, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token: " + err.Error()})
			return
		}
	}

	var job struct {
		Program string `json:"program"`
	}
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil || job.Program == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "program is required"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": []map[string]any{
			{"type": "table", "program": job.Program},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
