package transport

import "fmt"

// TransportFailure indicates the request never produced an HTTP response
// (DNS, connection refused, TLS, timeout)
type TransportFailure struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("%s %s: transport failure: %v", e.Method, e.URL, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// HTTPFailure indicates a non-2xx response. Body holds the raw response body.
type HTTPFailure struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPFailure) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, truncate(e.Body, 256))
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// ProtocolFailure indicates a 2xx response whose body was not the expected JSON
type ProtocolFailure struct {
	Method string
	URL    string
	Err    error
}

func (e *ProtocolFailure) Error() string {
	return fmt.Sprintf("%s %s: malformed response: %v", e.Method, e.URL, e.Err)
}

func (e *ProtocolFailure) Unwrap() error { return e.Err }

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
