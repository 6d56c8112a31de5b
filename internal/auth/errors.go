package auth

import "fmt"

// AuthFailure indicates a bearer token could not be obtained.
// Err holds the underlying transport, HTTP or protocol failure when there is one.
type AuthFailure struct {
	Reason string
	Err    error
}

func (e *AuthFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthFailure) Unwrap() error { return e.Err }
