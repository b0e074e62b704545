package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for remote operations.
var (
	// ErrTransport indicates a request failed after the retry policy gave up
	// or was rejected with a non-recoverable status.
	ErrTransport = errors.New("remote transport failure")

	// ErrNoJobID indicates a submit response that carried no job identifier.
	ErrNoJobID = errors.New("submit response has no job id")

	// ErrNoToken indicates a login response that carried no token.
	ErrNoToken = errors.New("login response has no token")
)

// TransportError describes a failed request.
type TransportError struct {
	// Op is the operation that failed ("login", "submit", "poll").
	Op string

	// Attempts is how many requests were sent.
	Attempts int

	// Status is the last HTTP status code, or 0 when no response arrived.
	Status int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d after %d attempt(s): %v", e.Op, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes every TransportError match ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IsUnauthorized returns true if the remote rejected the bearer token.
func IsUnauthorized(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status == http.StatusUnauthorized
	}
	return false
}

// statusError is the per-attempt error for a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return http.StatusText(e.code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.code), e.body)
}

// recoverable reports whether a status is worth retrying. Client errors are
// final except request timeouts and throttling.
func recoverable(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code < 400 || code >= 500
}
