package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors forming the client-wide error taxonomy. Service layers and
// callers branch on these with errors.Is; the concrete carrier is usually an
// *APIError wrapping one of them.
var (
	// ErrAuth covers a missing credential as well as 401/403 responses.
	ErrAuth = errors.New("authentication failed")

	// ErrNotFound maps 404 responses.
	ErrNotFound = errors.New("not found")

	// ErrConflict maps 409 responses (name collision on create/import).
	ErrConflict = errors.New("conflict")

	// ErrVersionConflict maps 412 responses (stale version token on a
	// conditional write).
	ErrVersionConflict = errors.New("version conflict")

	// ErrValidation covers malformed input rejected locally and any 4xx the
	// gateway returns that has no more specific mapping.
	ErrValidation = errors.New("validation failed")

	// ErrRateLimited covers 429 responses and rate-limiter admission that
	// could not complete within the request deadline.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTransient covers 5xx responses and connection failures. The client
	// retries these internally; callers only see ErrTransient once the retry
	// budget is exhausted.
	ErrTransient = errors.New("transient failure")

	// ErrPartialFailure marks a batch operation with mixed per-item outcomes.
	ErrPartialFailure = errors.New("partial failure")

	// ErrTimeout marks a deadline that elapsed with remote state unresolved
	// (module deployment polling).
	ErrTimeout = errors.New("deadline exceeded")
)

// APIError is the structured error carrier for gateway responses. Kind is one
// of the sentinels above so errors.Is(err, gateway.ErrNotFound) works on it.
type APIError struct {
	Kind       error
	StatusCode int
	Message    string

	// RetryAfter is the gateway's backoff hint from a 429, zero when absent.
	RetryAfter time.Duration

	// Attempts records how many attempts were made before the error was
	// surfaced (1 for non-retried failures).
	Attempts int
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		if e.Message != "" {
			return fmt.Sprintf("gateway: %v (status %d): %s", e.Kind, e.StatusCode, e.Message)
		}
		return fmt.Sprintf("gateway: %v (status %d)", e.Kind, e.StatusCode)
	}
	if e.Message != "" {
		return fmt.Sprintf("gateway: %v: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway: %v", e.Kind)
}

func (e *APIError) Unwrap() error { return e.Kind }

// classifyStatus maps an HTTP status code onto the error taxonomy. 2xx maps
// to nil.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 304:
		// Not Modified flows back to the caller as a successful
		// revalidation, not a failure.
		return nil
	case status == 401 || status == 403:
		return ErrAuth
	case status == 404:
		return ErrNotFound
	case status == 409:
		return ErrConflict
	case status == 412:
		return ErrVersionConflict
	case status == 429:
		return ErrRateLimited
	case status >= 400 && status < 500:
		return ErrValidation
	default:
		return ErrTransient
	}
}

// IsRetryable reports whether err is a transient failure the client would
// retry given budget.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
