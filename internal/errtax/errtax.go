// Package errtax defines the closed error taxonomy shared by every layer of
// the connector runtime. Components classify failures by type (via
// errors.As), never by matching error strings or relying on exception
// identity — exceptions-for-control-flow in the source model becomes typed
// result values here.
package errtax

import (
	"errors"
	"fmt"
)

// ValidationError is a client-side contract breach. Never retryable.
type ValidationError struct {
	Op      string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Op, e.Message)
}

// AuthError means a credential was rejected. Non-retryable unless Refresh5xx
// is set, in which case the refresh endpoint itself returned a 5xx and the
// Retrier may retry the refresh.
type AuthError struct {
	Op        string
	Message   string
	Refresh5xx bool
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error in %s: %s", e.Op, e.Message)
}

// RateLimitError is retryable; RetryAfter, when non-zero, is the minimum
// wait the Retrier and RateLimiter must honor before the next attempt.
type RateLimitError struct {
	Op         string
	RetryAfter int // seconds; 0 means unspecified
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited in %s (retry_after=%ds)", e.Op, e.RetryAfter)
}

// ServerError is an upstream 5xx. Retryable per Retrier policy.
type ServerError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error in %s: status=%d", e.Op, e.StatusCode)
}

// NetworkError covers connect/read failures. Retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error in %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is distinguished from NetworkError only so alert rules can
// tell the two apart; it is retryable the same way.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in %s", e.Op)
}

// AlreadyRunningError is raised by the runtime when a pull is requested for
// a (connectorInstance, sourceKey) pair that already has a Job in the
// running state. Non-retryable.
type AlreadyRunningError struct {
	InstanceID string
	SourceKey  string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("job already running for instance %q source %q", e.InstanceID, e.SourceKey)
}

// NotFoundError means a requested resource (connector instance, job,
// trigger) has no record under the given ID. Non-retryable; the
// control-plane API maps it to an HTTP 404.
type NotFoundError struct {
	Op       string
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found in %s: %q", e.Resource, e.Op, e.ID)
}

// Retryable classifies err against the default policy described in spec §4.4:
// retry on NetworkError, RateLimitError, ServerError, TimeoutError, and the
// refresh-5xx variant of AuthError; fail on everything else (including
// ValidationError and AlreadyRunningError).
func Retryable(err error) bool {
	var netErr *NetworkError
	var rlErr *RateLimitError
	var srvErr *ServerError
	var toErr *TimeoutError
	var authErr *AuthError

	switch {
	case errors.As(err, &netErr), errors.As(err, &rlErr), errors.As(err, &srvErr), errors.As(err, &toErr):
		return true
	case errors.As(err, &authErr):
		return authErr.Refresh5xx
	default:
		return false
	}
}

// RetryAfterSeconds extracts the retry-after hint from err, if any.
func RetryAfterSeconds(err error) (int, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) && rlErr.RetryAfter > 0 {
		return rlErr.RetryAfter, true
	}
	return 0, false
}
