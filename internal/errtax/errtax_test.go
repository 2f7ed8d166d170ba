package errtax

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", &NetworkError{Op: "op", Err: errors.New("boom")}, true},
		{"rate limit", &RateLimitError{Op: "op"}, true},
		{"server", &ServerError{Op: "op", StatusCode: 500}, true},
		{"timeout", &TimeoutError{Op: "op"}, true},
		{"auth refresh 5xx", &AuthError{Op: "op", Refresh5xx: true}, true},
		{"auth plain", &AuthError{Op: "op"}, false},
		{"validation", &ValidationError{Op: "op", Message: "bad"}, false},
		{"already running", &AlreadyRunningError{InstanceID: "i", SourceKey: "s"}, false},
		{"not found", &NotFoundError{Op: "op", Resource: "job", ID: "1"}, false},
		{"plain error", errors.New("unrelated"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Retryable(tc.err))
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	seconds, ok := RetryAfterSeconds(&RateLimitError{Op: "op", RetryAfter: 5})
	assert.True(t, ok)
	assert.Equal(t, 5, seconds)

	_, ok = RetryAfterSeconds(&RateLimitError{Op: "op", RetryAfter: 0})
	assert.False(t, ok)

	_, ok = RetryAfterSeconds(&ServerError{Op: "op", StatusCode: 500})
	assert.False(t, ok)
}

func TestNetworkErrorUnwrap(t *testing.T) {
	inner := errors.New("dial failed")
	err := &NetworkError{Op: "op", Err: inner}
	assert.ErrorIs(t, err, inner)
}
