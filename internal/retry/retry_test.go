package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/errtax"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	r := New(DefaultPolicy)
	calls := 0

	err := r.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrors(t *testing.T) {
	r := New(Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		Jitter:         JitterNone,
	})

	calls := 0
	err := r.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &errtax.NetworkError{Op: "test", Err: assertErr}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	r := New(Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		Jitter:         JitterNone,
	})

	calls := 0
	err := r.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		return &errtax.ValidationError{Op: "test", Message: "bad input"}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsMaxAttempts(t *testing.T) {
	r := New(Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		Jitter:         JitterNone,
	})

	calls := 0
	err := r.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		return &errtax.ServerError{Op: "test", StatusCode: 500}
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	r := New(Policy{
		MaxAttempts:    2,
		InitialBackoff: time.Hour, // would block the test if honored instead of RetryAfter
		MaxBackoff:     time.Hour,
		Multiplier:     2,
		Jitter:         JitterNone,
	})

	calls := 0
	start := time.Now()
	err := r.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &errtax.RateLimitError{Op: "test", RetryAfter: 1}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), 90*time.Second)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	r := New(Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
		Jitter:         JitterNone,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, "test.op", func(ctx context.Context) error {
		calls++
		return &errtax.NetworkError{Op: "test", Err: assertErr}
	})

	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}

func TestNewDefaultsInvalidPolicy(t *testing.T) {
	r := New(Policy{})
	assert.Equal(t, DefaultPolicy, r.policy)
}

var assertErr = errAssert{}

type errAssert struct{}

func (errAssert) Error() string { return "boom" }
