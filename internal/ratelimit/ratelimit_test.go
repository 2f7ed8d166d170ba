package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitServesBurstImmediately(t *testing.T) {
	l := New(Limits{RequestsPerSecond: 5, Burst: 3})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx, "src-a"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitBlocksPastBurst(t *testing.T) {
	l := New(Limits{RequestsPerSecond: 20, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "src-b"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "src-b"))
	assert.Greater(t, time.Since(start), 20*time.Millisecond)
}

func TestConfigureOverridesDefaultPerSource(t *testing.T) {
	l := New(Limits{RequestsPerSecond: 1, Burst: 1})
	l.Configure("src-c", Limits{RequestsPerSecond: 1000, Burst: 10})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx, "src-c"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitRespectsCancellation(t *testing.T) {
	l := New(Limits{RequestsPerSecond: 0.1, Burst: 1})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "src-d"))

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(cctx, "src-d")
	assert.Error(t, err)
}

func TestDrainBlocksUntilRetryAfter(t *testing.T) {
	l := New(Limits{RequestsPerSecond: 1000, Burst: 5})
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "src-e"))

	l.Drain("src-e", 40*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "src-e"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSourcesHaveIndependentBuckets(t *testing.T) {
	l := New(Limits{RequestsPerSecond: 1000, Burst: 2})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "src-f"))
	l.Drain("src-f", time.Hour)

	// A different source key's bucket must be unaffected by src-f's drain.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "src-g"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
