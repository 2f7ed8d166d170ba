package credential

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/connectgate/internal/model"
)

type countingRefresher struct {
	calls   int32
	expires types.Null[types.Time]
	delay   time.Duration
}

func (r *countingRefresher) Refresh(ctx context.Context, previous *model.Credential) (model.Credential, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return model.Credential{Scheme: model.SchemeBearer, Value: "token", ExpiresAt: r.expires}, nil
}

func TestAcquireRejectsUnregisteredInstance(t *testing.T) {
	p := New()
	_, err := p.Acquire(context.Background(), "unknown")
	assert.Error(t, err)
}

func TestAcquireRefreshesOnFirstCall(t *testing.T) {
	p := New()
	r := &countingRefresher{}
	p.Register("inst-1", r)

	cred, err := p.Acquire(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "token", cred.Value)
	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestAcquireReusesValidCredential(t *testing.T) {
	p := New()
	future := time.Now().Add(time.Hour)
	r := &countingRefresher{expires: types.NewTimeNull(future)}
	p.Register("inst-2", r)

	_, err := p.Acquire(context.Background(), "inst-2")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "inst-2")
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestAcquireRefreshesWithinSafetyWindow(t *testing.T) {
	p := New()
	soon := time.Now().Add(30 * time.Second) // inside the 60s safety window
	r := &countingRefresher{expires: types.NewTimeNull(soon)}
	p.Register("inst-3", r)

	_, err := p.Acquire(context.Background(), "inst-3")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "inst-3")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&r.calls))
}

func TestAcquireSingleFlightsConcurrentRefreshes(t *testing.T) {
	p := New()
	past := time.Now().Add(-time.Second)
	r := &countingRefresher{expires: types.NewTimeNull(past), delay: 20 * time.Millisecond}
	p.Register("inst-4", r)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), "inst-4")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&r.calls))
}

func TestInvalidateForcesRefresh(t *testing.T) {
	p := New()
	future := time.Now().Add(time.Hour)
	r := &countingRefresher{expires: types.NewTimeNull(future)}
	p.Register("inst-5", r)

	_, err := p.Acquire(context.Background(), "inst-5")
	require.NoError(t, err)

	p.Invalidate("inst-5")

	_, err = p.Acquire(context.Background(), "inst-5")
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt32(&r.calls))
}
