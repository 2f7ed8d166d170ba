package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	checkpointmem "github.com/rakunlabs/connectgate/internal/checkpoint/memory"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/ratelimit"
	"github.com/rakunlabs/connectgate/internal/runtime"
	"github.com/rakunlabs/connectgate/internal/transform"
)

// fakeConnector returns one empty page per source and is immediately done,
// so runPull never touches the uploader.
type fakeConnector struct {
	instanceID string
	sources    []string
	transformers map[string]*transform.Transformer
}

func (f *fakeConnector) InstanceID() string   { return f.instanceID }
func (f *fakeConnector) Sources() []string    { return f.sources }
func (f *fakeConnector) Transformer(sourceKey string) *transform.Transformer {
	return f.transformers[sourceKey]
}

func (f *fakeConnector) Pull(ctx context.Context, sourceKey string, params model.SyncParams) ([]transform.Record, string, bool, error) {
	return nil, "", false, nil
}

func newTestRuntime() *runtime.Runtime {
	return runtime.New(runtime.Config{
		Checkpoints: checkpointmem.New(),
		Limiter:     ratelimit.New(ratelimit.Limits{RequestsPerSecond: 100, Burst: 100}),
	})
}

func TestPullSource_RejectsDuplicateWhileRunning(t *testing.T) {
	r := newTestRuntime()
	conn := &fakeConnector{
		instanceID:   "inst-1",
		sources:      []string{"orders"},
		transformers: map[string]*transform.Transformer{"orders": transform.New(transform.Config{PrimaryKeyField: "id"})},
	}

	job, err := r.PullSource(conn, "orders", model.SyncParams{})
	require.NoError(t, err)
	require.NotNil(t, job)

	_, err = r.PullSource(conn, "orders", model.SyncParams{})
	var already *errtax.AlreadyRunningError
	assert.ErrorAs(t, err, &already)
}

func TestPullSource_CompletesAndReleasesSlot(t *testing.T) {
	r := newTestRuntime()
	conn := &fakeConnector{
		instanceID:   "inst-2",
		sources:      []string{"orders"},
		transformers: map[string]*transform.Transformer{"orders": transform.New(transform.Config{PrimaryKeyField: "id"})},
	}

	job, err := r.PullSource(conn, "orders", model.SyncParams{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := r.Job(job.ID)
		return ok && got.Status == model.JobCompleted
	}, time.Second, 10*time.Millisecond)

	// The slot freed up, so a second pull against the same source succeeds.
	_, err = r.PullSource(conn, "orders", model.SyncParams{})
	assert.NoError(t, err)
}

func TestCancel_UnknownJobReturnsFalse(t *testing.T) {
	r := newTestRuntime()
	assert.False(t, r.Cancel("does-not-exist"))
}
