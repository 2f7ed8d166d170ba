package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/connectgate/internal/runtime"
	"github.com/rakunlabs/connectgate/internal/transform"
)

func TestCronSpec(t *testing.T) {
	spec, ok := cronSpec(connector.Schedule{Cron: "*/5 * * * *"})
	require.True(t, ok)
	require.Equal(t, "*/5 * * * *", spec)

	spec, ok = cronSpec(connector.Schedule{Interval: "30s"})
	require.True(t, ok)
	require.Equal(t, "@every 30s", spec)

	_, ok = cronSpec(connector.Schedule{})
	require.False(t, ok)
}

func TestIsAlreadyRunning(t *testing.T) {
	require.True(t, isAlreadyRunning(&errtax.AlreadyRunningError{InstanceID: "i", SourceKey: "s"}))
	require.False(t, isAlreadyRunning(&errtax.ValidationError{Op: "op", Message: "bad"}))
}

// fakeConnector is the minimal runtime.Connector needed to exercise the
// scheduler's firing and skip-counting logic without a real connector.
type fakeConnector struct{ id string }

func (f fakeConnector) InstanceID() string { return f.id }
func (f fakeConnector) Sources() []string  { return []string{"only"} }
func (f fakeConnector) Pull(ctx context.Context, sourceKey string, params model.SyncParams) ([]transform.Record, string, bool, error) {
	return nil, "", false, nil
}
func (f fakeConnector) Transformer(sourceKey string) *transform.Transformer { return nil }

var _ runtime.Connector = fakeConnector{}

type fakePuller struct {
	err error
}

func (f *fakePuller) PullSource(conn runtime.Connector, sourceKey string, params model.SyncParams) (*model.Job, error) {
	return nil, f.err
}

func TestMakeCronFunc_SkipsOnAlreadyRunning(t *testing.T) {
	puller := &fakePuller{err: &errtax.AlreadyRunningError{InstanceID: "inst-1", SourceKey: "only"}}
	s := New(puller, nil)

	conn := fakeConnector{id: "inst-1"}
	fn := s.makeCronFunc(entry{instanceID: "inst-1", sourceKey: "only", conn: conn})

	require.NoError(t, fn(context.Background()))
	require.Equal(t, 1, s.Skipped("inst-1", "only"))
}
