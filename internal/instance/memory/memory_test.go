package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/connector"
	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/instance"
)

func TestStore_CreateGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	s := New()

	created, err := s.Create(ctx, instance.Instance{
		ConnectorName: "rest",
		Config:        map[string]any{"base_url": "https://api.example.com"},
		Schedules:     map[string]connector.Schedule{"widgets": {Interval: "5m"}},
		Enabled:       true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ConnectorName, got.ConnectorName)

	updated, err := s.Update(ctx, created.ID, instance.Instance{
		ConnectorName: "rest",
		Config:        map[string]any{"base_url": "https://api2.example.com"},
		Enabled:       false,
	})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)
	require.False(t, updated.Enabled)

	require.NoError(t, s.Delete(ctx, created.ID))

	_, err = s.Get(ctx, created.ID)
	var notFound *errtax.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStore_GetMissing(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "inst_missing")
	var notFound *errtax.NotFoundError
	require.ErrorAs(t, err, &notFound)
}
