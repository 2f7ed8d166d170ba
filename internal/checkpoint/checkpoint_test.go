package checkpoint_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/checkpoint"
	"github.com/rakunlabs/connectgate/internal/model"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cp := model.Checkpoint{
		Cursor:           "abc123",
		UpdatedAt:        time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC),
		RecordsProcessed: 42,
	}

	data, err := checkpoint.Encode(cp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"v":1`)

	decoded, ok, err := checkpoint.Decode(data)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cp.Cursor, decoded.Cursor)
	assert.Equal(t, cp.RecordsProcessed, decoded.RecordsProcessed)
	assert.True(t, cp.UpdatedAt.Equal(decoded.UpdatedAt))
}

func TestDecodeUnknownVersionForcesFullSync(t *testing.T) {
	_, ok, err := checkpoint.Decode([]byte(`{"v":99,"cursor":"x"}`))
	require.NoError(t, err)
	assert.False(t, ok)
}
