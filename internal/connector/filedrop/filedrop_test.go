package filedrop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkSeen_DedupsSameChecksum(t *testing.T) {
	c := New("inst-1", nil, []SourceConfig{{Key: "drops"}})

	require.False(t, c.markSeen("drops", "abc"), "first sighting is never a duplicate")
	require.True(t, c.markSeen("drops", "abc"), "second sighting of the same checksum is a duplicate")
	require.False(t, c.markSeen("drops", "def"), "a different checksum is not a duplicate")
}

func TestChecksum_Deterministic(t *testing.T) {
	require.Equal(t, checksum([]byte("hello")), checksum([]byte("hello")))
	require.NotEqual(t, checksum([]byte("hello")), checksum([]byte("world")))
}
