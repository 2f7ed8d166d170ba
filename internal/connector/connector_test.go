package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/connectgate/internal/model"
)

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{Name: "rest", SyncStrategy: model.SyncPull})

	def, ok := r.Get("rest")
	require.True(t, ok)
	assert.Equal(t, model.SyncPull, def.SyncStrategy)
}

func TestRegistryDuplicateNamePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{Name: "rest"})

	assert.Panics(t, func() {
		r.Register(Definition{Name: "rest"})
	})
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(Definition{Name: "rest"})
	r.Register(Definition{Name: "filedrop"})

	defs := r.List()
	assert.Len(t, defs, 2)
}
