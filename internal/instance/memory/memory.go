// Package memory is the in-process Connector Instance Store, grounded on
// the teacher's internal/store/memory map-plus-mutex shape.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/instance"
)

type Store struct {
	mu        sync.RWMutex
	instances map[string]instance.Instance
}

func New() *Store {
	return &Store{instances: make(map[string]instance.Instance)}
}

func (s *Store) List(_ context.Context) ([]instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]instance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Get(_ context.Context, id string) (*instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, &errtax.NotFoundError{Op: "instance.Get", Resource: "instance", ID: id}
	}
	return &inst, nil
}

func (s *Store) Create(_ context.Context, inst instance.Instance) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst.ID = "inst_" + ulid.Make().String()
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	s.instances[inst.ID] = inst
	return &inst, nil
}

func (s *Store) Update(_ context.Context, id string, inst instance.Instance) (*instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[id]
	if !ok {
		return nil, &errtax.NotFoundError{Op: "instance.Update", Resource: "instance", ID: id}
	}

	inst.ID = id
	inst.CreatedAt = existing.CreatedAt
	inst.UpdatedAt = time.Now().UTC()

	s.instances[id] = inst
	return &inst, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[id]; !ok {
		return &errtax.NotFoundError{Op: "instance.Delete", Resource: "instance", ID: id}
	}
	delete(s.instances, id)
	return nil
}

func (s *Store) Close() error { return nil }
