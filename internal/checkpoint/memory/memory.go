// Package memory is the in-process Checkpoint Store, grounded on the
// teacher's internal/store/memory map-plus-mutex shape.
package memory

import (
	"context"
	"sync"

	"github.com/rakunlabs/connectgate/internal/model"
)

type key struct {
	instanceID string
	sourceKey  string
}

type Store struct {
	mu          sync.RWMutex
	checkpoints map[key]model.Checkpoint
}

func New() *Store {
	return &Store{checkpoints: make(map[key]model.Checkpoint)}
}

func (s *Store) Get(_ context.Context, instanceID, sourceKey string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[key{instanceID, sourceKey}]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *Store) Set(_ context.Context, instanceID, sourceKey string, cp model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Map assignment is the atomic-replace equivalent in memory: readers
	// always see either the old value or the new one, never a partial one.
	s.checkpoints[key{instanceID, sourceKey}] = cp
	return nil
}

func (s *Store) Delete(_ context.Context, instanceID, sourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, key{instanceID, sourceKey})
	return nil
}

func (s *Store) Close() {}
