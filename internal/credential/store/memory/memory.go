// Package memory is the in-process Credential Store, grounded on the
// teacher's internal/store/memory map-plus-mutex shape. Intended for tests
// and single-process demo deployments; secrets are held in the clear since
// there is no at-rest boundary to cross.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/rakunlabs/connectgate/internal/credential"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]credential.Record
}

func New() *Store {
	return &Store{records: make(map[string]credential.Record)}
}

func (s *Store) Get(_ context.Context, instanceID string) (*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[instanceID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) Put(_ context.Context, r credential.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[r.InstanceID] = r
	return nil
}

func (s *Store) Delete(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, instanceID)
	return nil
}

func (s *Store) List(_ context.Context) ([]credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]credential.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func (s *Store) Close() {}
