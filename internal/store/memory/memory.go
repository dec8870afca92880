// Package memory provides an in-process store.VectorStore.
// It is intended for tests and single-instance development; records are lost on exit.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/thebtf/entmatch/internal/store"
	"github.com/thebtf/entmatch/pkg/models"
)

// Store keeps cluster records in memory, in insertion order.
type Store struct {
	records map[string]*models.ClusterRecord
	order   []string
	mu      sync.RWMutex
}

// Compile-time check that Store implements store.VectorStore
var _ store.VectorStore = (*Store)(nil)

// New creates an empty memory store.
func New() *Store {
	return &Store{records: make(map[string]*models.ClusterRecord)}
}

// ListClusters returns copies of all records in insertion order.
func (s *Store) ListClusters(_ context.Context) ([]*models.ClusterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.ClusterRecord, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.records[id].Clone())
	}
	return result, nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(_ context.Context, id string) (*models.ClusterRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// Size returns the member count of a cluster.
func (s *Store) Size(_ context.Context, id string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return 0, false, nil
	}
	return rec.Size(), true, nil
}

// Sizes returns the member count of every cluster in insertion order.
func (s *Store) Sizes(_ context.Context) ([]models.ClusterSize, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sizes := make([]models.ClusterSize, 0, len(s.order))
	for _, id := range s.order {
		sizes = append(sizes, models.ClusterSize{ID: id, Size: s.records[id].Size()})
	}
	return sizes, nil
}

// Count returns the number of clusters.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order), nil
}

// Put creates or overwrites a record.
func (s *Store) Put(_ context.Context, rec *models.ClusterRecord) error {
	if err := store.ValidateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// PutIfAbsent creates rec unless a record with its id already exists.
func (s *Store) PutIfAbsent(_ context.Context, rec *models.ClusterRecord) (bool, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return false, nil
	}
	s.order = append(s.order, rec.ID)
	s.records[rec.ID] = rec.Clone()
	return true, nil
}

// AppendMember appends a mention to an existing cluster.
func (s *Store) AppendMember(_ context.Context, id, mention string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return store.ErrNotFound
	}
	rec.Members = append(rec.Members, mention)
	return nil
}

// Delete removes a record.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
