package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/openmarkets/clearing-engine/internal/model"
)

// MemoryRegistry is an in-process Registry used for testing and
// development. AddSeries is not part of the Registry interface (the
// clearing engine never writes series), but tests and local setups need
// a way to seed reference data.
type MemoryRegistry struct {
	mu     sync.RWMutex
	series map[string]model.Series
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{series: make(map[string]model.Series)}
}

// AddSeries registers a series. Duplicate IDs are rejected.
func (r *MemoryRegistry) AddSeries(s model.Series) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.series[s.ID]; ok {
		return fmt.Errorf("series %s already exists", s.ID)
	}
	r.series[s.ID] = s
	return nil
}

func (r *MemoryRegistry) GetSeries(_ context.Context, seriesID string) (*model.Series, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.series[seriesID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, seriesID)
	}
	copy := s
	return &copy, nil
}

func (r *MemoryRegistry) ListSeries(_ context.Context) ([]model.Series, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Series, 0, len(r.series))
	for _, s := range r.series {
		out = append(out, s)
	}
	return out, nil
}
