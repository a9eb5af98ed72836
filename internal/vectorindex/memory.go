package vectorindex

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend is a brute-force in-process Backend. Contents are lost on exit.
type MemoryBackend struct {
	mu        sync.RWMutex
	dimension int
	spaces    map[string]map[string]Vector
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{spaces: make(map[string]map[string]Vector)}
}

func (m *MemoryBackend) EnsureIndex(_ context.Context, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension != 0 && dimension != 0 && m.dimension != dimension {
		return fmt.Errorf("%w: index has %d, got %d", ErrDimensionMismatch, m.dimension, dimension)
	}
	if m.dimension == 0 {
		m.dimension = dimension
	}
	return nil
}

func (m *MemoryBackend) Upsert(_ context.Context, namespace string, vectors []Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	space, ok := m.spaces[namespace]
	if !ok {
		space = make(map[string]Vector)
		m.spaces[namespace] = space
	}
	for _, v := range vectors {
		if m.dimension != 0 && len(v.Values) != m.dimension {
			return fmt.Errorf("%w: vector %q has %d values", ErrDimensionMismatch, v.ID, len(v.Values))
		}
		values := make([]float32, len(v.Values))
		copy(values, v.Values)
		meta := make(map[string]any, len(v.Metadata))
		for k, val := range v.Metadata {
			meta[k] = val
		}
		space[v.ID] = Vector{ID: v.ID, Values: values, Metadata: meta}
	}
	return nil
}

func (m *MemoryBackend) Query(_ context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	space := m.spaces[namespace]
	matches := make([]Match, 0, len(space))
	for _, v := range space {
		if !matchesFilter(v.Metadata, filter) {
			continue
		}
		matches = append(matches, Match{
			ID:       v.ID,
			Metadata: v.Metadata,
			Score:    cosineSimilarity(vector, v.Values),
		})
	}
	return topKMatches(matches, topK), nil
}

// Len reports how many vectors a namespace holds.
func (m *MemoryBackend) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spaces[namespace])
}
