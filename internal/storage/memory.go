package storage

import (
	"context"
	"sync"

	"github.com/example/tow-dispatch/internal/models"
)

// MemoryStore keeps requests in a map and remembers insertion order for listing.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.DispatchRequest
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]models.DispatchRequest)}
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.DispatchRequest, error) {
	if err := ctx.Err(); err != nil {
		return models.DispatchRequest{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.DispatchRequest{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) SaveRequest(ctx context.Context, r models.DispatchRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) ListRequests(ctx context.Context, f Filter) ([]models.DispatchRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.DispatchRequest, 0)
	for _, id := range m.order {
		r := m.requests[id]
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}
