package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.OrderID == orderID && d.Status != StatusResolved {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status != status {
			continue
		}
		cp := *d
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
