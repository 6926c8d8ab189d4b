package events

import (
	"context"
	"sync"
)

// MemorySubscriptionStore is an in-memory SubscriptionStore for
// development and tests.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
}

func (m *MemorySubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemorySubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemorySubscriptionStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		cp := *sub
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemorySubscriptionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)
