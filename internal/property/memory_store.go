package property

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory property store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	props map[string]*Property
}

// NewMemoryStore creates a new in-memory property store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{props: make(map[string]*Property)}
}

func (m *MemoryStore) Create(_ context.Context, p *Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.props[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orgID, id string) (*Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.props[id]
	if !ok || p.OrganizationID != orgID {
		return nil, ErrPropertyNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, orgID string) ([]*Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Property
	for _, p := range m.props {
		if p.OrganizationID == orgID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context, orgID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.props {
		if p.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Update(_ context.Context, p *Property) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.props[p.ID]
	if !ok || existing.OrganizationID != p.OrganizationID {
		return ErrPropertyNotFound
	}
	cp := *p
	m.props[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, orgID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.props[id]
	if !ok || p.OrganizationID != orgID {
		return ErrPropertyNotFound
	}
	delete(m.props, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
