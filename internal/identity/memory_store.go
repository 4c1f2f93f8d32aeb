package identity

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is an in-memory identity store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	orgs    map[string]*Organization
	users   map[string]*User
	byEmail map[string]string // lower(email) -> user id
}

// NewMemoryStore creates a new in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:    make(map[string]*Organization),
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) CreateOrganization(_ context.Context, org *Organization) error {
	if err := org.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *org
	cp.Members = slices.Clone(org.Members)
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrOrganizationNotFound
	}
	cp := *o
	cp.Members = slices.Clone(o.Members)
	return &cp, nil
}

func (m *MemoryStore) AddMember(_ context.Context, orgID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[orgID]
	if !ok {
		return ErrOrganizationNotFound
	}
	if !slices.Contains(o.Members, userID) {
		o.Members = append(o.Members, userID)
	}
	return nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(u.Email)
	if _, exists := m.byEmail[key]; exists {
		return ErrEmailTaken
	}
	cp := *u
	m.users[u.ID] = &cp
	m.byEmail[key] = u.ID
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
