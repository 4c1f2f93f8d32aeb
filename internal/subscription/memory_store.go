package subscription

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
	subs  map[string]*Subscription // by id
	byOrg map[string]string        // org id -> subscription id
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans: make(map[string]*Plan),
		subs:  make(map[string]*Subscription),
		byOrg: make(map[string]string),
	}
}

func (m *MemoryStore) CreatePlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.plans {
		if strings.EqualFold(existing.Name, p.Name) {
			return ErrPlanNameTaken
		}
	}
	m.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return clonePlan(p), nil
}

func (m *MemoryStore) GetPlanByName(_ context.Context, name string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.plans {
		if strings.EqualFold(p.Name, name) {
			return clonePlan(p), nil
		}
	}
	return nil, ErrPlanNotFound
}

func (m *MemoryStore) ListPlans(_ context.Context, publicOnly bool) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Plan
	for _, p := range m.plans {
		if publicOnly && !p.Public {
			continue
		}
		result = append(result, clonePlan(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Price != result[j].Price {
			return result[i].Price < result[j].Price
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (m *MemoryStore) UpdatePlan(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[p.ID]; !ok {
		return ErrPlanNotFound
	}
	for id, existing := range m.plans {
		if id != p.ID && strings.EqualFold(existing.Name, p.Name) {
			return ErrPlanNameTaken
		}
	}
	m.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOrg[s.OrganizationID]; exists {
		return ErrAlreadyExists
	}
	m.subs[s.ID] = cloneSub(s)
	m.byOrg[s.OrganizationID] = s.ID
	return nil
}

func (m *MemoryStore) GetByOrganization(_ context.Context, orgID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrg[orgID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return cloneSub(m.subs[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[s.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	m.subs[s.ID] = cloneSub(s)
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if s.Status == status {
		return false, nil
	}
	s.Status = status
	s.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ExpireLapsed(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subs[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if !s.Lapsed(now) {
		return false, nil
	}
	s.Status = StatusExpired
	s.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) ListLapsed(_ context.Context, now time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Subscription
	for _, s := range m.subs {
		if s.Lapsed(now) {
			result = append(result, cloneSub(s))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func clonePlan(p *Plan) *Plan {
	cp := *p
	cp.Features = slices.Clone(p.Features)
	return &cp
}

func cloneSub(s *Subscription) *Subscription {
	cp := *s
	cp.TrialExpiresAt = cloneTime(s.TrialExpiresAt)
	cp.CurrentPeriodEndsAt = cloneTime(s.CurrentPeriodEndsAt)
	cp.CanceledAt = cloneTime(s.CanceledAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
