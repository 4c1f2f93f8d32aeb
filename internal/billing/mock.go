package billing

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
)

// MockProvider is an in-process Provider used in development and tests.
// Webhooks are Event JSON documents; the signature is the shared secret
// itself.
type MockProvider struct {
	mu sync.Mutex

	secret string

	// Customers maps organization id -> customer id.
	Customers map[string]string
	// Subscriptions maps external ref -> plan id.
	Subscriptions map[string]string
	// Canceled lists external refs passed to CancelSubscription.
	Canceled []string

	// Error fields let tests inject failures.
	CreateCustomerErr     error
	CreateSubscriptionErr error
	CancelSubscriptionErr error

	customerSeq int
	subSeq      int
}

// NewMockProvider creates a MockProvider that accepts webhooks signed with
// secret.
func NewMockProvider(secret string) *MockProvider {
	return &MockProvider{
		secret:        secret,
		Customers:     make(map[string]string),
		Subscriptions: make(map[string]string),
	}
}

func (m *MockProvider) CreateCustomer(_ context.Context, orgID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateCustomerErr != nil {
		return "", m.CreateCustomerErr
	}
	if id, ok := m.Customers[orgID]; ok {
		return id, nil
	}
	m.customerSeq++
	id := fmt.Sprintf("cus_mock_%d", m.customerSeq)
	m.Customers[orgID] = id
	return id, nil
}

func (m *MockProvider) CreateSubscription(_ context.Context, _, _, planID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateSubscriptionErr != nil {
		return "", m.CreateSubscriptionErr
	}
	m.subSeq++
	id := fmt.Sprintf("sub_mock_%d", m.subSeq)
	m.Subscriptions[id] = planID
	return id, nil
}

func (m *MockProvider) CancelSubscription(_ context.Context, externalRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelSubscriptionErr != nil {
		return m.CancelSubscriptionErr
	}
	m.Canceled = append(m.Canceled, externalRef)
	delete(m.Subscriptions, externalRef)
	return nil
}

func (m *MockProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if m.secret == "" || subtle.ConstantTimeCompare([]byte(signature), []byte(m.secret)) != 1 {
		return nil, ErrInvalidSignature
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("billing: decode mock event: %w", err)
	}
	if evt.Type == "" {
		evt.Type = EventIgnored
	}
	if evt.Type != EventIgnored && evt.OrganizationID == "" {
		return nil, ErrMissingMetadata
	}
	return &evt, nil
}

var _ Provider = (*MockProvider)(nil)
