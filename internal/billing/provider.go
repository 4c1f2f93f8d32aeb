// Package billing adapts a payment provider to the subscription lifecycle:
// provider events become subscription transitions plus audit entries.
package billing

import (
	"context"
	"errors"
)

// Errors
var (
	ErrInvalidSignature = errors.New("billing: webhook signature verification failed")
	ErrUnknownPlan      = errors.New("billing: no provider price configured for plan")
	ErrMissingMetadata  = errors.New("billing: event is missing organization metadata")
)

// Metadata keys stamped on provider objects so webhooks can be routed back.
const (
	MetaOrganizationID = "organization_id"
	MetaPlanID         = "plan_id"
)

// EventType is a provider-neutral billing event.
type EventType string

const (
	EventPaymentSucceeded     EventType = "payment_succeeded"
	EventPaymentFailed        EventType = "payment_failed"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	// EventIgnored covers provider events this service does not act on.
	EventIgnored EventType = "ignored"
)

// Event is a verified webhook, reduced to what the subscription lifecycle
// needs.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ProviderType   string    `json:"providerType,omitempty"`
	OrganizationID string    `json:"organizationId,omitempty"`
	PlanID         string    `json:"planId,omitempty"`
	ExternalRef    string    `json:"externalRef,omitempty"`
	Amount         int64     `json:"amount,omitempty"` // minor units
	Currency       string    `json:"currency,omitempty"`
}

// Provider abstracts the payment processor.
type Provider interface {
	// CreateCustomer registers a billing customer for the organization.
	CreateCustomer(ctx context.Context, orgID, email string) (customerID string, err error)
	// CreateSubscription starts a provider subscription for planID.
	CreateSubscription(ctx context.Context, customerID, orgID, planID string) (externalRef string, err error)
	// CancelSubscription cancels a provider subscription.
	CancelSubscription(ctx context.Context, externalRef string) error
	// ParseWebhook verifies the signature and decodes the payload.
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
