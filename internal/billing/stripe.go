package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/customer"
	stripesub "github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
)

// SignatureHeader is the header Stripe signs webhooks with.
const SignatureHeader = "Stripe-Signature"

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	webhookSecret string
	priceIDs      map[string]string // plan id -> Stripe price id
}

// NewStripeProvider creates a StripeProvider. priceIDs maps plan ids to
// Stripe price ids.
func NewStripeProvider(apiKey, webhookSecret string, priceIDs map[string]string) *StripeProvider {
	stripe.Key = apiKey
	return &StripeProvider{webhookSecret: webhookSecret, priceIDs: priceIDs}
}

// CreateCustomer creates a Stripe customer tagged with the organization.
func (p *StripeProvider) CreateCustomer(_ context.Context, orgID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Email:    stripe.String(email),
		Metadata: map[string]string{MetaOrganizationID: orgID},
	}
	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: create stripe customer: %w", err)
	}
	return c.ID, nil
}

// CreateSubscription subscribes the customer to the plan's price. The
// organization and plan ride along as metadata, which Stripe copies onto
// the invoices it later reports through webhooks.
func (p *StripeProvider) CreateSubscription(_ context.Context, customerID, orgID, planID string) (string, error) {
	priceID, ok := p.priceIDs[planID]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		Metadata: map[string]string{
			MetaOrganizationID: orgID,
			MetaPlanID:         planID,
		},
	}
	sub, err := stripesub.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: create stripe subscription: %w", err)
	}
	return sub.ID, nil
}

// CancelSubscription cancels a Stripe subscription immediately.
func (p *StripeProvider) CancelSubscription(_ context.Context, externalRef string) error {
	if _, err := stripesub.Cancel(externalRef, &stripe.SubscriptionCancelParams{}); err != nil {
		return fmt.Errorf("billing: cancel stripe subscription: %w", err)
	}
	return nil
}

// stripeObject is the subset of invoice and subscription payloads we read.
// Decoding it ourselves keeps us independent of API-version field moves.
type stripeObject struct {
	ID                  string            `json:"id"`
	Metadata            map[string]string `json:"metadata"`
	AmountPaid          int64             `json:"amount_paid"`
	AmountDue           int64             `json:"amount_due"`
	Currency            string            `json:"currency"`
	Subscription        json.RawMessage   `json:"subscription"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

func (o *stripeObject) metadata(key string) string {
	if v := o.Metadata[key]; v != "" {
		return v
	}
	if o.SubscriptionDetails != nil {
		return o.SubscriptionDetails.Metadata[key]
	}
	return ""
}

// subscriptionID reads the invoice's subscription reference, which is
// either an id string or an expanded object.
func (o *stripeObject) subscriptionID() string {
	if len(o.Subscription) == 0 {
		return ""
	}
	var id string
	if json.Unmarshal(o.Subscription, &id) == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(o.Subscription, &obj) == nil {
		return obj.ID
	}
	return ""
}

// ParseWebhook verifies the Stripe signature and maps the event.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	out := &Event{ID: evt.ID, ProviderType: string(evt.Type), Type: EventIgnored}

	var kind EventType
	switch string(evt.Type) {
	case "invoice.paid", "invoice.payment_succeeded":
		kind = EventPaymentSucceeded
	case "invoice.payment_failed":
		kind = EventPaymentFailed
	case "customer.subscription.deleted":
		kind = EventSubscriptionCanceled
	default:
		return out, nil
	}

	var obj stripeObject
	if evt.Data == nil || json.Unmarshal(evt.Data.Raw, &obj) != nil {
		return nil, fmt.Errorf("billing: decode %s payload", evt.Type)
	}

	out.Type = kind
	out.OrganizationID = obj.metadata(MetaOrganizationID)
	out.PlanID = obj.metadata(MetaPlanID)
	out.Currency = obj.Currency
	switch kind {
	case EventSubscriptionCanceled:
		out.ExternalRef = obj.ID
	case EventPaymentSucceeded:
		out.ExternalRef = obj.subscriptionID()
		out.Amount = obj.AmountPaid
	case EventPaymentFailed:
		out.ExternalRef = obj.subscriptionID()
		out.Amount = obj.AmountDue
	}
	if out.OrganizationID == "" {
		return nil, fmt.Errorf("%w: %s %s", ErrMissingMetadata, evt.Type, evt.ID)
	}
	return out, nil
}

var _ Provider = (*StripeProvider)(nil)
