package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/estatedesk/internal/circuitbreaker"
)

// ErrProviderUnavailable is returned while the provider circuit is open.
var ErrProviderUnavailable = errors.New("billing: payment provider temporarily unavailable")

const breakerKey = "billing_provider"

// GuardedProvider stops calling the payment provider after repeated
// failures. Webhook parsing is local and is never guarded.
type GuardedProvider struct {
	Provider
	breaker *circuitbreaker.Breaker
}

// Guard wraps p with breaker.
func Guard(p Provider, breaker *circuitbreaker.Breaker) *GuardedProvider {
	return &GuardedProvider{Provider: p, breaker: breaker}
}

// callerError reports errors the provider did not cause.
func callerError(err error) bool {
	return errors.Is(err, ErrUnknownPlan) || errors.Is(err, context.Canceled)
}

func (g *GuardedProvider) do(fn func() error) error {
	err := g.breaker.Do(breakerKey, fn, callerError)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	return err
}

func (g *GuardedProvider) CreateCustomer(ctx context.Context, orgID, email string) (string, error) {
	var id string
	err := g.do(func() error {
		var err error
		id, err = g.Provider.CreateCustomer(ctx, orgID, email)
		return err
	})
	return id, err
}

func (g *GuardedProvider) CreateSubscription(ctx context.Context, customerID, orgID, planID string) (string, error) {
	var ref string
	err := g.do(func() error {
		var err error
		ref, err = g.Provider.CreateSubscription(ctx, customerID, orgID, planID)
		return err
	})
	return ref, err
}

func (g *GuardedProvider) CancelSubscription(ctx context.Context, externalRef string) error {
	return g.do(func() error {
		return g.Provider.CancelSubscription(ctx, externalRef)
	})
}

var _ Provider = (*GuardedProvider)(nil)
