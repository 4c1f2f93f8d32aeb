package subscription

import (
	"context"
	"time"
)

// Store persists plans and subscriptions.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	GetPlanByName(ctx context.Context, name string) (*Plan, error)
	ListPlans(ctx context.Context, publicOnly bool) ([]*Plan, error) // ordered by price ascending
	UpdatePlan(ctx context.Context, p *Plan) error

	Create(ctx context.Context, s *Subscription) error
	GetByOrganization(ctx context.Context, orgID string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error

	// SetStatus writes only the status column. Writing the value a row
	// already holds is a no-op. Returns whether the row changed.
	SetStatus(ctx context.Context, id string, status Status, at time.Time) (bool, error)

	// ExpireLapsed moves the row to expired only if, as stored, it is still
	// lapsed at now (see Subscription.Lapsed). A row renewed or made
	// lifetime since it was read is left alone. Returns whether the row
	// changed.
	ExpireLapsed(ctx context.Context, id string, now time.Time) (bool, error)

	// ListLapsed returns non-lifetime subscriptions whose trial or period
	// ended before now and whose status is not yet expired.
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}
