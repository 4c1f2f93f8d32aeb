package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/estatedesk/internal/idgen"
	"github.com/mbd888/estatedesk/internal/metrics"
	"github.com/mbd888/estatedesk/internal/syncutil"
)

// DefaultTrialDays is the trial window opened at registration.
const DefaultTrialDays = 7

// Expiry sources, used as the metrics label.
const (
	SourceLazy  = "lazy"
	SourceSweep = "sweep"
)

// Service implements the subscription lifecycle. One instance is built at
// startup and shared by every handler.
type Service struct {
	store     Store
	logger    *slog.Logger
	trialDays int
	now       func() time.Time

	// locks serializes read-modify-write transitions per organization.
	locks syncutil.KeyLock
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTrialDays sets the default trial length. Values <= 0 are ignored.
func WithTrialDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.trialDays = days
		}
	}
}

// NewService creates a new subscription service.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		logger:    logger,
		trialDays: DefaultTrialDays,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Lookup returns the organization's subscription.
func (s *Service) Lookup(ctx context.Context, orgID string) (*Subscription, error) {
	return s.store.GetByOrganization(ctx, orgID)
}

// Plan returns a plan by id.
func (s *Service) Plan(ctx context.Context, id string) (*Plan, error) {
	return s.store.GetPlan(ctx, id)
}

// StartTrial opens a trialing subscription for a new organization. With no
// planID the cheapest public plan is used.
func (s *Service) StartTrial(ctx context.Context, orgID, planID string) (*Subscription, error) {
	unlock, err := s.locks.Lock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, err := s.trialPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	days := s.trialDays
	if plan.TrialDays > 0 {
		days = plan.TrialDays
	}
	now := s.now()
	trialEnds := now.AddDate(0, 0, days)

	sub := &Subscription{
		ID:             idgen.WithPrefix(idgen.PrefixSubscription),
		OrganizationID: orgID,
		PlanID:         plan.ID,
		Status:         StatusTrialing,
		TrialExpiresAt: &trialEnds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("trial started", "org_id", orgID, "plan", plan.Name, "trial_expires_at", trialEnds)
	return sub, nil
}

func (s *Service) trialPlan(ctx context.Context, planID string) (*Plan, error) {
	if planID != "" {
		return s.store.GetPlan(ctx, planID)
	}
	plans, err := s.store.ListPlans(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, ErrNoTrialPlan
	}
	return plans[0], nil
}

// Activate moves the organization onto planID after a successful payment and
// starts a new billing period. A subscription is created when none exists.
func (s *Service) Activate(ctx context.Context, orgID, planID, externalRef string) (*Subscription, error) {
	unlock, err := s.locks.Lock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	periodEnds := plan.Duration.Advance(now)

	sub, err := s.store.GetByOrganization(ctx, orgID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		sub = &Subscription{
			ID:                  idgen.WithPrefix(idgen.PrefixSubscription),
			OrganizationID:      orgID,
			PlanID:              plan.ID,
			Status:              StatusActive,
			CurrentPeriodEndsAt: &periodEnds,
			ExternalRef:         externalRef,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := s.store.Create(ctx, sub); err != nil {
			return nil, err
		}
		s.logger.Info("subscription activated", "org_id", orgID, "plan", plan.Name)
		return sub, nil
	}
	if err != nil {
		return nil, err
	}

	sub.PlanID = plan.ID
	sub.Status = StatusActive
	sub.TrialExpiresAt = nil
	sub.CurrentPeriodEndsAt = &periodEnds
	sub.CanceledAt = nil
	if externalRef != "" {
		sub.ExternalRef = externalRef
	}
	sub.UpdatedAt = now
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("subscription activated", "org_id", orgID, "plan", plan.Name, "period_ends_at", periodEnds)
	return sub, nil
}

// Cancel marks the subscription canceled. Canceling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, orgID string) (*Subscription, error) {
	unlock, err := s.locks.Lock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := s.store.GetByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.Status == StatusCanceled {
		return sub, nil
	}

	now := s.now()
	sub.Status = StatusCanceled
	sub.CanceledAt = &now
	sub.UpdatedAt = now
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription canceled", "org_id", orgID)
	return sub, nil
}

// Reactivate undoes a cancellation while the time already granted is still
// running: a canceled trial resumes trialing, a canceled paid subscription
// becomes active until its existing period end. Bounds are never extended;
// lapsed or never-paid subscriptions must go through checkout.
func (s *Service) Reactivate(ctx context.Context, orgID string) (*Subscription, error) {
	unlock, err := s.locks.Lock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := s.store.GetByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub.Status != StatusCanceled {
		return nil, fmt.Errorf("%w: only a canceled subscription can be reactivated", ErrInvalidTransition)
	}

	now := s.now()
	switch {
	case sub.TrialExpiresAt != nil && sub.TrialExpiresAt.After(now):
		sub.Status = StatusTrialing
	case sub.TrialExpiresAt == nil && sub.CurrentPeriodEndsAt != nil && sub.CurrentPeriodEndsAt.After(now):
		sub.Status = StatusActive
	default:
		return nil, fmt.Errorf("%w: the paid period has ended, choose a plan to continue", ErrInvalidTransition)
	}
	sub.CanceledAt = nil
	sub.UpdatedAt = now
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription reactivated", "org_id", orgID, "status", sub.Status, "expires_at", sub.ExpiresAt())
	return sub, nil
}

// MarkPastDue records a failed renewal. Lifetime and canceled subscriptions
// are untouched.
func (s *Service) MarkPastDue(ctx context.Context, orgID string) (*Subscription, error) {
	unlock, err := s.locks.Lock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := s.store.GetByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	// A late failure notice must not revive a canceled subscription.
	if sub.IsLifetime || sub.Status == StatusCanceled {
		return sub, nil
	}
	if _, err := s.store.SetStatus(ctx, sub.ID, StatusPastDue, s.now()); err != nil {
		return nil, err
	}
	sub.Status = StatusPastDue
	s.logger.Warn("subscription past due", "org_id", orgID)
	return sub, nil
}

// SetLifetime grants or revokes the lifetime override. Granting also makes
// the subscription active.
func (s *Service) SetLifetime(ctx context.Context, orgID string, lifetime bool) (*Subscription, error) {
	unlock, err := s.locks.Lock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := s.store.GetByOrganization(ctx, orgID)
	if err != nil {
		return nil, err
	}
	sub.IsLifetime = lifetime
	if lifetime {
		sub.Status = StatusActive
		sub.CanceledAt = nil
	}
	sub.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("lifetime override changed", "org_id", orgID, "lifetime", lifetime)
	return sub, nil
}

// Expire moves a lapsed subscription to expired. The write is conditional on
// the stored row still being lapsed, so a renewal that landed after sub was
// read wins; in that case sub is refreshed from the store. The write runs on
// a context detached from ctx's cancellation so a client hanging up
// mid-request cannot leave the record stale. It reports whether this call
// changed the row.
func (s *Service) Expire(ctx context.Context, sub *Subscription) (bool, error) {
	return s.expire(ctx, sub, SourceLazy)
}

func (s *Service) expire(ctx context.Context, sub *Subscription, source string) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	changed, err := s.store.ExpireLapsed(ctx, sub.ID, s.now())
	if err != nil {
		return false, err
	}
	if !changed {
		current, err := s.store.GetByOrganization(ctx, sub.OrganizationID)
		if err != nil {
			return false, err
		}
		*sub = *current
		return false, nil
	}
	sub.Status = StatusExpired
	metrics.SubscriptionExpiriesTotal.WithLabelValues(source).Inc()
	s.logger.Info("subscription expired", "org_id", sub.OrganizationID, "subscription_id", sub.ID, "source", source)
	return true, nil
}

// Status reports the organization's billing state.
func (s *Service) Status(ctx context.Context, orgID string) (*StatusReport, error) {
	sub, err := s.store.GetByOrganization(ctx, orgID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return &StatusReport{HasSubscription: false}, nil
	}
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		HasSubscription: true,
		Status:          sub.Status,
		IsExpired:       sub.Status == StatusExpired || sub.Lapsed(s.now()),
		ExpiresAt:       sub.ExpiresAt(),
		IsLifetime:      sub.IsLifetime,
	}
	if plan, err := s.store.GetPlan(ctx, sub.PlanID); err == nil {
		report.Plan = plan
	}
	return report, nil
}

// ListPlans returns the plan catalog, cheapest first.
func (s *Service) ListPlans(ctx context.Context, publicOnly bool) ([]*Plan, error) {
	return s.store.ListPlans(ctx, publicOnly)
}

// CreatePlan validates and stores a new plan.
func (s *Service) CreatePlan(ctx context.Context, p Plan) (*Plan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	p.ID = idgen.WithPrefix(idgen.PrefixPlan)
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.CreatePlan(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePlan replaces the mutable fields of plan id.
func (s *Service) UpdatePlan(ctx context.Context, id string, p Plan) (*Plan, error) {
	existing, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	if err := s.store.UpdatePlan(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SeedPlans creates each plan whose name is not already taken.
func (s *Service) SeedPlans(ctx context.Context, plans []Plan) (int, error) {
	created := 0
	for _, p := range plans {
		if _, err := s.store.GetPlanByName(ctx, p.Name); err == nil {
			continue
		} else if !errors.Is(err, ErrPlanNotFound) {
			return created, err
		}
		if _, err := s.CreatePlan(ctx, p); err != nil && !errors.Is(err, ErrPlanNameTaken) {
			return created, fmt.Errorf("seed plan %q: %w", p.Name, err)
		}
		created++
	}
	return created, nil
}
