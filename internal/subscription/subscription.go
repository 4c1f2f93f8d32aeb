// Package subscription owns plans and the per-organization billing state
// that the access gate reads.
//
// Lifecycle:
//
//	trialing --(trial elapses)--> expired
//	trialing|expired|past_due --(payment)--> active
//	active --(period elapses)--> expired
//	active --(payment failure)--> past_due
//	any --(cancel)--> canceled --(reactivate, bound not reached)--> trialing|active
//
// Lifetime subscriptions never expire.
package subscription

import (
	"errors"
	"slices"
	"time"
)

// Errors
var (
	ErrPlanNotFound         = errors.New("subscription: plan not found")
	ErrPlanNameTaken        = errors.New("subscription: plan name already exists")
	ErrInvalidPlan          = errors.New("subscription: invalid plan")
	ErrSubscriptionNotFound = errors.New("subscription: not found")
	ErrAlreadyExists        = errors.New("subscription: organization already has a subscription")
	ErrInvalidStatus        = errors.New("subscription: invalid status")
	ErrInvalidTransition    = errors.New("subscription: invalid status transition")
	ErrNoTrialPlan          = errors.New("subscription: no trial plan available")
)

// Status is the billing state of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusCanceled Status = "canceled"
	StatusPastDue  Status = "past_due"
	StatusExpired  Status = "expired"
)

var allStatuses = []Status{
	StatusTrialing, StatusActive, StatusInactive,
	StatusCanceled, StatusPastDue, StatusExpired,
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	return slices.Contains(allStatuses, s)
}

// GrantsAccess reports whether the status alone allows full access.
func (s Status) GrantsAccess() bool {
	return s == StatusActive || s == StatusTrialing
}

// Duration is a plan's billing interval.
type Duration string

const (
	Monthly Duration = "monthly"
	Yearly  Duration = "yearly"
)

// Advance returns t moved forward by one billing interval.
func (d Duration) Advance(t time.Time) time.Time {
	if d == Yearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Unlimited is the limit sentinel meaning "no cap".
const Unlimited = -1

// LimitKind names a countable resource capped by a plan.
type LimitKind string

const (
	LimitProperties LimitKind = "properties"
	LimitTenants    LimitKind = "tenants"
	LimitAgents     LimitKind = "agents"
)

// Limits caps usage per organization.
type Limits struct {
	MaxProperties int `json:"maxProperties"`
	MaxTenants    int `json:"maxTenants"`
	MaxAgents     int `json:"maxAgents"`
}

// Max returns the cap for kind.
func (l Limits) Max(kind LimitKind) int {
	switch kind {
	case LimitProperties:
		return l.MaxProperties
	case LimitTenants:
		return l.MaxTenants
	case LimitAgents:
		return l.MaxAgents
	}
	return 0
}

// Allows reports whether one more resource of kind may be created when
// current already exist.
func (l Limits) Allows(kind LimitKind, current int) bool {
	maxN := l.Max(kind)
	return maxN == Unlimited || current < maxN
}

// Plan is a priced feature tier.
type Plan struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     int64     `json:"price"` // minor currency units
	Currency  string    `json:"currency"`
	Duration  Duration  `json:"duration"`
	Features  []string  `json:"features"`
	Limits    Limits    `json:"limits"`
	Public    bool      `json:"isPublic"`
	TrialDays int       `json:"trialDays,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasFeature reports whether name is in the plan's feature list.
func (p *Plan) HasFeature(name string) bool {
	return slices.Contains(p.Features, name)
}

// Validate checks the plan fields.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return errors.Join(ErrInvalidPlan, errors.New("name is required"))
	}
	if p.Price < 0 {
		return errors.Join(ErrInvalidPlan, errors.New("price must not be negative"))
	}
	if p.Duration != Monthly && p.Duration != Yearly {
		return errors.Join(ErrInvalidPlan, errors.New("duration must be monthly or yearly"))
	}
	for _, n := range []int{p.Limits.MaxProperties, p.Limits.MaxTenants, p.Limits.MaxAgents} {
		if n < Unlimited {
			return errors.Join(ErrInvalidPlan, errors.New("limits must be -1 or non-negative"))
		}
	}
	return nil
}

// Subscription is the billing state of one organization.
type Subscription struct {
	ID                  string     `json:"id"`
	OrganizationID      string     `json:"organizationId"`
	PlanID              string     `json:"planId"`
	Status              Status     `json:"status"`
	IsLifetime          bool       `json:"isLifetime"`
	TrialExpiresAt      *time.Time `json:"trialExpiresAt,omitempty"`
	CurrentPeriodEndsAt *time.Time `json:"currentPeriodEndsAt,omitempty"`
	ExternalRef         string     `json:"externalRef,omitempty"`
	CanceledAt          *time.Time `json:"canceledAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Lapsed reports whether a time bound has passed and the status should be
// moved to expired. Lifetime and already-expired subscriptions never lapse.
func (s *Subscription) Lapsed(now time.Time) bool {
	if s.IsLifetime || s.Status == StatusExpired {
		return false
	}
	if s.Status == StatusTrialing && s.TrialExpiresAt != nil && s.TrialExpiresAt.Before(now) {
		return true
	}
	return s.CurrentPeriodEndsAt != nil && s.CurrentPeriodEndsAt.Before(now)
}

// ExpiresAt returns whichever bound currently applies.
func (s *Subscription) ExpiresAt() *time.Time {
	if s.Status == StatusTrialing && s.TrialExpiresAt != nil {
		return s.TrialExpiresAt
	}
	return s.CurrentPeriodEndsAt
}

// View is the projection attached to request contexts and returned to clients.
type View struct {
	ID                  string     `json:"id"`
	Status              Status     `json:"status"`
	PlanID              string     `json:"planId"`
	PlanName            string     `json:"planName,omitempty"`
	Features            []string   `json:"features,omitempty"`
	IsLifetime          bool       `json:"isLifetime"`
	TrialExpiresAt      *time.Time `json:"trialExpiresAt,omitempty"`
	CurrentPeriodEndsAt *time.Time `json:"currentPeriodEndsAt,omitempty"`
}

// NewView projects sub (and plan, when known).
func NewView(sub *Subscription, plan *Plan) *View {
	v := &View{
		ID:                  sub.ID,
		Status:              sub.Status,
		PlanID:              sub.PlanID,
		IsLifetime:          sub.IsLifetime,
		TrialExpiresAt:      sub.TrialExpiresAt,
		CurrentPeriodEndsAt: sub.CurrentPeriodEndsAt,
	}
	if plan != nil {
		v.PlanName = plan.Name
		v.Features = slices.Clone(plan.Features)
	}
	return v
}

// StatusReport answers "what is my organization's billing state".
type StatusReport struct {
	HasSubscription bool       `json:"hasSubscription"`
	Status          Status     `json:"status,omitempty"`
	IsExpired       bool       `json:"isExpired"`
	Plan            *Plan      `json:"plan,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	IsLifetime      bool       `json:"isLifetime"`
}
