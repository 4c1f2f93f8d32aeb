// Package access decides, per request, how much of the product an
// organization's subscription entitles it to, and lazily expires
// subscriptions whose trial or billing period has ended.
package access

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/metrics"
	"github.com/mbd888/estatedesk/internal/subscription"
	"github.com/mbd888/estatedesk/internal/traces"
)

// DefaultRedirect is where degraded clients are sent to pick a plan.
const DefaultRedirect = "/pricing"

// userStatusNone is reported when the organization has no subscription.
const userStatusNone = "inactive"

// Source is the subscription read model plus the one write the gate makes.
// *subscription.Service satisfies it.
type Source interface {
	Lookup(ctx context.Context, orgID string) (*subscription.Subscription, error)
	Plan(ctx context.Context, id string) (*subscription.Plan, error)
	Expire(ctx context.Context, sub *subscription.Subscription) (bool, error)
}

// LookupErrorPolicy decides what a failed subscription read means.
type LookupErrorPolicy int

const (
	// FailOpen grants full access when the subscription cannot be read.
	FailOpen LookupErrorPolicy = iota
	// FailClosed refuses with 503 SUBSCRIPTION_CHECK_FAILED.
	FailClosed
)

func (p LookupErrorPolicy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// Gate evaluates subscription standing. It is safe for concurrent use and
// holds no per-organization state: every evaluation reads fresh.
type Gate struct {
	source   Source
	logger   *slog.Logger
	policy   LookupErrorPolicy
	redirect string
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLookupErrorPolicy sets the behavior on subscription read failures.
func WithLookupErrorPolicy(p LookupErrorPolicy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithRedirect sets the redirect target included in degraded responses.
func WithRedirect(path string) Option {
	return func(g *Gate) {
		if path != "" {
			g.redirect = path
		}
	}
}

// NewGate creates a new access gate.
func NewGate(source Source, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		source:   source,
		logger:   logger,
		policy:   FailOpen,
		redirect: DefaultRedirect,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate decides the access level for user. Rules apply in a fixed order
// and the first match wins.
func (g *Gate) Evaluate(ctx context.Context, user *identity.User) Decision {
	ctx, span := traces.StartSpan(ctx, "access.Evaluate")
	defer span.End()

	d := g.evaluate(ctx, user)

	if user != nil {
		span.SetAttributes(traces.UserID(user.ID), traces.OrganizationID(user.OrganizationID))
	}
	span.SetAttributes(traces.AccessLevel(string(d.Level)))
	if d.Subscription != nil {
		span.SetAttributes(traces.SubscriptionStatus(string(d.Subscription.Status)))
	}
	metrics.AccessDecisionsTotal.WithLabelValues(string(d.Level), codeLabel(d.Code)).Inc()
	return d
}

func (g *Gate) evaluate(ctx context.Context, user *identity.User) Decision {
	if user == nil {
		return denied(http.StatusUnauthorized, CodeUnauthorized, "Not authorized, no valid token", "")
	}
	if !user.Active() {
		return denied(http.StatusForbidden, CodeAccountInactive,
			"User account is not active. Please contact support.", string(user.Status))
	}
	if user.IsSuperAdmin() {
		return full(string(subscription.StatusActive))
	}
	if user.OrganizationID == "" {
		logging.L(ctx).Warn("user has no organization", "user_id", user.ID)
		return denied(http.StatusForbidden, CodeNoOrganization,
			"User is not associated with an organization.", "")
	}

	sub, err := g.source.Lookup(ctx, user.OrganizationID)
	if errors.Is(err, subscription.ErrSubscriptionNotFound) {
		return g.degraded(CodeSubscriptionRequired,
			"No active subscription found. Please choose a plan to continue.", userStatusNone, nil)
	}
	if err != nil {
		return g.lookupFailed(ctx, user, err)
	}

	if sub.IsLifetime {
		return g.granted(ctx, sub)
	}

	if sub.Lapsed(g.now()) {
		// On success sub reflects the stored row, which a concurrent
		// renewal may have moved out of the lapsed state.
		if _, err := g.source.Expire(ctx, sub); err != nil {
			// The decision below still treats it as expired; the next
			// request or the sweeper retries the write.
			traces.RecordError(trace.SpanFromContext(ctx), err)
			logging.L(ctx).Error("failed to persist subscription expiry",
				"subscription_id", sub.ID, "error", err)
			sub.Status = subscription.StatusExpired
		} else if sub.IsLifetime {
			return g.granted(ctx, sub)
		} else if sub.Lapsed(g.now()) {
			sub.Status = subscription.StatusExpired
		}
	}

	if sub.Status.GrantsAccess() {
		return g.granted(ctx, sub)
	}

	view := subscription.NewView(sub, nil)
	// Activation clears the trial bound, so an expired row that still
	// carries one never got past its trial.
	if sub.Status == subscription.StatusExpired && sub.TrialExpiresAt != nil {
		return g.degraded(CodeTrialExpired,
			"Your free trial has expired. Please choose a plan to continue.", string(sub.Status), view)
	}
	return g.degraded(CodeSubscriptionRequired,
		"Your subscription is "+statusPhrase(sub.Status)+". Please renew to continue.", string(sub.Status), view)
}

func (g *Gate) granted(ctx context.Context, sub *subscription.Subscription) Decision {
	d := full(string(sub.Status))
	plan, err := g.source.Plan(ctx, sub.PlanID)
	if err != nil {
		logging.L(ctx).Warn("subscription plan not found", "plan_id", sub.PlanID, "error", err)
		plan = nil
	}
	d.Plan = plan
	d.Subscription = subscription.NewView(sub, plan)
	return d
}

func (g *Gate) degraded(code, message, userStatus string, view *subscription.View) Decision {
	return Decision{
		Level:        LevelDashboardOnly,
		Code:         code,
		Status:       http.StatusForbidden,
		Message:      message,
		UserStatus:   userStatus,
		RedirectTo:   g.redirect,
		Subscription: view,
	}
}

func (g *Gate) lookupFailed(ctx context.Context, user *identity.User, err error) Decision {
	metrics.SubscriptionLookupErrors.Inc()
	logging.L(ctx).Error("subscription lookup failed",
		"org_id", user.OrganizationID, "policy", g.policy.String(), "error", err)

	if g.policy == FailClosed {
		return denied(http.StatusServiceUnavailable, CodeSubscriptionCheckFailed,
			"Unable to verify subscription. Please try again.", "")
	}
	d := full("")
	d.Degraded = true
	return d
}

// CheckFeatureAccess evaluates the request and then requires feature to be
// on the organization's plan.
func (g *Gate) CheckFeatureAccess(ctx context.Context, user *identity.User, feature string) Decision {
	return g.FeatureDecision(ctx, g.Evaluate(ctx, user), user, feature)
}

// FeatureDecision applies the feature check to an existing decision.
func (g *Gate) FeatureDecision(ctx context.Context, d Decision, user *identity.User, feature string) Decision {
	_, span := traces.StartSpan(ctx, "access.FeatureDecision", traces.Feature(feature))
	defer span.End()

	out := g.featureDecision(d, user, feature)
	span.SetAttributes(traces.AccessLevel(string(out.Level)))
	if out.Code != d.Code {
		metrics.AccessDecisionsTotal.WithLabelValues(string(out.Level), codeLabel(out.Code)).Inc()
	}
	return out
}

func (g *Gate) featureDecision(d Decision, user *identity.User, feature string) Decision {
	if d.HardStop() {
		return d
	}
	if user != nil && user.IsSuperAdmin() {
		return d
	}

	if !d.Full() || d.Degraded || d.Plan == nil {
		out := d
		out.Level = LevelDashboardOnly
		out.Code = CodeFeatureRequiresSubscription
		out.Status = http.StatusForbidden
		out.Message = "This feature requires an active subscription."
		out.RedirectTo = g.redirect
		return out
	}

	if !d.Plan.HasFeature(feature) {
		out := d
		out.Code = CodeFeatureNotAvailable
		out.Status = http.StatusForbidden
		out.Message = "The " + feature + " feature is not available on the " + d.Plan.Name + " plan. Please upgrade."
		out.RedirectTo = g.redirect
		return out
	}
	return d
}

func statusPhrase(s subscription.Status) string {
	switch s {
	case subscription.StatusPastDue:
		return "past due"
	case subscription.StatusCanceled:
		return "canceled"
	case subscription.StatusExpired:
		return "expired"
	default:
		return "inactive"
	}
}

func codeLabel(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}
