package access

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/subscription"
)

// Context keys set by the gate middlewares.
const (
	ContextKeyDecision      = "access.decision"
	ContextKeySubscription  = "subscription"
	ContextKeyDashboardOnly = "dashboardOnly"
)

// CheckSubscriptionStatus is the soft policy: it stops only unauthenticated,
// inactive or orphaned callers and otherwise lets the request through with
// the subscription and dashboard-only flag attached. Handlers decide per
// endpoint whether to honor the flag.
func (g *Gate) CheckSubscriptionStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.decide(c)
		if d.HardStop() {
			c.AbortWithStatusJSON(d.denialStatus(), d.Body())
			return
		}
		c.Next()
	}
}

// RequireActiveSubscription is the hard policy: anything short of a full
// grant is refused with the structured denial body.
func (g *Gate) RequireActiveSubscription() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := g.decide(c)
		if !d.OK() {
			c.AbortWithStatusJSON(d.denialStatus(), d.Body())
			return
		}
		c.Next()
	}
}

// RequireFeature refuses callers whose plan does not include feature.
func (g *Gate) RequireFeature(feature string) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := identity.UserFromContext(c)
		d := g.FeatureDecision(c.Request.Context(), g.decide(c), user, feature)
		if !d.OK() {
			c.AbortWithStatusJSON(d.denialStatus(), d.Body())
			return
		}
		c.Next()
	}
}

// decide evaluates once per request; chained gate middlewares reuse the
// first decision so a lapsed subscription is expired at most once.
func (g *Gate) decide(c *gin.Context) Decision {
	if d, ok := DecisionFromContext(c); ok {
		return d
	}
	user, _ := identity.UserFromContext(c)
	d := g.Evaluate(c.Request.Context(), user)

	c.Set(ContextKeyDecision, d)
	c.Set(ContextKeyDashboardOnly, d.DashboardOnly())
	if d.Subscription != nil {
		c.Set(ContextKeySubscription, d.Subscription)
	}
	return d
}

// DecisionFromContext returns the decision made earlier in the chain.
func DecisionFromContext(c *gin.Context) (Decision, bool) {
	v, ok := c.Get(ContextKeyDecision)
	if !ok {
		return Decision{}, false
	}
	d, ok := v.(Decision)
	return d, ok
}

// DashboardOnly reports whether the request runs in degraded mode.
func DashboardOnly(c *gin.Context) bool {
	return c.GetBool(ContextKeyDashboardOnly)
}

// SubscriptionFromContext returns the subscription view attached by the gate.
func SubscriptionFromContext(c *gin.Context) (*subscription.View, bool) {
	v, ok := c.Get(ContextKeySubscription)
	if !ok {
		return nil, false
	}
	view, ok := v.(*subscription.View)
	return view, ok && view != nil
}

// PlanFromContext returns the caller's plan when the gate resolved one.
func PlanFromContext(c *gin.Context) (*subscription.Plan, bool) {
	d, ok := DecisionFromContext(c)
	if !ok || d.Plan == nil {
		return nil, false
	}
	return d.Plan, true
}
