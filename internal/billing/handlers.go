package billing

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/metrics"
	"github.com/mbd888/estatedesk/internal/subscription"
)

// SystemActor is the audit actor for provider-initiated changes.
const SystemActor = "system:billing"

const maxWebhookBytes = 1 << 20

// ActionRecorder receives fire-and-forget audit records.
type ActionRecorder interface {
	RecordAction(ctx context.Context, actorID, orgID, action string, details map[string]any)
}

// Handler exposes checkout and the provider webhook.
type Handler struct {
	provider Provider
	subs     *subscription.Service
	audit    ActionRecorder

	// activateOnCheckout skips waiting for a payment webhook. Only used with
	// the mock provider in development.
	activateOnCheckout bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithActivateOnCheckout activates the subscription as soon as checkout
// succeeds instead of waiting for the payment webhook.
func WithActivateOnCheckout() HandlerOption {
	return func(h *Handler) { h.activateOnCheckout = true }
}

// NewHandler creates a billing handler.
func NewHandler(provider Provider, subs *subscription.Service, audit ActionRecorder, opts ...HandlerOption) *Handler {
	h := &Handler{provider: provider, subs: subs, audit: audit}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterPublicRoutes sets up the webhook, which authenticates by signature.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.Webhook)
}

// RegisterProtectedRoutes sets up checkout for organization owners.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/billing/checkout", identity.RequireRole(identity.RoleLandlord), h.Checkout)
}

type checkoutRequest struct {
	PlanID string `json:"planId" binding:"required"`
}

// Checkout handles POST /v1/billing/checkout
func (h *Handler) Checkout(c *gin.Context) {
	user, _ := identity.UserFromContext(c)
	if user.OrganizationID == "" {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "no_organization", "message": "User is not associated with an organization."})
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	orgID := user.OrganizationID
	plan, err := h.subs.Plan(ctx, req.PlanID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !plan.Public {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "Plan is not available for purchase"})
		return
	}

	var previousRef string
	if existing, err := h.subs.Lookup(ctx, orgID); err == nil {
		previousRef = existing.ExternalRef
	}

	customerID, err := h.provider.CreateCustomer(ctx, orgID, user.Email)
	if err != nil {
		writeError(c, err)
		return
	}
	externalRef, err := h.provider.CreateSubscription(ctx, customerID, orgID, plan.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	// Moving plans replaces the old provider subscription.
	if previousRef != "" && previousRef != externalRef {
		if err := h.provider.CancelSubscription(ctx, previousRef); err != nil {
			logging.L(ctx).Warn("failed to cancel superseded provider subscription",
				"org_id", orgID, "external_ref", previousRef, "error", err)
		}
	}

	status := "pending"
	if h.activateOnCheckout {
		sub, err := h.subs.Activate(ctx, orgID, plan.ID, externalRef)
		if err != nil {
			writeError(c, err)
			return
		}
		status = string(sub.Status)
	}

	h.audit.RecordAction(ctx, user.ID, orgID, "PLAN_UPDATE", map[string]any{
		"planId":      plan.ID,
		"planName":    plan.Name,
		"externalRef": externalRef,
		"price":       plan.Price,
		"currency":    plan.Currency,
	})

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"planId":      plan.ID,
			"customerId":  customerID,
			"externalRef": externalRef,
			"status":      status,
		},
	})
}

// Webhook handles POST /v1/billing/webhook
func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "failed to read body"})
		return
	}

	evt, err := h.provider.ParseWebhook(payload, c.GetHeader(SignatureHeader))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		metrics.BillingEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		logging.L(ctx).Warn("billing webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_signature", "message": "Webhook signature verification failed"})
		return
	case errors.Is(err, ErrMissingMetadata):
		// Not one of ours; acknowledge so the provider stops retrying.
		metrics.BillingEventsTotal.WithLabelValues("unknown", "ignored").Inc()
		logging.L(ctx).Info("billing webhook without organization metadata", "error", err)
		c.JSON(http.StatusOK, gin.H{"success": true, "received": true, "handled": false})
		return
	case err != nil:
		metrics.BillingEventsTotal.WithLabelValues("unknown", "invalid_payload").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_payload", "message": err.Error()})
		return
	}

	if evt.Type == EventIgnored {
		metrics.BillingEventsTotal.WithLabelValues(string(evt.Type), "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "received": true, "handled": false})
		return
	}

	err = h.apply(ctx, evt)
	switch {
	case err == nil:
		metrics.BillingEventsTotal.WithLabelValues(string(evt.Type), "ok").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true, "received": true, "handled": true})
	case errors.Is(err, subscription.ErrSubscriptionNotFound), errors.Is(err, subscription.ErrPlanNotFound):
		// Retrying cannot fix a reference we do not know.
		metrics.BillingEventsTotal.WithLabelValues(string(evt.Type), "rejected").Inc()
		logging.L(ctx).Warn("billing event references unknown record",
			"event_id", evt.ID, "type", evt.Type, "org_id", evt.OrganizationID, "error", err)
		c.JSON(http.StatusOK, gin.H{"success": true, "received": true, "handled": false})
	default:
		metrics.BillingEventsTotal.WithLabelValues(string(evt.Type), "error").Inc()
		logging.L(ctx).Error("billing event failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to process billing event"})
	}
}

func (h *Handler) apply(ctx context.Context, evt *Event) error {
	details := map[string]any{
		"eventId":     evt.ID,
		"externalRef": evt.ExternalRef,
	}
	if evt.ProviderType != "" {
		details["providerType"] = evt.ProviderType
	}

	switch evt.Type {
	case EventPaymentSucceeded:
		planID := evt.PlanID
		if planID == "" {
			sub, err := h.subs.Lookup(ctx, evt.OrganizationID)
			if err != nil {
				return err
			}
			planID = sub.PlanID
		}
		sub, err := h.subs.Activate(ctx, evt.OrganizationID, planID, evt.ExternalRef)
		if err != nil {
			return err
		}
		details["amount"] = evt.Amount
		details["currency"] = evt.Currency
		details["planId"] = planID
		details["periodEndsAt"] = sub.CurrentPeriodEndsAt
		h.audit.RecordAction(ctx, SystemActor, evt.OrganizationID, "PAYMENT_RECEIVED", details)

	case EventPaymentFailed:
		if _, err := h.subs.MarkPastDue(ctx, evt.OrganizationID); err != nil {
			return err
		}
		details["amount"] = evt.Amount
		details["currency"] = evt.Currency
		h.audit.RecordAction(ctx, SystemActor, evt.OrganizationID, "PAYMENT_FAILED", details)

	case EventSubscriptionCanceled:
		if _, err := h.subs.Cancel(ctx, evt.OrganizationID); err != nil {
			return err
		}
		h.audit.RecordAction(ctx, SystemActor, evt.OrganizationID, "SUBSCRIPTION_CANCELED", details)
	}
	return nil
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, subscription.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not_found", "message": "Plan not found"})
	case errors.Is(err, ErrProviderUnavailable):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "billing_unavailable", "message": "Payment provider is temporarily unavailable"})
	case errors.Is(err, ErrUnknownPlan):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "Plan cannot be purchased online"})
	default:
		logging.L(c.Request.Context()).Error("billing operation failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "billing_unavailable", "message": "payment provider request failed"})
	}
}
