package subscription

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/logging"
)

// ActionRecorder receives fire-and-forget audit records.
type ActionRecorder interface {
	RecordAction(ctx context.Context, actorID, orgID, action string, details map[string]any)
}

// Handler provides HTTP endpoints for plans and subscriptions.
type Handler struct {
	service *Service
	audit   ActionRecorder
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service, audit ActionRecorder) *Handler {
	return &Handler{service: service, audit: audit}
}

// RegisterPublicRoutes sets up the public plan catalog.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
}

// RegisterProtectedRoutes sets up routes for authenticated organization members.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	owners := identity.RequireRole(identity.RoleLandlord, identity.RoleSuperAdmin)
	r.GET("/subscription", identity.RequireRole(identity.RoleLandlord, identity.RoleAgent, identity.RoleTenant, identity.RoleSuperAdmin), h.GetStatus)
	r.POST("/subscription/cancel", owners, h.Cancel)
	r.POST("/subscription/reactivate", owners, h.Reactivate)
}

// RegisterAdminRoutes sets up super-admin catalog and override routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	admin := identity.RequireRole(identity.RoleSuperAdmin)
	r.GET("/admin/plans", admin, h.ListAllPlans)
	r.POST("/admin/plans", admin, h.CreatePlan)
	r.PATCH("/admin/plans/:id", admin, h.UpdatePlan)
	r.POST("/admin/subscriptions/:orgId/lifetime", admin, h.SetLifetime)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	h.listPlans(c, true)
}

// ListAllPlans handles GET /v1/admin/plans
func (h *Handler) ListAllPlans(c *gin.Context) {
	h.listPlans(c, false)
}

func (h *Handler) listPlans(c *gin.Context, publicOnly bool) {
	plans, err := h.service.ListPlans(c.Request.Context(), publicOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to list plans"})
		return
	}
	if plans == nil {
		plans = []*Plan{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": plans, "count": len(plans)})
}

// GetStatus handles GET /v1/subscription
func (h *Handler) GetStatus(c *gin.Context) {
	user, _ := identity.UserFromContext(c)
	if user.OrganizationID == "" {
		c.JSON(http.StatusOK, gin.H{"success": true, "data": &StatusReport{}})
		return
	}
	report, err := h.service.Status(c.Request.Context(), user.OrganizationID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to load subscription status", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to load subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": report})
}

// Cancel handles POST /v1/subscription/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.transition(c, "SUBSCRIPTION_CANCELED", h.service.Cancel)
}

// Reactivate handles POST /v1/subscription/reactivate
func (h *Handler) Reactivate(c *gin.Context) {
	h.transition(c, "SUBSCRIPTION_REACTIVATED", h.service.Reactivate)
}

func (h *Handler) transition(c *gin.Context, action string, apply func(context.Context, string) (*Subscription, error)) {
	user, _ := identity.UserFromContext(c)
	if user.OrganizationID == "" {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "no_organization", "message": "User is not associated with an organization."})
		return
	}

	ctx := c.Request.Context()
	sub, err := apply(ctx, user.OrganizationID)
	if err != nil {
		writeError(c, err)
		return
	}

	h.audit.RecordAction(ctx, user.ID, user.OrganizationID, action, map[string]any{
		"subscriptionId": sub.ID,
		"status":         string(sub.Status),
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sub})
}

type planRequest struct {
	Name      string   `json:"name" binding:"required"`
	Price     int64    `json:"price"`
	Currency  string   `json:"currency"`
	Duration  Duration `json:"duration" binding:"required"`
	Features  []string `json:"features"`
	Limits    Limits   `json:"limits"`
	Public    bool     `json:"isPublic"`
	TrialDays int      `json:"trialDays"`
}

func (r planRequest) plan() Plan {
	currency := r.Currency
	if currency == "" {
		currency = "usd"
	}
	return Plan{
		Name:      r.Name,
		Price:     r.Price,
		Currency:  currency,
		Duration:  r.Duration,
		Features:  r.Features,
		Limits:    r.Limits,
		Public:    r.Public,
		TrialDays: r.TrialDays,
	}
}

// CreatePlan handles POST /v1/admin/plans
func (h *Handler) CreatePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "name and duration are required"})
		return
	}

	ctx := c.Request.Context()
	plan, err := h.service.CreatePlan(ctx, req.plan())
	if err != nil {
		writeError(c, err)
		return
	}

	user, _ := identity.UserFromContext(c)
	h.audit.RecordAction(ctx, user.ID, user.OrganizationID, "PLAN_CREATE", map[string]any{
		"planId": plan.ID,
		"name":   plan.Name,
		"price":  plan.Price,
	})
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": plan})
}

// UpdatePlan handles PATCH /v1/admin/plans/:id
func (h *Handler) UpdatePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "name and duration are required"})
		return
	}

	ctx := c.Request.Context()
	plan, err := h.service.UpdatePlan(ctx, c.Param("id"), req.plan())
	if err != nil {
		writeError(c, err)
		return
	}

	user, _ := identity.UserFromContext(c)
	h.audit.RecordAction(ctx, user.ID, user.OrganizationID, "PLAN_UPDATE", map[string]any{
		"planId":   plan.ID,
		"name":     plan.Name,
		"price":    plan.Price,
		"features": plan.Features,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "data": plan})
}

// SetLifetime handles POST /v1/admin/subscriptions/:orgId/lifetime
func (h *Handler) SetLifetime(c *gin.Context) {
	var req struct {
		Lifetime *bool `json:"lifetime" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "lifetime is required"})
		return
	}

	ctx := c.Request.Context()
	orgID := c.Param("orgId")
	sub, err := h.service.SetLifetime(ctx, orgID, *req.Lifetime)
	if err != nil {
		writeError(c, err)
		return
	}

	user, _ := identity.UserFromContext(c)
	h.audit.RecordAction(ctx, user.ID, orgID, "SUBSCRIPTION_LIFETIME", map[string]any{
		"subscriptionId": sub.ID,
		"lifetime":       sub.IsLifetime,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sub})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not_found", "message": "Subscription not found"})
	case errors.Is(err, ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not_found", "message": "Plan not found"})
	case errors.Is(err, ErrPlanNameTaken):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "plan_name_taken", "message": err.Error()})
	case errors.Is(err, ErrInvalidPlan), errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("subscription operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "subscription operation failed"})
	}
}
