package property

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatedesk/internal/access"
	"github.com/mbd888/estatedesk/internal/audit"
	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/idgen"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/subscription"
	"github.com/mbd888/estatedesk/internal/validation"
)

// CodePlanLimitReached is returned when creating a property would exceed the
// plan's property cap.
const CodePlanLimitReached = "PLAN_LIMIT_REACHED"

// ReportsFeature gates the portfolio report.
const ReportsFeature = "reports"

// Handler provides HTTP endpoints for properties.
type Handler struct {
	store    Store
	gate     *access.Gate
	recorder *audit.Recorder
	now      func() time.Time
}

// NewHandler creates a new property handler.
func NewHandler(store Store, gate *access.Gate, recorder *audit.Recorder) *Handler {
	return &Handler{store: store, gate: gate, recorder: recorder, now: time.Now}
}

// RegisterRoutes sets up property routes. Reads are allowed in
// dashboard-only mode; writes need an active subscription.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	readers := identity.RequireRole(identity.RoleLandlord, identity.RoleAgent, identity.RoleTenant, identity.RoleSuperAdmin)
	writers := identity.RequireRole(identity.RoleLandlord, identity.RoleAgent, identity.RoleSuperAdmin)
	soft := h.gate.CheckSubscriptionStatus()
	active := h.gate.RequireActiveSubscription()

	r.GET("/properties", readers, soft, h.List)
	r.GET("/properties/report", readers, h.gate.RequireFeature(ReportsFeature), h.Report)
	r.GET("/properties/:id", readers, soft, h.Get)
	r.POST("/properties", writers, active, audit.Capture(h.recorder, "PROPERTY_CREATE", "property"), h.Create)
	r.PATCH("/properties/:id", writers, active, audit.Capture(h.recorder, "PROPERTY_UPDATE", "property"), h.Update)
	r.DELETE("/properties/:id", writers, active, audit.Capture(h.recorder, "PROPERTY_DELETE", "property"), h.Delete)
}

// orgScope resolves which organization the request acts on. Super admins
// have no organization of their own and name one with ?organizationId=.
func orgScope(c *gin.Context) (string, bool) {
	user, _ := identity.UserFromContext(c)
	orgID := user.OrganizationID
	if user.IsSuperAdmin() {
		if q := c.Query("organizationId"); q != "" {
			orgID = q
		}
	}
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no_organization", "message": "An organization is required"})
		return "", false
	}
	return orgID, true
}

// List handles GET /v1/properties
func (h *Handler) List(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	props, err := h.store.List(c.Request.Context(), orgID)
	if err != nil {
		writeError(c, err)
		return
	}
	if props == nil {
		props = []*Property{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"data":          props,
		"count":         len(props),
		"dashboardOnly": access.DashboardOnly(c),
	})
}

// Get handles GET /v1/properties/:id
func (h *Handler) Get(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	p, err := h.store.Get(c.Request.Context(), orgID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": p, "dashboardOnly": access.DashboardOnly(c)})
}

// Report handles GET /v1/properties/report
func (h *Handler) Report(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	props, err := h.store.List(c.Request.Context(), orgID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": Summarize(props)})
}

type createRequest struct {
	Name    string `json:"name" binding:"required"`
	Address string `json:"address"`
	Units   int    `json:"units"`
}

// Create handles POST /v1/properties
func (h *Handler) Create(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Check(
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
		validation.MaxLength("address", req.Address, validation.MaxAddressLength),
	); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": errs.Error(), "fields": errs})
		return
	}

	ctx := c.Request.Context()
	if plan, ok := access.PlanFromContext(c); ok {
		count, err := h.store.Count(ctx, orgID)
		if err != nil {
			writeError(c, err)
			return
		}
		if !plan.Limits.Allows(subscription.LimitProperties, count) {
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"code":    CodePlanLimitReached,
				"message": "Your plan allows " + plural(plan.Limits.Max(subscription.LimitProperties), "property", "properties") + ". Upgrade to add more.",
				"limit":   plan.Limits.Max(subscription.LimitProperties),
				"currentPlan": gin.H{
					"id":   plan.ID,
					"name": plan.Name,
				},
			})
			return
		}
	}

	units := req.Units
	if units == 0 {
		units = 1
	}
	now := h.now()
	p := &Property{
		ID:             idgen.WithPrefix(idgen.PrefixProperty),
		OrganizationID: orgID,
		Name:           validation.CleanText(req.Name, validation.MaxNameLength),
		Address:        validation.CleanText(req.Address, validation.MaxAddressLength),
		Units:          units,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.Create(ctx, p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": p})
}

type updateRequest struct {
	Name    *string `json:"name"`
	Address *string `json:"address"`
	Units   *int    `json:"units"`
}

// Update handles PATCH /v1/properties/:id
func (h *Handler) Update(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	p, err := h.store.Get(ctx, orgID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Name != nil {
		p.Name = validation.CleanText(*req.Name, validation.MaxNameLength)
	}
	if req.Address != nil {
		p.Address = validation.CleanText(*req.Address, validation.MaxAddressLength)
	}
	if req.Units != nil {
		p.Units = *req.Units
	}
	if err := p.Validate(); err != nil {
		writeError(c, err)
		return
	}
	p.UpdatedAt = h.now()
	if err := h.store.Update(ctx, p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": p})
}

// Delete handles DELETE /v1/properties/:id
func (h *Handler) Delete(c *gin.Context) {
	orgID, ok := orgScope(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), orgID, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"id": id}})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPropertyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "not_found", "message": "Property not found"})
	case errors.Is(err, ErrInvalidProperty):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("property operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "property operation failed"})
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return strconv.Itoa(n) + " " + many
}
