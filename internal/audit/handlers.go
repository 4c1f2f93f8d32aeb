package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/pagination"
)

// Handler serves the audit log listing.
type Handler struct {
	store Store
}

// NewHandler creates a new audit handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up audit routes. Tenants cannot read the trail.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit-logs",
		identity.RequireRole(identity.RoleSuperAdmin, identity.RoleLandlord, identity.RoleAgent),
		h.List)
}

// List handles GET /v1/audit-logs?userId=&action=&startDate=&endDate=&limit=&cursor=
// Results are scoped to the caller's organization; super admins may pass
// organizationId to look at any organization.
func (h *Handler) List(c *gin.Context) {
	user, _ := identity.UserFromContext(c)

	f := Filter{
		OrganizationID: user.OrganizationID,
		ActorID:        c.Query("userId"),
		Action:         c.Query("action"),
		Limit:          DefaultListLimit,
	}
	if user.IsSuperAdmin() {
		f.OrganizationID = c.Query("organizationId")
	} else if f.OrganizationID == "" {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "no_organization", "message": "User is not associated with an organization."})
		return
	}

	var err error
	if f.Since, err = parseDate(c.Query("startDate"), false); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "startDate must be YYYY-MM-DD or RFC3339"})
		return
	}
	if f.Until, err = parseDate(c.Query("endDate"), true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "endDate must be YYYY-MM-DD or RFC3339"})
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		f.Limit = min(n, DefaultListLimit)
	}
	if f.Before, err = pagination.Decode(c.Query("cursor")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "cursor is not valid"})
		return
	}

	limit := f.Limit
	f.Limit++
	entries, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to list audit logs"})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	entries, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"data":       entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// parseDate accepts a date or timestamp. A bare end date covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
