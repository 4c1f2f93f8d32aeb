package access

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes exposes GET /access, which tells the client how much of the
// product the caller may use so the UI can switch to dashboard-only mode.
func (g *Gate) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/access", g.CheckSubscriptionStatus(), g.Status)
}

// Status handles GET /v1/access
func (g *Gate) Status(c *gin.Context) {
	d, _ := DecisionFromContext(c)

	data := gin.H{
		"level":         d.Level,
		"dashboardOnly": d.Level != LevelFull,
		"userStatus":    d.UserStatus,
		"degraded":      d.Degraded,
	}
	if d.Code != "" {
		data["code"] = d.Code
		data["message"] = d.Message
		data["redirectTo"] = d.RedirectTo
	}
	if d.Subscription != nil {
		data["subscription"] = d.Subscription
	}
	if d.Plan != nil {
		data["features"] = d.Plan.Features
		data["limits"] = d.Plan.Limits
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}
