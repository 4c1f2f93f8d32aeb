package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/estatedesk/internal/idgen"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/validation"
)

// Onboarder is told about newly registered organizations so it can open
// their trial subscription.
type Onboarder interface {
	OnOrganizationCreated(ctx context.Context, orgID, planID string) error
}

// ActionRecorder receives fire-and-forget audit records.
type ActionRecorder interface {
	RecordAction(ctx context.Context, actorID, orgID, action string, details map[string]any)
}

// Handler provides registration, login and membership endpoints.
type Handler struct {
	store     Store
	issuer    *TokenIssuer
	onboarder Onboarder
	audit     ActionRecorder
}

// NewHandler creates a new identity handler.
func NewHandler(store Store, issuer *TokenIssuer, onboarder Onboarder, audit ActionRecorder) *Handler {
	return &Handler{store: store, issuer: issuer, onboarder: onboarder, audit: audit}
}

// RegisterPublicRoutes sets up unauthenticated auth routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
}

// RegisterProtectedRoutes sets up routes that need a resolved user.
// Membership changes are limited to landlords and super admins.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", RequireRole(allRoles...), h.Me)
	r.POST("/organization/members", RequireRole(RoleLandlord, RoleSuperAdmin), h.AddMember)
}

// AdminSecretHeader carries the shared secret for the bootstrap route.
const AdminSecretHeader = "X-Admin-Secret"

// RegisterBootstrapRoute exposes POST /admin/bootstrap, which creates a super
// admin when called with the shared secret. An empty secret leaves the route
// unregistered.
func (h *Handler) RegisterBootstrapRoute(r *gin.RouterGroup, secret string) {
	if secret == "" {
		return
	}
	r.POST("/admin/bootstrap", func(c *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(AdminSecretHeader)), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized", "message": "invalid admin secret"})
			return
		}
		h.createSuperAdmin(c)
	})
}

func (h *Handler) createSuperAdmin(c *gin.Context) {
	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"` //nolint:gosec // request DTO field
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "name, email and password are required"})
		return
	}
	if len(req.Password) < 12 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "weak_password", "message": "password must be at least 12 characters"})
		return
	}

	ctx := c.Request.Context()
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to create admin"})
		return
	}
	now := time.Now()
	admin := &User{
		ID:           idgen.WithPrefix(idgen.PrefixUser),
		Name:         validation.CleanText(req.Name, validation.MaxNameLength),
		Email:        validation.NormalizeEmail(req.Email),
		PasswordHash: string(hash),
		Role:         RoleSuperAdmin,
		Status:       UserActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateUser(ctx, admin); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": "email_taken", "message": "email already registered"})
			return
		}
		logging.L(ctx).Error("failed to create super admin", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to create admin"})
		return
	}

	logging.L(ctx).Warn("super admin created via bootstrap", "user_id", admin.ID)
	h.audit.RecordAction(ctx, admin.ID, "", "SUPER_ADMIN_CREATED", map[string]any{"email": admin.Email, "ip": c.ClientIP()})
	c.JSON(http.StatusCreated, gin.H{"success": true, "user": admin})
}

// Register handles POST /v1/auth/register. It creates the organization, its
// owner, and asks the onboarder to open the trial.
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		OrganizationName string `json:"organizationName" binding:"required"`
		Name             string `json:"name" binding:"required"`
		Email            string `json:"email" binding:"required"`
		Password         string `json:"password" binding:"required"` //nolint:gosec // request DTO field
		PlanID           string `json:"planId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "organizationName, name, email and password are required"})
		return
	}
	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "weak_password", "message": "password must be at least 8 characters"})
		return
	}

	ctx := c.Request.Context()
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to register"})
		return
	}

	now := time.Now()
	user := &User{
		ID:           idgen.WithPrefix(idgen.PrefixUser),
		Name:         validation.CleanText(req.Name, validation.MaxNameLength),
		Email:        validation.NormalizeEmail(req.Email),
		PasswordHash: string(hash),
		Role:         RoleLandlord,
		Status:       UserActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	org := &Organization{
		ID:        idgen.WithPrefix(idgen.PrefixOrganization),
		Name:      validation.CleanText(req.OrganizationName, validation.MaxNameLength),
		OwnerID:   user.ID,
		Members:   []string{user.ID},
		Status:    OrgActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	user.OrganizationID = org.ID

	if err := h.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": "email_taken", "message": "email already registered"})
			return
		}
		logging.L(ctx).Error("failed to create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to register"})
		return
	}
	if err := h.store.CreateOrganization(ctx, org); err != nil {
		logging.L(ctx).Error("failed to create organization", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to register"})
		return
	}

	token, err := h.issuer.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to issue token"})
		return
	}

	h.audit.RecordAction(ctx, user.ID, org.ID, "ORGANIZATION_REGISTERED", map[string]any{"organizationName": org.Name})

	resp := gin.H{"success": true, "token": token, "user": user, "organization": org}
	if err := h.onboarder.OnOrganizationCreated(ctx, org.ID, req.PlanID); err != nil {
		// The organization still works in dashboard-only mode until a plan is bought.
		logging.L(ctx).Warn("failed to start trial", "org_id", org.ID, "error", err)
		resp["warning"] = "Organization created but the trial could not be started. Choose a plan to continue."
	}
	c.JSON(http.StatusCreated, resp)
}

// Login handles POST /v1/auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"` //nolint:gosec // request DTO field
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "email and password are required"})
		return
	}

	ctx := c.Request.Context()
	user, err := h.authenticate(ctx, req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid_credentials", "message": "invalid credentials"})
		return
	}
	if !user.Active() {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "account_inactive", "message": "User account is not active."})
		return
	}

	token, err := h.issuer.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to issue token"})
		return
	}

	h.audit.RecordAction(ctx, user.ID, user.OrganizationID, "USER_LOGIN", map[string]any{
		"ip":        c.ClientIP(),
		"userAgent": c.Request.UserAgent(),
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "user": user})
}

// Me handles GET /v1/auth/me.
func (h *Handler) Me(c *gin.Context) {
	user, _ := UserFromContext(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// AddMember handles POST /v1/organization/members: a landlord invites an
// agent or tenant into their own organization.
func (h *Handler) AddMember(c *gin.Context) {
	caller, _ := UserFromContext(c)

	var req struct {
		Name     string `json:"name" binding:"required"`
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"` //nolint:gosec // request DTO field
		Role     string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_request", "message": "name, email, password and role are required"})
		return
	}
	role, err := ParseRole(req.Role)
	if err != nil || role == RoleSuperAdmin || role == RoleLandlord {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_role", "message": "role must be Agent or Tenant"})
		return
	}
	if caller.OrganizationID == "" {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "no_organization", "message": "User is not associated with an organization."})
		return
	}

	ctx := c.Request.Context()
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to add member"})
		return
	}
	now := time.Now()
	member := &User{
		ID:             idgen.WithPrefix(idgen.PrefixUser),
		Name:           validation.CleanText(req.Name, validation.MaxNameLength),
		Email:          validation.NormalizeEmail(req.Email),
		PasswordHash:   string(hash),
		Role:           role,
		Status:         UserActive,
		OrganizationID: caller.OrganizationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.store.CreateUser(ctx, member); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": "email_taken", "message": "email already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to add member"})
		return
	}
	if err := h.store.AddMember(ctx, caller.OrganizationID, member.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal_error", "message": "failed to add member"})
		return
	}

	h.audit.RecordAction(ctx, caller.ID, caller.OrganizationID, "MEMBER_ADDED", map[string]any{
		"memberId": member.ID,
		"role":     string(role),
	})
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": member})
}

func (h *Handler) authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := h.store.GetUserByEmail(ctx, validation.NormalizeEmail(email))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
