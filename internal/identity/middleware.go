package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatedesk/internal/logging"
)

const (
	// ContextKeyUser holds the resolved *User.
	ContextKeyUser = "identity.user"
	// ContextKeyAuthFailure holds why no user was resolved.
	ContextKeyAuthFailure = "identity.authFailure"
)

// Reasons stored under ContextKeyAuthFailure.
const (
	FailureNoToken      = "no token"
	FailureInvalidToken = "invalid token"
	FailureUserNotFound = "user not found"
)

// Authenticate resolves the bearer token to a User and stores it in the
// context. It never aborts: downstream gates decide what a missing user means.
func Authenticate(issuer *TokenIssuer, store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Set(ContextKeyAuthFailure, FailureNoToken)
			c.Next()
			return
		}

		claims, err := issuer.Verify(token)
		if err != nil {
			c.Set(ContextKeyAuthFailure, FailureInvalidToken)
			c.Next()
			return
		}

		user, err := store.GetUser(c.Request.Context(), claims.Subject)
		if err != nil {
			c.Set(ContextKeyAuthFailure, FailureUserNotFound)
			c.Next()
			return
		}

		c.Set(ContextKeyUser, user)
		c.Request = c.Request.WithContext(
			logging.WithPrincipal(c.Request.Context(), user.ID, user.OrganizationID))
		c.Next()
	}
}

// RequireRole rejects callers whose role is not in roles. Suspended and
// pending accounts are rejected whatever their role.
func RequireRole(roles ...Role) gin.HandlerFunc {
	allowed := Roles(roles...)
	return func(c *gin.Context) {
		user, ok := UserFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthorized",
				"message": "Not authorized, " + AuthFailure(c),
			})
			return
		}
		if !user.Active() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "account_inactive",
				"message": "User account is not active. Please contact support.",
				"status":  string(user.Status),
			})
			return
		}
		if !allowed.Has(user.Role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "forbidden",
				"message": "User role " + string(user.Role) + " is not authorized",
			})
			return
		}
		c.Next()
	}
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(c *gin.Context) (*User, bool) {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*User)
	return u, ok && u != nil
}

// AuthFailure returns why authentication did not resolve a user.
func AuthFailure(c *gin.Context) string {
	if reason := c.GetString(ContextKeyAuthFailure); reason != "" {
		return reason
	}
	return FailureNoToken
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
