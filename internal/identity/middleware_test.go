package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func seedUser(t *testing.T, store *MemoryStore, role Role, status UserStatus) *User {
	t.Helper()
	u := &User{
		ID:             "usr_" + string(role[:1]) + string(status[:1]),
		Name:           "Test",
		Email:          string(role) + "-" + string(status) + "@example.com",
		Role:           role,
		Status:         status,
		OrganizationID: "org_1",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

func newAuthRouter(issuer *TokenIssuer, store Store, handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Authenticate(issuer, store))
	final := func(c *gin.Context) {
		u, ok := UserFromContext(c)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"user": nil, "failure": AuthFailure(c)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": u.ID})
	}
	r.GET("/x", append(handlers, final)...)
	return r
}

func TestAuthenticate_ResolvesUser(t *testing.T) {
	store := NewMemoryStore()
	issuer := NewTokenIssuer(testSecret, time.Hour)
	u := seedUser(t, store, RoleLandlord, UserActive)
	tok, err := issuer.Issue(u)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	newAuthRouter(issuer, store).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), u.ID)
}

func TestAuthenticate_NeverAborts(t *testing.T) {
	store := NewMemoryStore()
	issuer := NewTokenIssuer(testSecret, time.Hour)
	ghost, err := issuer.Issue(&User{ID: "usr_ghost", Role: RoleAgent})
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		failure string
	}{
		{"no header", "", FailureNoToken},
		{"wrong scheme", "Basic abc", FailureNoToken},
		{"bad token", "Bearer nope", FailureInvalidToken},
		{"unknown user", "Bearer " + ghost, FailureUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			newAuthRouter(issuer, store).ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.failure)
		})
	}
}

func TestRequireRole(t *testing.T) {
	store := NewMemoryStore()
	issuer := NewTokenIssuer(testSecret, time.Hour)
	landlord := seedUser(t, store, RoleLandlord, UserActive)
	tenant := seedUser(t, store, RoleTenant, UserActive)
	router := newAuthRouter(issuer, store, RequireRole(RoleLandlord, RoleSuperAdmin))

	do := func(u *User) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if u != nil {
			tok, err := issuer.Issue(u)
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do(landlord).Code)

	w := do(tenant)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "User role Tenant is not authorized")

	assert.Equal(t, http.StatusUnauthorized, do(nil).Code)

	for _, status := range []UserStatus{UserSuspended, UserPending} {
		inactive := seedUser(t, store, RoleLandlord, status)
		w = do(inactive)
		assert.Equal(t, http.StatusForbidden, w.Code, status)
		assert.Contains(t, w.Body.String(), "account_inactive")
	}
}

func TestBearerToken(t *testing.T) {
	tok, ok := bearerToken("bearer  abc ")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	_, ok = bearerToken("Bearer ")
	assert.False(t, ok)
}
