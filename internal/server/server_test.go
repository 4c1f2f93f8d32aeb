package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatedesk/internal/audit"
	"github.com/mbd888/estatedesk/internal/billing"
	"github.com/mbd888/estatedesk/internal/config"
	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/retry"
	"github.com/mbd888/estatedesk/internal/subscription"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		JWTSecret:         "test-secret-test-secret-test-secret",
		JWTTTL:            time.Hour,
		AdminSecret:       "bootstrap-secret",
		TrialDays:         7,
		LookupPolicy:      "fail_open",
		PricingRedirect:   "/pricing",
		AuditWriteTimeout: time.Second,
	}
}

// newTestServer creates a server backed by in-memory stores
func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.recorder.WaitContext(context.Background()) })
	return s
}

func do(t *testing.T, s *Server, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func register(t *testing.T, s *Server, email string) string {
	t.Helper()
	w, body := do(t, s, http.MethodPost, "/v1/auth/register", "", map[string]any{
		"organizationName": "Harbor Lets",
		"name":             "Dana Owner",
		"email":            email,
		"password":         "correct-horse-battery",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func planID(t *testing.T, s *Server, name string) string {
	t.Helper()
	w, body := do(t, s, http.MethodGet, "/v1/plans", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, raw := range body["data"].([]any) {
		p := raw.(map[string]any)
		if p["name"] == name {
			return p["id"].(string)
		}
	}
	t.Fatalf("plan %q not found", name)
	return ""
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, body := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, _ := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	// Not ready until Run is called
	w, _ := do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w, _ = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, _ := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "estatedesk_")
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, _ := do(t, s, http.MethodGet, "/v1/plans", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, testConfig())

	w, _ := do(t, s, http.MethodGet, "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	s := newTestServer(t, testConfig())

	for _, path := range []string{"/v1/access", "/v1/properties", "/v1/subscription", "/v1/audit-logs"} {
		w, _ := do(t, s, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func TestRegistrationStartsTrial(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := register(t, s, "dana@example.com")

	w, body := do(t, s, http.MethodGet, "/v1/access", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := body["data"].(map[string]any)
	assert.Equal(t, "full", data["level"])
	assert.Equal(t, false, data["dashboardOnly"])
	assert.Equal(t, false, data["degraded"])

	sub := data["subscription"].(map[string]any)
	assert.Equal(t, "trialing", sub["status"])
}

func TestPropertyLifecycleThroughCheckout(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := register(t, s, "owner@example.com")

	w, body := do(t, s, http.MethodPost, "/v1/properties", token, map[string]any{
		"name": "Elm Court", "address": "1 Elm St", "units": 12,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["data"].(map[string]any)["id"].(string)

	w, _ = do(t, s, http.MethodGet, "/v1/properties/"+id, token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// The trial plan does not carry reports.
	w, _ = do(t, s, http.MethodGet, "/v1/properties/report", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The mock provider activates on checkout.
	w, body = do(t, s, http.MethodPost, "/v1/billing/checkout", token, map[string]any{
		"planId": planID(t, s, "Basic"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "active", body["data"].(map[string]any)["status"])

	w, body = do(t, s, http.MethodGet, "/v1/properties/report", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 12, body["data"].(map[string]any)["totalUnits"])

	w, _ = do(t, s, http.MethodDelete, "/v1/properties/"+id, token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCanceledSubscriptionIsDashboardOnly(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := register(t, s, "cancel@example.com")

	w, _ := do(t, s, http.MethodPost, "/v1/subscription/cancel", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Reads still work; writes are refused.
	w, body := do(t, s, http.MethodGet, "/v1/properties", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["dashboardOnly"])

	w, body = do(t, s, http.MethodPost, "/v1/properties", token, map[string]any{"name": "Nope"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "SUBSCRIPTION_REQUIRED", body["code"])
}

func TestBillingWebhookMarksPastDue(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := register(t, s, "hook@example.com")

	w, body := do(t, s, http.MethodGet, "/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	orgID := body["user"].(map[string]any)["organizationId"].(string)

	payload, err := json.Marshal(billing.Event{ID: "evt_1", Type: billing.EventPaymentFailed, OrganizationID: orgID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewReader(payload))
	req.Header.Set(billing.SignatureHeader, devWebhookSecret)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w, body = do(t, s, http.MethodGet, "/v1/access", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "dashboard_only", data["level"])
	assert.Equal(t, "SUBSCRIPTION_REQUIRED", data["code"])
	assert.Equal(t, "past_due", data["userStatus"])
}

// me returns the caller's user and organization IDs.
func me(t *testing.T, s *Server, token string) (userID, orgID string) {
	t.Helper()
	w, body := do(t, s, http.MethodGet, "/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := body["user"].(map[string]any)
	return user["id"].(string), user["organizationId"].(string)
}

func sendWebhook(t *testing.T, s *Server, evt billing.Event) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewReader(payload))
	req.Header.Set(billing.SignatureHeader, devWebhookSecret)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestReactivateOnlyUndoesCancel(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := register(t, s, "undo@example.com")
	_, orgID := me(t, s, token)

	before, err := s.subscriptions.Lookup(context.Background(), orgID)
	require.NoError(t, err)

	w, _ := do(t, s, http.MethodPost, "/v1/subscription/cancel", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, body := do(t, s, http.MethodPost, "/v1/subscription/reactivate", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "trialing", body["data"].(map[string]any)["status"])

	after, err := s.subscriptions.Lookup(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, before.TrialExpiresAt, after.TrialExpiresAt)
	assert.Nil(t, after.CurrentPeriodEndsAt)

	// A failed payment cannot be cleared without paying.
	rec, _ := sendWebhook(t, s, billing.Event{ID: "evt_fail", Type: billing.EventPaymentFailed, OrganizationID: orgID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	w, _ = do(t, s, http.MethodPost, "/v1/subscription/reactivate", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, s, http.MethodGet, "/v1/access", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "past_due", body["data"].(map[string]any)["userStatus"])
}

func TestInactiveUserRejectedEverywhere(t *testing.T) {
	s := newTestServer(t, testConfig())
	token := register(t, s, "suspended@example.com")
	userID, _ := me(t, s, token)

	ctx := context.Background()
	u, err := s.identityStore.GetUser(ctx, userID)
	require.NoError(t, err)
	u.Status = identity.UserSuspended
	require.NoError(t, s.identityStore.UpdateUser(ctx, u))

	routes := []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/v1/auth/me", nil},
		{http.MethodPost, "/v1/organization/members", map[string]any{"name": "A", "email": "a@example.com", "password": "correct-horse-battery", "role": "Agent"}},
		{http.MethodGet, "/v1/subscription", nil},
		{http.MethodPost, "/v1/subscription/cancel", nil},
		{http.MethodPost, "/v1/subscription/reactivate", nil},
		{http.MethodPost, "/v1/billing/checkout", map[string]any{"planId": planID(t, s, "Basic")}},
		{http.MethodGet, "/v1/audit-logs", nil},
		{http.MethodGet, "/v1/access", nil},
		{http.MethodGet, "/v1/properties", nil},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w, _ := do(t, s, rt.method, rt.path, token, rt.body)
			assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
		})
	}

	sub, err := s.subscriptions.Lookup(ctx, u.OrganizationID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrialing, sub.Status)
}

// downAuditStore fails every write, as during a database outage.
type downAuditStore struct {
	*audit.MemoryStore
	appends atomic.Int64
}

func (d *downAuditStore) Append(context.Context, *audit.Entry) error {
	d.appends.Add(1)
	return errors.New("audit database unavailable")
}

func TestPaymentWebhookSurvivesAuditOutage(t *testing.T) {
	auditStore := &downAuditStore{MemoryStore: audit.NewMemoryStore()}
	s := newTestServer(t, testConfig(), WithAuditStore(auditStore))
	token := register(t, s, "outage@example.com")
	_, orgID := me(t, s, token)

	rec, body := sendWebhook(t, s, billing.Event{
		ID:             "evt_paid",
		Type:           billing.EventPaymentSucceeded,
		OrganizationID: orgID,
		PlanID:         planID(t, s, "Basic"),
		ExternalRef:    "sub_ext_1",
		Amount:         2900,
		Currency:       "usd",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["handled"])

	w, resp := do(t, s, http.MethodGet, "/v1/access", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "full", data["level"])
	assert.Equal(t, "active", data["userStatus"])

	require.NoError(t, s.recorder.WaitContext(context.Background()))
	assert.Positive(t, auditStore.appends.Load())
	entries, err := auditStore.List(context.Background(), audit.Filter{OrganizationID: orgID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBootstrapRouteRequiresSecret(t *testing.T) {
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap", bytes.NewBufferString(
		`{"name":"Root","email":"root@example.com","password":"a-long-enough-password"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cfg := testConfig()
	cfg.AdminSecret = ""
	s = newTestServer(t, cfg)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/bootstrap", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitApplied(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPM = 60
	cfg.RateLimitBurst = 2
	s := newTestServer(t, cfg)
	t.Cleanup(s.rateLimiter.Stop)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w, _ := do(t, s, http.MethodGet, "/v1/plans", "", nil)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

// brokenStore fails every subscription read after the catalog is seeded.
type brokenStore struct {
	*subscription.MemoryStore
}

func (brokenStore) GetByOrganization(context.Context, string) (*subscription.Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestLookupFailurePolicy(t *testing.T) {
	tests := []struct {
		policy    string
		wantCode  int
		wantLevel string
	}{
		{"fail_open", http.StatusOK, "full"},
		{"fail_closed", http.StatusServiceUnavailable, ""},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			cfg := testConfig()
			cfg.LookupPolicy = tt.policy
			s := newTestServer(t, cfg, WithSubscriptionStore(brokenStore{subscription.NewMemoryStore()}))
			token := register(t, s, "broken@example.com")

			w, body := do(t, s, http.MethodGet, "/v1/access", token, nil)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantLevel != "" {
				data := body["data"].(map[string]any)
				assert.Equal(t, tt.wantLevel, data["level"])
				assert.Equal(t, true, data["degraded"])
			} else {
				assert.Equal(t, "SUBSCRIPTION_CHECK_FAILED", body["code"])
			}
		})
	}
}

func TestShutdownDrainsAudit(t *testing.T) {
	s := newTestServer(t, testConfig())
	register(t, s, "drain@example.com")

	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, s.healthy.Load())
	assert.False(t, s.ready.Load())
}

func TestPingOnce_StopsOnConfigurationErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"bad password", &pq.Error{Code: "28P01"}, true},
		{"unknown database", &pq.Error{Code: "3D000"}, true},
		{"starting up", &pq.Error{Code: "57P03"}, false},
		{"refused", errors.New("dial tcp: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pingOnce(func(context.Context) error { return tt.err })(context.Background())
			var pe *retry.PermanentError
			assert.Equal(t, tt.permanent, errors.As(err, &pe))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, pingOnce(func(context.Context) error { return nil })(context.Background()))
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/estatedesk", maskDSN("postgres://app:hunter2@db:5432/estatedesk"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
