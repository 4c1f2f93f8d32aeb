package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/estatedesk/internal/identity"
	"github.com/mbd888/estatedesk/internal/logging"
	"github.com/mbd888/estatedesk/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var landlord = &identity.User{ID: "usr_l", Role: identity.RoleLandlord, Status: identity.UserActive, OrganizationID: "org_1"}

func newCaptureRouter(rec *Recorder, user *identity.User) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if user != nil {
			c.Set(identity.ContextKeyUser, user)
		}
		c.Next()
	})
	r.POST("/properties", Capture(rec, "PROPERTY_CREATE", "property"), func(c *gin.Context) {
		var body map[string]any
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"id": "prp_new", "name": body["name"]}})
	})
	r.PUT("/properties/:id", Capture(rec, "PROPERTY_UPDATE", "property"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	r.DELETE("/properties/:id", Capture(rec, "PROPERTY_DELETE", "property"), func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "not found"})
	})
	r.POST("/bulk", Capture(rec, "BULK_IMPORT", "property"), func(c *gin.Context) {
		c.String(http.StatusOK, "imported")
	})
	return r
}

func send(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "estatedesk-test")
	r.ServeHTTP(w, req)
	return w
}

func TestCapture_RecordsSuccessfulMutation(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, logging.Discard())
	r := newCaptureRouter(rec, landlord)

	w := send(r, http.MethodPost, "/properties?src=ui", `{"name":"Elm House","password":"hunter22"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"success":true,"data":{"id":"prp_new","name":"Elm House"}}`, w.Body.String(),
		"client sees the handler's body unchanged")
	rec.Wait()

	entries, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "usr_l", e.ActorID)
	assert.Equal(t, "org_1", e.OrganizationID)
	assert.Equal(t, "PROPERTY_CREATE", e.Action)
	assert.Equal(t, "property", e.Resource)
	assert.Equal(t, "prp_new", e.ResourceID)
	assert.Equal(t, "estatedesk-test", e.UserAgent)
	assert.Equal(t, "POST", e.Details["method"])
	assert.Equal(t, "/properties?src=ui", e.Details["url"])
	body, ok := e.Details["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Elm House", body["name"])
	assert.Equal(t, "[REDACTED]", body["password"])
}

func TestCapture_PrefersRouteParam(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, logging.Discard())

	send(newCaptureRouter(rec, landlord), http.MethodPut, "/properties/prp_42", `{"name":"x"}`)
	rec.Wait()

	entries, _ := store.List(context.Background(), Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, "prp_42", entries[0].ResourceID)
}

func TestCapture_SkipsFailures(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, logging.Discard())

	w := send(newCaptureRouter(rec, landlord), http.MethodDelete, "/properties/prp_1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	rec.Wait()
	assert.Zero(t, store.Len())
}

func TestCapture_SkipsUnauthenticated(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, logging.Discard())

	w := send(newCaptureRouter(rec, nil), http.MethodPost, "/properties", `{"name":"x"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	rec.Wait()
	assert.Zero(t, store.Len())
}

func TestCapture_UnknownResource(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, logging.Discard())

	w := send(newCaptureRouter(rec, landlord), http.MethodPost, "/bulk", "not json")
	assert.Equal(t, "imported", w.Body.String())
	rec.Wait()

	entries, _ := store.List(context.Background(), Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, UnknownResourceID, entries[0].ResourceID)
	assert.Equal(t, "not json", entries[0].Details["body"])
}

func TestCapture_AuditOutageInvisibleToClient(t *testing.T) {
	healthy := NewRecorder(NewMemoryStore(), logging.Discard())
	broken := NewRecorder(&failingStore{}, logging.Discard())

	ok := send(newCaptureRouter(healthy, landlord), http.MethodPost, "/properties", `{"name":"Elm"}`)
	failed := send(newCaptureRouter(broken, landlord), http.MethodPost, "/properties", `{"name":"Elm"}`)
	healthy.Wait()
	broken.Wait()

	assert.Equal(t, ok.Code, failed.Code)
	assert.Equal(t, ok.Body.String(), failed.Body.String())
}

func TestResourceID(t *testing.T) {
	tests := []struct {
		name  string
		param string
		body  string
		want  string
	}{
		{"param wins", "prp_1", `{"data":{"id":"prp_2"}}`, "prp_1"},
		{"data.id", "", `{"data":{"id":"prp_2"}}`, "prp_2"},
		{"data._id", "", `{"data":{"_id":"abc"}}`, "abc"},
		{"top-level id", "", `{"id":"sub_9"}`, "sub_9"},
		{"array data", "", `{"data":[{"id":"x"}]}`, UnknownResourceID},
		{"not json", "", `ok`, UnknownResourceID},
		{"empty", "", ``, UnknownResourceID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResourceID(tt.param, []byte(tt.body)))
		})
	}
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCapture_UnreadableBody(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, logging.Discard())
	r := gin.New()
	r.Use(validation.MaxBody(16))
	r.Use(func(c *gin.Context) {
		c.Set(identity.ContextKeyUser, landlord)
		c.Next()
	})
	reached := false
	r.POST("/properties", Capture(rec, "PROPERTY_CREATE", "property"), func(c *gin.Context) {
		reached = true
		c.JSON(http.StatusCreated, gin.H{"success": true})
	})

	// Chunked, so the limit is only discovered while reading.
	req := httptest.NewRequest(http.MethodPost, "/properties", strings.NewReader(`{"name":"a very long property name"}`))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "request_too_large")

	req = httptest.NewRequest(http.MethodPost, "/properties", failingBody{})
	req.ContentLength = -1
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.False(t, reached)
	rec.Wait()
	assert.Zero(t, store.Len())
}
