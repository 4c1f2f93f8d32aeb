package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatedesk/internal/identity"
)

// maxCapturedBody bounds how much of a request or response body is kept.
const maxCapturedBody = 64 << 10

var redactedFields = []string{"password", "token", "secret"}

// captureWriter tees the response body into buf while passing every byte
// through to the client unchanged.
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.keep(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.keep([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *captureWriter) keep(b []byte) {
	if room := maxCapturedBody - w.buf.Len(); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		w.buf.Write(b)
	}
}

// Capture records action on resource for every successful (2xx) response
// from the wrapped handlers. The entry is submitted after the handler has
// written its response, so it reflects what actually happened. Failed and
// unauthenticated requests are not recorded.
func Capture(r *Recorder, action, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var reqBody []byte
		if c.Request.Method != http.MethodGet && c.Request.Body != nil {
			raw, err := io.ReadAll(c.Request.Body)
			if err != nil {
				abortUnreadable(c, err)
				return
			}
			reqBody = raw
			c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw

		c.Next()

		status := cw.Status()
		if status < 200 || status >= 300 {
			return
		}
		user, ok := identity.UserFromContext(c)
		if !ok {
			return
		}

		details := map[string]any{
			"method":    c.Request.Method,
			"url":       c.Request.URL.RequestURI(),
			"userAgent": c.Request.UserAgent(),
		}
		if c.Request.Method != http.MethodGet && len(reqBody) > 0 {
			details["body"] = decodeBody(reqBody)
		}

		r.Record(c.Request.Context(), Entry{
			ActorID:        user.ID,
			OrganizationID: user.OrganizationID,
			Action:         action,
			Resource:       resource,
			ResourceID:     ResourceID(c.Param("id"), cw.buf.Bytes()),
			Details:        details,
			IPAddress:      c.ClientIP(),
			UserAgent:      c.Request.UserAgent(),
		})
	}
}

// ResourceID picks the best identifier for the affected resource: the route
// :id when present, else an id found in the JSON response, else
// UnknownResourceID.
func ResourceID(param string, responseBody []byte) string {
	if param != "" {
		return param
	}
	var body map[string]any
	if json.Unmarshal(responseBody, &body) != nil {
		return UnknownResourceID
	}
	if data, ok := body["data"].(map[string]any); ok {
		if id := stringField(data, "id", "_id"); id != "" {
			return id
		}
	}
	if id := stringField(body, "id", "_id"); id != "" {
		return id
	}
	return UnknownResourceID
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func decodeBody(raw []byte) any {
	if len(raw) > maxCapturedBody {
		raw = raw[:maxCapturedBody]
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if m, ok := v.(map[string]any); ok {
		for k := range m {
			for _, f := range redactedFields {
				if strings.Contains(strings.ToLower(k), f) {
					m[k] = "[REDACTED]"
				}
			}
		}
	}
	return v
}

// abortUnreadable answers a request whose body could not be buffered, keeping
// the 413 a size limit upstream would have produced.
func abortUnreadable(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
			"success": false,
			"error":   "request_too_large",
			"message": "Request body is too large",
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "invalid_request",
		"message": "failed to read body",
	})
}
