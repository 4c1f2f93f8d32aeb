// Package validation holds request-size limits and input normalization
// shared by the HTTP handlers.
package validation

import (
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies (1MB).
const MaxRequestSize = 1 << 20

// Field length caps.
const (
	MaxNameLength    = 200
	MaxAddressLength = 500
)

// MaxBody rejects bodies larger than maxSize. Declared lengths are refused up
// front; streamed bodies fail when read past the cap.
func MaxBody(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"error":   "request_too_large",
				"message": "Request body is too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// CleanText trims s, drops control characters, and truncates to maxLen
// runes.
func CleanText(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	if utf8.RuneCountInString(s) > maxLen {
		s = string([]rune(s)[:maxLen])
	}
	return strings.TrimSpace(s)
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a list of field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check runs every rule and collects the failures. It returns nil when all
// rules pass.
func Check(rules ...func() *FieldError) Errors {
	var errs Errors
	for _, rule := range rules {
		if err := rule(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when value is blank.
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength fails when value exceeds max runes.
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: "is too long"}
		}
		return nil
	}
}

// Positive fails when value is below 1.
func Positive(field string, value int) func() *FieldError {
	return func() *FieldError {
		if value < 1 {
			return &FieldError{Field: field, Message: "must be at least 1"}
		}
		return nil
	}
}
