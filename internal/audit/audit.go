// Package audit keeps an append-only trail of who did what to which
// resource. Writes are best effort and never block or fail the request that
// produced them.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/estatedesk/internal/pagination"
)

// ErrInvalidEntry is returned for entries missing an actor or action.
var ErrInvalidEntry = errors.New("audit: entry requires actor and action")

// UnknownResourceID marks entries whose resource could not be identified.
const UnknownResourceID = "unknown"

// Entry is one write-once audit record.
type Entry struct {
	ID             string         `json:"id"`
	ActorID        string         `json:"actorId"`
	OrganizationID string         `json:"organizationId,omitempty"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource,omitempty"`
	ResourceID     string         `json:"resourceId,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	IPAddress      string         `json:"ipAddress,omitempty"`
	UserAgent      string         `json:"userAgent,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Validate checks the required fields.
func (e *Entry) Validate() error {
	if e.ActorID == "" || e.Action == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Filter narrows List. Zero values match everything. Action matches
// case-insensitively as a substring.
type Filter struct {
	OrganizationID string
	ActorID        string
	Action         string
	Since          time.Time
	Until          time.Time
	// Before resumes a newest-first listing after the given row.
	Before *pagination.Cursor
	Limit  int
}

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 200

// Store persists audit entries. There is deliberately no update or delete.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// List returns matching entries, newest first with ties broken by
	// descending ID.
	List(ctx context.Context, f Filter) ([]*Entry, error)
}
