// Package property manages the rental properties an organization owns.
package property

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPropertyNotFound = errors.New("property: not found")
	ErrInvalidProperty  = errors.New("property: invalid property")
)

// Property is a building or lot with one or more rentable units.
type Property struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	Address        string    `json:"address,omitempty"`
	Units          int       `json:"units"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Validate checks required fields.
func (p *Property) Validate() error {
	if p.OrganizationID == "" {
		return fmt.Errorf("%w: organization is required", ErrInvalidProperty)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProperty)
	}
	if p.Units < 1 {
		return fmt.Errorf("%w: units must be at least 1", ErrInvalidProperty)
	}
	return nil
}

// Report summarizes an organization's portfolio.
type Report struct {
	TotalProperties int       `json:"totalProperties"`
	TotalUnits      int       `json:"totalUnits"`
	AverageUnits    float64   `json:"averageUnits"`
	Largest         *Property `json:"largest,omitempty"`
}

// Summarize builds a Report over props.
func Summarize(props []*Property) Report {
	var r Report
	for _, p := range props {
		r.TotalProperties++
		r.TotalUnits += p.Units
		if r.Largest == nil || p.Units > r.Largest.Units {
			r.Largest = p
		}
	}
	if r.TotalProperties > 0 {
		r.AverageUnits = float64(r.TotalUnits) / float64(r.TotalProperties)
	}
	return r
}

// Store persists properties. Every lookup is scoped to an organization.
type Store interface {
	Create(ctx context.Context, p *Property) error
	Get(ctx context.Context, orgID, id string) (*Property, error)
	// List returns the organization's properties, newest first.
	List(ctx context.Context, orgID string) ([]*Property, error)
	Count(ctx context.Context, orgID string) (int, error)
	Update(ctx context.Context, p *Property) error
	Delete(ctx context.Context, orgID, id string) error
}
