// Package identity holds the principals (users) and tenant boundaries
// (organizations) that every organization-scoped request is evaluated
// against, plus the token and middleware plumbing that resolves them.
package identity

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Errors
var (
	ErrUserNotFound         = errors.New("identity: user not found")
	ErrOrganizationNotFound = errors.New("identity: organization not found")
	ErrEmailTaken           = errors.New("identity: email already registered")
	ErrInvalidRole          = errors.New("identity: invalid role")
	ErrInvalidToken         = errors.New("identity: invalid or expired token")
	ErrInvalidCredentials   = errors.New("identity: invalid credentials")
	ErrOwnerNotMember       = errors.New("identity: organization owner must be a member")
)

// Role is the closed set of user roles.
type Role string

const (
	RoleSuperAdmin Role = "Super Admin"
	RoleLandlord   Role = "Landlord"
	RoleAgent      Role = "Agent"
	RoleTenant     Role = "Tenant"
)

var allRoles = []Role{RoleSuperAdmin, RoleLandlord, RoleAgent, RoleTenant}

// ParseRole converts a stored or submitted role name. Unknown names are
// rejected rather than mapped to a default.
func ParseRole(s string) (Role, error) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return slices.Contains(allRoles, r)
}

// RoleSet is a capability set of roles allowed to perform an operation.
type RoleSet map[Role]struct{}

// Roles builds a RoleSet.
func Roles(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Has reports whether r is in the set.
func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

// UserStatus gates access independently of any subscription.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserPending   UserStatus = "pending"
)

// User is a principal belonging to one organization.
type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	Role           Role       `json:"role"`
	Status         UserStatus `json:"status"`
	OrganizationID string     `json:"organizationId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Active reports whether the account itself may make requests.
func (u *User) Active() bool {
	return u.Status != UserSuspended && u.Status != UserPending
}

// IsSuperAdmin reports whether u bypasses all subscription checks.
func (u *User) IsSuperAdmin() bool {
	return u.Role == RoleSuperAdmin
}

// OrgStatus is an organization's lifecycle state.
type OrgStatus string

const (
	OrgActive          OrgStatus = "active"
	OrgInactive        OrgStatus = "inactive"
	OrgPendingDeletion OrgStatus = "pending_deletion"
)

// Organization is the tenant boundary.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Members   []string  `json:"members"`
	Status    OrgStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the organization invariants.
func (o *Organization) Validate() error {
	if o.OwnerID != "" && !slices.Contains(o.Members, o.OwnerID) {
		return ErrOwnerNotMember
	}
	return nil
}

// HasMember reports whether userID belongs to the organization.
func (o *Organization) HasMember(userID string) bool {
	return slices.Contains(o.Members, userID)
}
