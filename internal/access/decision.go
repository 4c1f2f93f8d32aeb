package access

import (
	"errors"
	"net/http"

	"github.com/mbd888/estatedesk/internal/subscription"
)

// Errors
var (
	ErrUnauthorized                = errors.New("access: unauthorized")
	ErrAccountInactive             = errors.New("access: account inactive")
	ErrNoOrganization              = errors.New("access: user has no organization")
	ErrSubscriptionRequired        = errors.New("access: subscription required")
	ErrTrialExpired                = errors.New("access: trial expired")
	ErrFeatureRequiresSubscription = errors.New("access: feature requires a subscription")
	ErrFeatureNotAvailable         = errors.New("access: feature not available on current plan")
	ErrSubscriptionCheckFailed     = errors.New("access: subscription check failed")
)

// Machine-readable reason codes sent to clients.
const (
	CodeUnauthorized                = "UNAUTHORIZED"
	CodeAccountInactive             = "ACCOUNT_INACTIVE"
	CodeNoOrganization              = "NO_ORGANIZATION"
	CodeSubscriptionRequired        = "SUBSCRIPTION_REQUIRED"
	CodeTrialExpired                = "TRIAL_EXPIRED"
	CodeFeatureRequiresSubscription = "FEATURE_REQUIRES_SUBSCRIPTION"
	CodeFeatureNotAvailable         = "FEATURE_NOT_AVAILABLE"
	CodeSubscriptionCheckFailed     = "SUBSCRIPTION_CHECK_FAILED"
)

var codeErrors = map[string]error{
	CodeUnauthorized:                ErrUnauthorized,
	CodeAccountInactive:             ErrAccountInactive,
	CodeNoOrganization:              ErrNoOrganization,
	CodeSubscriptionRequired:        ErrSubscriptionRequired,
	CodeTrialExpired:                ErrTrialExpired,
	CodeFeatureRequiresSubscription: ErrFeatureRequiresSubscription,
	CodeFeatureNotAvailable:         ErrFeatureNotAvailable,
	CodeSubscriptionCheckFailed:     ErrSubscriptionCheckFailed,
}

// Level is how much of the product a request may use.
type Level string

const (
	LevelFull          Level = "full"
	LevelDashboardOnly Level = "dashboard_only"
	LevelDenied        Level = "denied"
)

// Decision is the outcome of an access evaluation. Denials and degraded
// grants carry a code, an HTTP status and a client-facing message; they are
// values, not panics or errors thrown past the gate.
type Decision struct {
	Level        Level
	Code         string
	Status       int
	Message      string
	UserStatus   string
	RedirectTo   string
	Subscription *subscription.View
	Plan         *subscription.Plan

	// Degraded is set when the subscription lookup failed and the
	// fail-open policy granted access anyway.
	Degraded bool
}

// Full reports whether every endpoint may proceed.
func (d Decision) Full() bool { return d.Level == LevelFull }

// DashboardOnly reports the soft-degrade mode.
func (d Decision) DashboardOnly() bool { return d.Level == LevelDashboardOnly }

// OK reports an unconditional grant: no reason code attached.
func (d Decision) OK() bool { return d.Code == "" }

// HardStop reports whether the request must not proceed at all.
func (d Decision) HardStop() bool { return d.Level == LevelDenied }

// Err returns the sentinel for the decision's code, or nil for a full grant.
func (d Decision) Err() error {
	if d.Code == "" {
		return nil
	}
	return codeErrors[d.Code]
}

// Body renders the structured denial payload.
func (d Decision) Body() map[string]any {
	body := map[string]any{
		"success":       false,
		"message":       d.Message,
		"code":          d.Code,
		"userStatus":    d.UserStatus,
		"dashboardOnly": d.Level != LevelFull,
		"redirectTo":    d.RedirectTo,
	}
	if d.Plan != nil && d.Code == CodeFeatureNotAvailable {
		body["currentPlan"] = d.Plan.Name
	}
	return body
}

// denialStatus is the status used when a soft decision must be refused.
func (d Decision) denialStatus() int {
	if d.Status != 0 {
		return d.Status
	}
	return http.StatusForbidden
}

func full(userStatus string) Decision {
	return Decision{Level: LevelFull, UserStatus: userStatus}
}

func denied(status int, code, message, userStatus string) Decision {
	return Decision{Level: LevelDenied, Status: status, Code: code, Message: message, UserStatus: userStatus}
}
