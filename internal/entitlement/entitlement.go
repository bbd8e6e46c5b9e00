// Package entitlement resolves which quota source governs a request and
// how many units remain under it. Exactly one source applies at a time:
// a license key outranks an authenticated subscription, which outranks
// the anonymous free tier.
package entitlement

import (
	"errors"
	"time"
)

// Quota sources, in priority order.
const (
	SourceLicense      = "license"
	SourceSubscription = "subscription"
	SourceFree         = "free"
)

// ErrUnresolvable means no quota source could be determined. The free
// tier normally catches everything, so this surfaces only when the
// stores themselves fail.
var ErrUnresolvable = errors.New("quota source unresolvable")

// Request is the context an entitlement check arrives with.
type Request struct {
	// SiteHash identifies the consuming site. Required, pre-validated.
	SiteHash string
	// LicenseKey is an explicitly presented key, if any.
	LicenseKey string
	// Email is the verified session identity, if the caller is signed in.
	Email string
	// Product scopes subscription lookups.
	Product string
}

// Resolution is the outcome of an entitlement check.
type Resolution struct {
	Source string `json:"quota_source"`
	Plan   string `json:"plan,omitempty"`

	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`

	// Unlimited short-circuits limit accounting entirely. Limit and
	// Remaining hold -1 when set.
	Unlimited bool `json:"unlimited"`

	// ResetDate is when the current usage window rolls over.
	ResetDate time.Time `json:"reset_date"`

	SiteID     string `json:"-"`
	IdentityID string `json:"-"`
}

// Allows reports whether the resolution permits consuming n more units.
func (r *Resolution) Allows(n int64) bool {
	return r.Unlimited || r.Remaining >= n
}
