// Package subscription tracks billing subscriptions per identity and
// product, and normalizes the payment provider's status vocabulary into
// the small set the rest of the platform reasons about.
package subscription

import (
	"context"
	"errors"
	"time"
)

// Status is the normalized subscription state.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusInactive  Status = "inactive"
)

// ErrNotFound means no subscription record exists for the given key.
var ErrNotFound = errors.New("subscription not found")

// Record is the stored subscription state for one (identity, product) pair.
// At most one record exists per pair; provider updates upsert in place.
type Record struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity_id"`
	Product    string `json:"product"`
	Plan       string `json:"plan"`

	// Status is the normalized state as of the last provider sync.
	// Time-based expiry is derived on read, not stored; see EffectiveStatus.
	Status Status `json:"status"`

	// ProviderSubID is the payment provider's subscription identifier.
	ProviderSubID string `json:"provider_sub_id,omitempty"`

	// RenewsAt is the end of the current paid period, when known.
	RenewsAt *time.Time `json:"renews_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize maps a provider status string to the internal vocabulary.
// Unknown or empty provider statuses map to inactive rather than failing:
// a status we cannot interpret must never grant access.
func Normalize(providerStatus string) Status {
	switch providerStatus {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrial
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCancelled
	case "incomplete", "incomplete_expired", "paused":
		return StatusInactive
	default:
		return StatusInactive
	}
}

// EffectiveStatus derives the status as of now. A subscription that was
// active or trialing at last sync but whose paid period has ended reads as
// expired, without waiting for the provider to tell us.
func (r *Record) EffectiveStatus(now time.Time) Status {
	if (r.Status == StatusActive || r.Status == StatusTrial) &&
		r.RenewsAt != nil && r.RenewsAt.Before(now) {
		return StatusExpired
	}
	return r.Status
}

// Entitled reports whether the status grants plan access.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrial
}

// Store persists subscription records.
type Store interface {
	// Upsert creates or replaces the record for (identity, product).
	Upsert(ctx context.Context, record *Record) error

	// Get returns the record for (identity, product).
	Get(ctx context.Context, identityID, product string) (*Record, error)

	// GetByProviderSubID returns the record carrying the provider's
	// subscription identifier.
	GetByProviderSubID(ctx context.Context, providerSubID string) (*Record, error)

	// ListByIdentity returns all records for an identity.
	ListByIdentity(ctx context.Context, identityID string) ([]*Record, error)
}
