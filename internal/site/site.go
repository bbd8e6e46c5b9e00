// Package site tracks the installed sites that consume entitlements. A
// site is identified by an opaque hash computed by the client plugin; it
// may run anonymously on the free tier or attach a license key that links
// it to a paying identity.
package site

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no site exists for the given key.
	ErrNotFound = errors.New("site not found")
)

// Site is one installation.
type Site struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`

	// IdentityID links the site to a billing identity once a license is
	// attached. Empty for anonymous free-tier sites.
	IdentityID string `json:"identity_id,omitempty"`

	// LicenseKey is the key the site presented, if any.
	LicenseKey string `json:"license_key,omitempty"`

	// FreeLimit is the site's monthly free-tier allowance, stamped at
	// creation from the configured default.
	FreeLimit int64 `json:"free_limit"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists sites and their usage log.
type Store interface {
	// GetOrCreateByHash returns the site with the given hash, creating an
	// anonymous record on first sight.
	GetOrCreateByHash(ctx context.Context, hash string) (*Site, error)

	// GetByHash returns the site with the given hash.
	GetByHash(ctx context.Context, hash string) (*Site, error)

	// AttachLicense links a license key and its owning identity to a site.
	// Re-attaching the same key is a no-op; attaching a different key
	// replaces the previous link.
	AttachLicense(ctx context.Context, siteID, licenseKey, identityID string) error

	// RecordUsage appends units consumed by a site at the given time.
	RecordUsage(ctx context.Context, siteID string, units int64, at time.Time) error

	// UsedSince returns the total units a site consumed at or after since.
	UsedSince(ctx context.Context, siteID string, since time.Time) (int64, error)
}

// MonthStart returns the beginning of the calendar month containing t, in
// UTC. Free-tier windows reset on this boundary.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
