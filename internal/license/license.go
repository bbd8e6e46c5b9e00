// Package license manages pre-issued license keys. A license grants its
// own unit limit independent of any subscription, and outranks both the
// subscription and free-tier paths during entitlement resolution.
package license

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/meterbase/meterbase/internal/idgen"
)

var (
	// ErrNotFound means no license exists for the given key.
	ErrNotFound = errors.New("license not found")
	// ErrRevoked means the license exists but has been revoked.
	ErrRevoked = errors.New("license revoked")
)

// License is one issued key.
type License struct {
	Key        string `json:"key"`
	IdentityID string `json:"identity_id"`
	OwnerEmail string `json:"owner_email"`
	Plan       string `json:"plan"`

	// Limit is the monthly unit allowance granted by the key. Negative
	// means unlimited.
	Limit int64 `json:"limit"`

	// ProviderTxnID is the payment provider transaction that issued this
	// license, for idempotent fulfillment.
	ProviderTxnID string `json:"provider_txn_id,omitempty"`

	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Active reports whether the license currently grants access.
func (l *License) Active() bool {
	return l.RevokedAt == nil
}

// GenerateKey mints a new license key. Keys are uppercase and prefixed so
// support can recognize them on sight.
func GenerateKey() string {
	return "MB-" + strings.ToUpper(idgen.Hex(12))
}

// Store persists licenses.
type Store interface {
	// Create stores a new license. The key must be unique.
	Create(ctx context.Context, lic *License) error

	// GetByKey returns the license with the given key.
	GetByKey(ctx context.Context, key string) (*License, error)

	// GetByProviderTxnID returns the license issued by a provider
	// transaction, if one exists.
	GetByProviderTxnID(ctx context.Context, providerTxnID string) (*License, error)

	// ListByIdentity returns all licenses owned by an identity.
	ListByIdentity(ctx context.Context, identityID string) ([]*License, error)

	// Revoke marks a license as revoked.
	Revoke(ctx context.Context, key string) error
}
