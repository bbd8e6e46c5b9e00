// Package identity manages tenant identities. An identity is the unit of
// account for credits and subscriptions, keyed by normalized email. Sites
// attach to identities; entitlements resolve through them.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no identity exists for the given key.
	ErrNotFound = errors.New("identity not found")
	// ErrStaleSchemaVersion means a schema version update tried to move backwards.
	ErrStaleSchemaVersion = errors.New("stale schema version")
)

// CurrentSchemaVersion is the version stamped onto newly created identities.
const CurrentSchemaVersion = 2

// Identity is a billable tenant account.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	// CachedBalance is a denormalized copy of the ledger balance, refreshed
	// after writes. The ledger event log is authoritative; this value serves
	// reads that tolerate slight staleness.
	CachedBalance int64 `json:"cached_balance"`

	// SchemaVersion tracks which shape of the identity record this row was
	// last written with. Only moves forward.
	SchemaVersion int `json:"schema_version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists identities.
type Store interface {
	// GetOrCreate returns the identity for email, creating it on first sight.
	// Email must already be normalized (see validation.NormalizeEmail).
	GetOrCreate(ctx context.Context, email string) (*Identity, error)

	// GetByID returns the identity with the given ID.
	GetByID(ctx context.Context, id string) (*Identity, error)

	// GetByEmail returns the identity for a normalized email.
	GetByEmail(ctx context.Context, email string) (*Identity, error)

	// UpdateCachedBalance sets the denormalized balance copy.
	UpdateCachedBalance(ctx context.Context, id string, balance int64) error

	// CachedBalance reads the denormalized balance copy. Serves as a
	// degraded fallback when the ledger store is unreachable.
	CachedBalance(ctx context.Context, id string) (int64, error)

	// SetSchemaVersion bumps the identity's schema version. Returns
	// ErrStaleSchemaVersion if version is lower than the stored one.
	SetSchemaVersion(ctx context.Context, id string, version int) error

	// ListCachedBalances returns every identity's cached balance, keyed by
	// identity ID. Used by ledger reconciliation.
	ListCachedBalances(ctx context.Context) (map[string]int64, error)
}
