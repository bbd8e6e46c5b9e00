// Package ledger is the event-sourced credit ledger. Every credit movement
// is an immutable signed-delta event; an identity's balance is the sum of
// its events. Spends append conditionally so the balance can never go
// negative, regardless of concurrency.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Event kinds. Purchases and refunds carry positive deltas, consumption
// carries negative deltas.
const (
	KindPurchase    = "purchase"
	KindConsumption = "consumption"
	KindRefund      = "refund"
)

// MetaProviderTxnID is the metadata key holding the upstream payment
// provider's transaction ID, used for webhook idempotency.
const MetaProviderTxnID = "provider_txn_id"

var (
	// ErrInsufficientCredits means a spend would overdraw the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidAmount means a requested amount was zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidKind means an event kind outside the known set.
	ErrInvalidKind = errors.New("invalid event kind")
	// ErrSignMismatch means an event's delta sign contradicts its kind.
	ErrSignMismatch = errors.New("event delta sign does not match kind")
)

// InsufficientCreditsError reports a rejected spend with the balance
// observed at decision time.
type InsufficientCreditsError struct {
	Balance   int64
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, requested %d", e.Balance, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Event is one immutable credit movement.
type Event struct {
	ID         string            `json:"id"`
	IdentityID string            `json:"identity_id"`
	Kind       string            `json:"kind"`
	Delta      int64             `json:"delta"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ValidateKind checks that kind is one of the known event kinds and that
// delta carries the sign the kind requires.
func ValidateKind(kind string, delta int64) error {
	switch kind {
	case KindPurchase, KindRefund:
		if delta <= 0 {
			return ErrSignMismatch
		}
	case KindConsumption:
		if delta >= 0 {
			return ErrSignMismatch
		}
	default:
		return ErrInvalidKind
	}
	return nil
}

// Store persists ledger events. Append operations must be atomic with
// respect to the balance check they encode.
type Store interface {
	// Append records a pre-validated event unconditionally.
	Append(ctx context.Context, event *Event) error

	// AppendIfBalanceAtLeast records event only if the identity's current
	// balance (sum of deltas) is at least minBalance. On rejection it
	// returns an *InsufficientCreditsError. The check and the append are a
	// single atomic step.
	AppendIfBalanceAtLeast(ctx context.Context, event *Event, minBalance int64) error

	// Balance returns the sum of deltas for an identity. Zero for an
	// identity with no events.
	Balance(ctx context.Context, identityID string) (int64, error)

	// HasTransaction reports whether any event carries the given provider
	// transaction ID in its metadata.
	HasTransaction(ctx context.Context, providerTxnID string) (bool, error)

	// List returns events for an identity, newest first, up to limit,
	// starting after the given cursor position (zero values mean from the top).
	List(ctx context.Context, identityID string, before time.Time, beforeID string, limit int) ([]*Event, error)
}

// BalanceCache holds the denormalized balance copies kept alongside
// identities. The identity store implements this: writes refresh it after
// every ledger mutation, and reads serve as a degraded fallback when the
// event log is unreachable.
type BalanceCache interface {
	UpdateCachedBalance(ctx context.Context, identityID string, balance int64) error
	CachedBalance(ctx context.Context, identityID string) (int64, error)
}
