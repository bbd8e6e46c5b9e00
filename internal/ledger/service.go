package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meterbase/meterbase/internal/idgen"
	"github.com/meterbase/meterbase/internal/logging"
	"github.com/meterbase/meterbase/internal/traces"
)

// Service wraps a Store with validation, balance cache refresh, and
// instrumentation.
type Service struct {
	store Store
	cache BalanceCache

	refreshes sync.WaitGroup
}

// NewService creates a ledger service. cache may be nil, in which case no
// denormalized balance is maintained.
func NewService(store Store, cache BalanceCache) *Service {
	return &Service{store: store, cache: cache}
}

// Spend atomically deducts amount credits from the identity. Returns an
// *InsufficientCreditsError (wrapping ErrInsufficientCredits) when the
// balance cannot cover the amount. The check and deduction are one atomic
// operation; concurrent spends can never overdraw.
func (s *Service) Spend(ctx context.Context, identityID string, amount int64, metadata map[string]string) (*Event, error) {
	done := observeOp("spend")
	defer done()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Spend",
		traces.IdentityID(identityID), traces.Units(amount))
	defer span.End()

	event := &Event{
		ID:         idgen.WithPrefix("evt_"),
		IdentityID: identityID,
		Kind:       KindConsumption,
		Delta:      -amount,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.AppendIfBalanceAtLeast(ctx, event, amount); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("credits spent",
		"identity_id", identityID,
		"amount", amount,
		"event_id", event.ID)

	s.refreshAsync(ctx, identityID)
	return event, nil
}

// Add credits the identity with a positive purchase or refund event.
func (s *Service) Add(ctx context.Context, identityID, kind string, amount int64, metadata map[string]string) (*Event, error) {
	done := observeOp("add")
	defer done()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := ValidateKind(kind, amount); err != nil {
		return nil, err
	}

	event := &Event{
		ID:         idgen.WithPrefix("evt_"),
		IdentityID: identityID,
		Kind:       kind,
		Delta:      amount,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("append %s event: %w", kind, err)
	}

	logging.L(ctx).Info("credits added",
		"identity_id", identityID,
		"kind", kind,
		"amount", amount,
		"event_id", event.ID)

	s.refreshAsync(ctx, identityID)
	return event, nil
}

// GetBalance returns the identity's authoritative balance from the event
// log. If the log cannot be read, it falls back to the cached balance with
// a logged degradation warning rather than failing the caller.
func (s *Service) GetBalance(ctx context.Context, identityID string) (int64, error) {
	done := observeOp("balance")
	defer done()

	balance, err := s.store.Balance(ctx, identityID)
	if err != nil {
		if s.cache != nil {
			if cached, cerr := s.cache.CachedBalance(ctx, identityID); cerr == nil {
				logging.L(ctx).Warn("ledger read failed, serving cached balance",
					"identity_id", identityID, "error", err)
				return cached, nil
			}
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// HasTransaction reports whether a provider transaction ID has already been
// recorded. Used by the billing synchronizer for idempotent crediting.
func (s *Service) HasTransaction(ctx context.Context, providerTxnID string) (bool, error) {
	return s.store.HasTransaction(ctx, providerTxnID)
}

// History returns events newest first. before/beforeID position the page;
// zero values start from the most recent event.
func (s *Service) History(ctx context.Context, identityID string, before time.Time, beforeID string, limit int) ([]*Event, error) {
	done := observeOp("history")
	defer done()

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.List(ctx, identityID, before, beforeID, limit)
}

// RebuildBalance recomputes the balance from the full event log and pushes
// it into the balance cache. Returns the recomputed value.
func (s *Service) RebuildBalance(ctx context.Context, identityID string) (int64, error) {
	done := observeOp("rebuild")
	defer done()

	balance, err := s.store.Balance(ctx, identityID)
	if err != nil {
		return 0, fmt.Errorf("rebuild balance: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.UpdateCachedBalance(ctx, identityID, balance); err != nil {
			return balance, fmt.Errorf("update cached balance: %w", err)
		}
	}
	return balance, nil
}

// refreshAsync recomputes the denormalized balance off the write path. The
// event log is already committed, so the refresh must not add a store round
// trip to the request and must not die with the request context.
func (s *Service) refreshAsync(ctx context.Context, identityID string) {
	if s.cache == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.refreshes.Add(1)
	go func() {
		defer s.refreshes.Done()
		s.refreshCachedBalance(ctx, identityID)
	}()
}

// Wait blocks until in-flight balance refreshes have finished. Called
// during shutdown so committed writes reach the cache before exit.
func (s *Service) Wait() {
	s.refreshes.Wait()
}

// refreshCachedBalance updates the denormalized balance after a write.
// Failures are logged, not returned: the event log is already committed and
// remains authoritative.
func (s *Service) refreshCachedBalance(ctx context.Context, identityID string) {
	if s.cache == nil {
		return
	}
	balance, err := s.store.Balance(ctx, identityID)
	if err != nil {
		logging.L(ctx).Warn("balance refresh read failed",
			"identity_id", identityID, "error", err)
		return
	}
	if err := s.cache.UpdateCachedBalance(ctx, identityID, balance); err != nil {
		logging.L(ctx).Warn("cached balance update failed",
			"identity_id", identityID, "error", err)
	}
}
