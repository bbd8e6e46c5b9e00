package ledger

import (
	"context"
	"fmt"

	"github.com/meterbase/meterbase/internal/logging"
)

// BalanceSource exposes the denormalized balances to reconcile against the
// event log. The identity store implements this.
type BalanceSource interface {
	ListCachedBalances(ctx context.Context) (map[string]int64, error)
}

// Drift is one identity whose cached balance disagrees with the event log.
type Drift struct {
	IdentityID string `json:"identity_id"`
	Cached     int64  `json:"cached"`
	Actual     int64  `json:"actual"`
}

// Reconcile recomputes every identity's balance from the event log and
// compares it with the cached copy. When repair is true, drifted caches are
// rewritten from the log. Returns the drifts found.
func (s *Service) Reconcile(ctx context.Context, source BalanceSource, repair bool) ([]Drift, error) {
	done := observeOp("reconcile")
	defer done()

	cached, err := source.ListCachedBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cached balances: %w", err)
	}

	var drifts []Drift
	for identityID, cachedBalance := range cached {
		actual, err := s.store.Balance(ctx, identityID)
		if err != nil {
			return drifts, fmt.Errorf("recompute balance for %s: %w", identityID, err)
		}
		if actual == cachedBalance {
			continue
		}

		drifts = append(drifts, Drift{IdentityID: identityID, Cached: cachedBalance, Actual: actual})
		logging.L(ctx).Warn("cached balance drift",
			"identity_id", identityID,
			"cached", cachedBalance,
			"actual", actual)

		if repair && s.cache != nil {
			if err := s.cache.UpdateCachedBalance(ctx, identityID, actual); err != nil {
				return drifts, fmt.Errorf("repair balance for %s: %w", identityID, err)
			}
		}
	}
	return drifts, nil
}
