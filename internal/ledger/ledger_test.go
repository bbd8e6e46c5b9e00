package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// cacheSpy records UpdateCachedBalance calls for assertions.
type cacheSpy struct {
	mu       sync.Mutex
	balances map[string]int64
}

func newCacheSpy() *cacheSpy {
	return &cacheSpy{balances: make(map[string]int64)}
}

func (c *cacheSpy) UpdateCachedBalance(_ context.Context, identityID string, balance int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[identityID] = balance
	return nil
}

func (c *cacheSpy) CachedBalance(_ context.Context, identityID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[identityID], nil
}

func (c *cacheSpy) get(identityID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[identityID]
}

// failingStore errors on every read, for exercising the cached fallback.
type failingStore struct {
	Store
}

func (failingStore) Balance(context.Context, string) (int64, error) {
	return 0, errors.New("store down")
}

func newTestService() (*Service, *cacheSpy) {
	cache := newCacheSpy()
	return NewService(NewMemoryStore(), cache), cache
}

func TestAddAndBalance(t *testing.T) {
	svc, cache := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, "idn_1", KindPurchase, 100, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	balance, err := svc.GetBalance(ctx, "idn_1")
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
	svc.Wait()
	if cache.get("idn_1") != 100 {
		t.Errorf("cached balance = %d, want 100", cache.get("idn_1"))
	}
}

func TestAddRejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, "idn_1", KindPurchase, 0, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Add(0) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Add(ctx, "idn_1", KindPurchase, -5, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Add(-5) error = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Add(ctx, "idn_1", "gift", 10, nil); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("Add(gift) error = %v, want ErrInvalidKind", err)
	}
	if _, err := svc.Add(ctx, "idn_1", KindConsumption, 10, nil); !errors.Is(err, ErrSignMismatch) {
		t.Errorf("Add(consumption, +10) error = %v, want ErrSignMismatch", err)
	}
}

func TestSpendDeducts(t *testing.T) {
	svc, cache := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, "idn_1", KindPurchase, 100, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	event, err := svc.Spend(ctx, "idn_1", 30, map[string]string{"reason": "export"})
	if err != nil {
		t.Fatalf("Spend() error = %v", err)
	}
	if event.Delta != -30 {
		t.Errorf("spend delta = %d, want -30", event.Delta)
	}
	if event.Kind != KindConsumption {
		t.Errorf("spend kind = %q, want %q", event.Kind, KindConsumption)
	}

	balance, _ := svc.GetBalance(ctx, "idn_1")
	if balance != 70 {
		t.Errorf("balance after spend = %d, want 70", balance)
	}
	svc.Wait()
	if cache.get("idn_1") != 70 {
		t.Errorf("cached balance = %d, want 70", cache.get("idn_1"))
	}
}

func TestSpendInsufficient(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, "idn_1", KindPurchase, 10, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	_, err := svc.Spend(ctx, "idn_1", 25, nil)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("Spend() error = %v, want ErrInsufficientCredits", err)
	}

	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("Spend() error type = %T, want *InsufficientCreditsError", err)
	}
	if ice.Balance != 10 || ice.Requested != 25 {
		t.Errorf("error detail = {balance %d, requested %d}, want {10, 25}", ice.Balance, ice.Requested)
	}

	// Rejected spend leaves the ledger untouched.
	balance, _ := svc.GetBalance(ctx, "idn_1")
	if balance != 10 {
		t.Errorf("balance after rejected spend = %d, want 10", balance)
	}
}

func TestSpendZeroBalanceIdentity(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Spend(context.Background(), "idn_new", 1, nil)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("Spend() on empty identity error = %v, want ErrInsufficientCredits", err)
	}
}

func TestSpendRejectsInvalidAmount(t *testing.T) {
	svc, _ := newTestService()

	for _, amount := range []int64{0, -1} {
		if _, err := svc.Spend(context.Background(), "idn_1", amount, nil); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Spend(%d) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

// Concurrent spends against one identity must never overdraw: with 100
// credits and 20 goroutines each spending 10, exactly 10 succeed.
func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Add(ctx, "idn_1", KindPurchase, 100, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Spend(ctx, "idn_1", 10, nil); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("successful spends = %d, want 10", succeeded)
	}

	balance, _ := svc.GetBalance(ctx, "idn_1")
	if balance != 0 {
		t.Errorf("final balance = %d, want 0", balance)
	}
	if balance < 0 {
		t.Error("balance went negative")
	}
}

// The sum of all event deltas must always equal the reported balance.
func TestEventConservation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, _ = svc.Add(ctx, "idn_1", KindPurchase, 500, nil)
	_, _ = svc.Spend(ctx, "idn_1", 120, nil)
	_, _ = svc.Add(ctx, "idn_1", KindRefund, 20, nil)
	_, _ = svc.Spend(ctx, "idn_1", 400, nil)

	events, err := svc.History(ctx, "idn_1", time.Time{}, "", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	var sum int64
	for _, e := range events {
		sum += e.Delta
	}

	balance, _ := svc.GetBalance(ctx, "idn_1")
	if sum != balance {
		t.Errorf("sum of deltas = %d, balance = %d; ledger not conserved", sum, balance)
	}
	if balance != 0 {
		t.Errorf("balance = %d, want 0 (500 - 120 + 20 - 400)", balance)
	}
}

func TestHistoryPagination(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Add(ctx, "idn_1", KindPurchase, int64(i+1), nil); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	first, err := svc.History(ctx, "idn_1", time.Time{}, "", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first page = %d events, want 3", len(first))
	}
	// Newest first.
	if first[0].Delta != 5 {
		t.Errorf("first event delta = %d, want 5", first[0].Delta)
	}

	last := first[len(first)-1]
	second, err := svc.History(ctx, "idn_1", last.CreatedAt, last.ID, 3)
	if err != nil {
		t.Fatalf("History() second page error = %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("second page = %d events, want 2", len(second))
	}
	if second[0].Delta != 2 || second[1].Delta != 1 {
		t.Errorf("second page deltas = %d, %d, want 2, 1", second[0].Delta, second[1].Delta)
	}
}

func TestHasTransaction(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Add(ctx, "idn_1", KindPurchase, 100, map[string]string{
		MetaProviderTxnID: "txn_abc123",
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	seen, err := svc.HasTransaction(ctx, "txn_abc123")
	if err != nil {
		t.Fatalf("HasTransaction() error = %v", err)
	}
	if !seen {
		t.Error("HasTransaction() = false for recorded txn")
	}

	seen, _ = svc.HasTransaction(ctx, "txn_other")
	if seen {
		t.Error("HasTransaction() = true for unknown txn")
	}
}

// gatedCache parks every cache update until the gate opens, so the test
// can observe what a write returns before its refresh lands.
type gatedCache struct {
	*cacheSpy
	gate chan struct{}
}

func (g *gatedCache) UpdateCachedBalance(ctx context.Context, identityID string, balance int64) error {
	<-g.gate
	return g.cacheSpy.UpdateCachedBalance(ctx, identityID, balance)
}

// A spend must not wait for the denormalized balance to be recomputed;
// the refresh happens off the write path and lands eventually.
func TestSpendDoesNotWaitForBalanceRefresh(t *testing.T) {
	spy := newCacheSpy()
	gate := make(chan struct{})
	svc := NewService(NewMemoryStore(), &gatedCache{cacheSpy: spy, gate: gate})
	ctx := context.Background()

	if _, err := svc.Add(ctx, "idn_1", KindPurchase, 100, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := svc.Spend(ctx, "idn_1", 30, nil); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}

	// Both writes returned while their refreshes are still parked.
	if got := spy.get("idn_1"); got != 0 {
		t.Errorf("cached balance before refresh = %d, want 0", got)
	}

	close(gate)
	svc.Wait()
	if got := spy.get("idn_1"); got != 70 {
		t.Errorf("cached balance after refresh = %d, want 70", got)
	}
}

func TestGetBalanceFallsBackToCache(t *testing.T) {
	cache := newCacheSpy()
	cache.balances["idn_1"] = 42

	svc := NewService(failingStore{Store: NewMemoryStore()}, cache)

	balance, err := svc.GetBalance(context.Background(), "idn_1")
	if err != nil {
		t.Fatalf("GetBalance() error = %v, want cached fallback", err)
	}
	if balance != 42 {
		t.Errorf("balance = %d, want cached 42", balance)
	}
}

// balanceSourceMap adapts a plain map to the BalanceSource interface.
type balanceSourceMap map[string]int64

func (m balanceSourceMap) ListCachedBalances(context.Context) (map[string]int64, error) {
	return m, nil
}

func TestReconcileDetectsAndRepairsDrift(t *testing.T) {
	svc, cache := newTestService()
	ctx := context.Background()

	_, _ = svc.Add(ctx, "idn_1", KindPurchase, 100, nil)
	_, _ = svc.Add(ctx, "idn_2", KindPurchase, 50, nil)
	svc.Wait()

	// idn_2's cached copy has drifted.
	source := balanceSourceMap{"idn_1": 100, "idn_2": 999}

	drifts, err := svc.Reconcile(ctx, source, true)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(drifts) != 1 {
		t.Fatalf("drifts = %d, want 1", len(drifts))
	}
	if drifts[0].IdentityID != "idn_2" || drifts[0].Cached != 999 || drifts[0].Actual != 50 {
		t.Errorf("drift = %+v, want {idn_2 999 50}", drifts[0])
	}
	if cache.get("idn_2") != 50 {
		t.Errorf("repaired cache = %d, want 50", cache.get("idn_2"))
	}
}
