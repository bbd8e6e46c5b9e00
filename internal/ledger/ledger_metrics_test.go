package ledger

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, op string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := opsTotal.WithLabelValues(op).Write(m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestOperationsCounted(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	beforeAdd := counterValue(t, "add")
	beforeSpend := counterValue(t, "spend")

	if _, err := svc.Add(ctx, "idn_m", KindPurchase, 10, nil); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := svc.Spend(ctx, "idn_m", 5, nil); err != nil {
		t.Fatalf("Spend() error = %v", err)
	}

	if got := counterValue(t, "add"); got != beforeAdd+1 {
		t.Errorf("add counter = %v, want %v", got, beforeAdd+1)
	}
	if got := counterValue(t, "spend"); got != beforeSpend+1 {
		t.Errorf("spend counter = %v, want %v", got, beforeSpend+1)
	}
}

// Rejected spends still count as spend operations.
func TestRejectedSpendCounted(t *testing.T) {
	svc, _ := newTestService()

	before := counterValue(t, "spend")
	_, _ = svc.Spend(context.Background(), "idn_empty", 5, nil)

	if got := counterValue(t, "spend"); got != before+1 {
		t.Errorf("spend counter = %v, want %v", got, before+1)
	}
}
