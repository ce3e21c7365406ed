package engine

import (
	"context"
	"testing"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/execution"
	"orderflow/internal/infra"
	"orderflow/pkg/quant"
)

func testConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.Engine.RebalanceIntervalS = 5
	cfg.Engine.CancelPollIntervalS = 5
	cfg.Engine.CancelBatchSize = 10
	cfg.Engine.MaxCancelRetries = 5
	cfg.Engine.BackoffBaseS = 60
	cfg.Engine.BackoffMaxS = 960
	cfg.Engine.NotReadyDelayS = 30
	cfg.Engine.StaleClaimS = 300
	cfg.Engine.AccountConcurrency = 2
	return cfg
}

// activate persists the order as Active with an exchange reference, as if a
// prior rebalance pass had promoted it.
func (f *fixture) activate(t *testing.T, o *domain.Order, exchangeOrderID string) {
	t.Helper()
	if err := f.store.UpdateOrderPlacement(context.Background(), o.ID, domain.PlacementActive, exchangeOrderID); err != nil {
		t.Fatalf("failed to activate order: %v", err)
	}
	o.Placement = domain.PlacementActive
	o.ExchangeOrderID = exchangeOrderID
}

func (f *fixture) enqueueCancel(t *testing.T, orderID string, maxRetries int) *domain.CancellationRequest {
	t.Helper()
	req := domain.NewCancellationRequest(orderID, maxRetries)
	if err := f.store.EnqueueCancellation(context.Background(), req); err != nil {
		t.Fatalf("failed to enqueue cancellation: %v", err)
	}
	return req
}

func (f *fixture) mustGetCancel(t *testing.T, id string) *domain.CancellationRequest {
	t.Helper()
	req, err := f.store.GetCancellation(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load cancellation %s: %v", id, err)
	}
	return req
}

// makeDue rewinds the retry timer so the next pass claims the request again.
func (f *fixture) makeDue(t *testing.T, id string) {
	t.Helper()
	req := f.mustGetCancel(t, id)
	req.NextRetryAt = 0
	if err := f.store.UpdateCancellation(context.Background(), req); err != nil {
		t.Fatalf("failed to rewind retry timer: %v", err)
	}
}

func TestCancelWorker_Succeeds(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	o := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	f.activate(t, o, "ex-1")
	req := f.enqueueCancel(t, o.ID, 5)

	w := NewCancelWorker(f.store, f.registry, f.bus, "worker-1", testConfig())
	if err := w.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGetCancel(t, req.ID)
	if got.Status != domain.CancelSuccess {
		t.Errorf("status = %s, want SUCCESS", got.Status)
	}
	order := f.mustGet(t, o.ID)
	if order.Fill != domain.FillCancelled {
		t.Errorf("fill = %s, want CANCELLED", order.Fill)
	}
	if _, cancels := f.adapter.calls(); cancels != 1 {
		t.Errorf("cancel calls = %d, want 1", cancels)
	}
}

func TestCancelWorker_GoneOrderIsSuccess(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	o := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	f.activate(t, o, "ex-1")
	f.adapter.cancelErr = &domain.OrderGoneError{Exchange: "mock", ExchangeOrderID: "ex-1"}
	req := f.enqueueCancel(t, o.ID, 5)

	w := NewCancelWorker(f.store, f.registry, f.bus, "worker-1", testConfig())
	if err := w.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGetCancel(t, req.ID)
	if got.Status != domain.CancelSuccess {
		t.Errorf("status = %s, want SUCCESS", got.Status)
	}
	if order := f.mustGet(t, o.ID); order.Fill != domain.FillCancelled {
		t.Errorf("fill = %s, want CANCELLED", order.Fill)
	}
}

func TestCancelWorker_NotReadyRequeuedWithoutRetry(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	// Still queued: no exchange order id yet.
	o := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	req := f.enqueueCancel(t, o.ID, 5)

	w := NewCancelWorker(f.store, f.registry, f.bus, "worker-1", testConfig())
	before := quant.Now()
	if err := w.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGetCancel(t, req.ID)
	if got.Status != domain.CancelPending {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", got.RetryCount)
	}
	if got.NextRetryAt <= before {
		t.Errorf("next retry at %d not pushed into the future", got.NextRetryAt)
	}
	if _, cancels := f.adapter.calls(); cancels != 0 {
		t.Errorf("cancel calls = %d, want 0", cancels)
	}
}

func TestCancelWorker_TerminalOrderSucceedsWithoutCall(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	o := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	f.activate(t, o, "ex-1")
	req := f.enqueueCancel(t, o.ID, 5)
	if err := f.store.UpdateOrderFillState(ctx, o.ID, domain.FillFilled); err != nil {
		t.Fatalf("failed to settle order: %v", err)
	}

	w := NewCancelWorker(f.store, f.registry, f.bus, "worker-1", testConfig())
	if err := w.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGetCancel(t, req.ID)
	if got.Status != domain.CancelSuccess {
		t.Errorf("status = %s, want SUCCESS", got.Status)
	}
	if _, cancels := f.adapter.calls(); cancels != 0 {
		t.Errorf("cancel calls = %d, want 0", cancels)
	}
}

func TestCancelWorker_TransientRetriesThenFails(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	o := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	f.activate(t, o, "ex-1")
	f.adapter.cancelErr = &domain.TransientError{Exchange: "mock", Status: 503, Attempts: 3}
	req := f.enqueueCancel(t, o.ID, 5)

	w := NewCancelWorker(f.store, f.registry, f.bus, "worker-1", testConfig())

	// Base 60s doubling: 60, 120, 240, 480 between the surviving attempts.
	wantDelays := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
	}
	for i, want := range wantDelays {
		before := quant.Now()
		if err := w.RunPass(ctx); err != nil {
			t.Fatalf("pass %d failed: %v", i+1, err)
		}

		got := f.mustGetCancel(t, req.ID)
		if got.Status != domain.CancelPending {
			t.Fatalf("pass %d: status = %s, want PENDING", i+1, got.Status)
		}
		if got.RetryCount != i+1 {
			t.Errorf("pass %d: retry count = %d, want %d", i+1, got.RetryCount, i+1)
		}
		delay := time.Duration(got.NextRetryAt-before) * time.Microsecond
		if delay < want || delay > want+5*time.Second {
			t.Errorf("pass %d: delay = %v, want about %v", i+1, delay, want)
		}
		if got.ErrorMessage == "" {
			t.Errorf("pass %d: transient error not recorded", i+1)
		}
		f.makeDue(t, req.ID)
	}

	// Fifth attempt exhausts the retry allowance.
	if err := w.RunPass(ctx); err != nil {
		t.Fatalf("final pass failed: %v", err)
	}
	got := f.mustGetCancel(t, req.ID)
	if got.Status != domain.CancelFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.RetryCount != 5 {
		t.Errorf("retry count = %d, want 5", got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Error("final failure cause not recorded")
	}
	if _, cancels := f.adapter.calls(); cancels != 5 {
		t.Errorf("cancel calls = %d, want 5", cancels)
	}
}

func TestCancelWorker_RejectedFailsImmediately(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	o := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	f.activate(t, o, "ex-1")
	f.adapter.cancelErr = &domain.RejectedError{Exchange: "mock", Status: 400, Message: "invalid order state"}
	req := f.enqueueCancel(t, o.ID, 5)

	w := NewCancelWorker(f.store, f.registry, f.bus, "worker-1", testConfig())
	if err := w.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGetCancel(t, req.ID)
	if got.Status != domain.CancelFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", got.RetryCount)
	}
}

func TestCancelWorker_UnconfiguredExchangeFails(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	o := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	f.activate(t, o, "ex-1")
	req := f.enqueueCancel(t, o.ID, 5)

	// A registry without the order's exchange.
	empty := execution.NewStaticRegistry(nil)
	w := NewCancelWorker(f.store, empty, f.bus, "worker-1", testConfig())
	if err := w.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGetCancel(t, req.ID)
	if got.Status != domain.CancelFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("failure cause not recorded")
	}
}
