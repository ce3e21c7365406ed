package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"orderflow/internal/domain"
	"orderflow/internal/event"
	"orderflow/internal/execution"
	"orderflow/internal/storage"
	"orderflow/pkg/quant"
)

// mockAdapter counts calls and returns scripted results.
type mockAdapter struct {
	mu          sync.Mutex
	name        string
	nextID      int
	createCalls int
	cancelCalls int
	createErr   error
	cancelErr   error
	getResult   *domain.CallResult
	getErr      error
	created     []domain.OrderRequest
	cancelled   []string
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.CallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.nextID++
	m.created = append(m.created, req)
	return &domain.CallResult{
		ExchangeOrderID: fmt.Sprintf("ex-%d", m.nextID),
		Status:          domain.CallStatusOpen,
		QtySats:         req.QtySats,
		PriceMicros:     req.PriceMicros,
	}, nil
}

func (m *mockAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	m.cancelled = append(m.cancelled, exchangeOrderID)
	return &domain.CallResult{ExchangeOrderID: exchangeOrderID, Status: domain.CallStatusCancelled}, nil
}

func (m *mockAdapter) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*domain.CallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.getResult != nil {
		return m.getResult, nil
	}
	return &domain.CallResult{ExchangeOrderID: exchangeOrderID, Status: domain.CallStatusOpen}, nil
}

func (m *mockAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]domain.CallResult, error) {
	return nil, nil
}

func (m *mockAdapter) calls() (creates, cancels int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.cancelCalls
}

type fixture struct {
	store    *storage.Store
	adapter  *mockAdapter
	registry *execution.Registry
	bus      *event.Bus
}

func newFixture(t *testing.T, openOrderCap int) *fixture {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapter := &mockAdapter{name: "mock"}
	registry := execution.NewStaticRegistry(map[string]execution.Entry{
		"mock": {Adapter: adapter, Driver: "mock", OpenOrderCap: openOrderCap},
	})
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	return &fixture{store: store, adapter: adapter, registry: registry, bus: bus}
}

func (f *fixture) addOrder(t *testing.T, account string, side domain.Side, priority int, sortPrice quant.PriceMicros) *domain.Order {
	t.Helper()
	o := domain.NewOrder(account, "mock", "BTC/USDT", side, domain.TypeLimit, 100_000_000)
	o.Priority = priority
	o.PriceMicros = sortPrice
	o.SortPriceMicros = sortPrice
	if err := f.store.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return o
}

func (f *fixture) mustGet(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load order %s: %v", id, err)
	}
	return o
}

func TestRebalancer_PromotesTopK(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	o1 := f.addOrder(t, "acct-1", domain.SideSell, 1, 92_000_000_000)
	o2 := f.addOrder(t, "acct-1", domain.SideSell, 2, 92_000_000_000)
	o3 := f.addOrder(t, "acct-1", domain.SideSell, 3, 92_000_000_000)

	r := NewRebalancer(f.store, f.registry, f.bus, 2)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	active := 0
	for _, o := range []*domain.Order{o1, o2, o3} {
		got := f.mustGet(t, o.ID)
		if err := got.CheckPlacement(); err != nil {
			t.Error(err)
		}
		if got.Placement == domain.PlacementActive {
			active++
		}
	}
	if active != 2 {
		t.Errorf("active = %d, want 2", active)
	}
	if got := f.mustGet(t, o1.ID); got.Placement != domain.PlacementActive {
		t.Error("priority 1 should be active")
	}
	if got := f.mustGet(t, o2.ID); got.Placement != domain.PlacementActive {
		t.Error("priority 2 should be active")
	}
	if got := f.mustGet(t, o3.ID); got.Placement != domain.PlacementQueued {
		t.Error("priority 3 should stay queued")
	}
}

func TestRebalancer_Idempotent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.addOrder(t, "acct-1", domain.SideSell, 1, 92_000_000_000)
	f.addOrder(t, "acct-1", domain.SideSell, 2, 92_000_000_000)
	f.addOrder(t, "acct-1", domain.SideSell, 3, 92_000_000_000)

	r := NewRebalancer(f.store, f.registry, f.bus, 2)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	creates, cancels := f.adapter.calls()

	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	creates2, cancels2 := f.adapter.calls()

	if creates2 != creates || cancels2 != cancels {
		t.Errorf("second pass made calls: creates %d->%d cancels %d->%d",
			creates, creates2, cancels, cancels2)
	}
}

func TestRebalancer_SidePriceOrdering(t *testing.T) {
	ctx := context.Background()

	t.Run("sell prefers lower price", func(t *testing.T) {
		f := newFixture(t, 1)
		far := f.addOrder(t, "acct-1", domain.SideSell, 1, 95_000_000_000)
		near := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)

		r := NewRebalancer(f.store, f.registry, f.bus, 1)
		if err := r.RunPass(ctx); err != nil {
			t.Fatalf("pass failed: %v", err)
		}

		if got := f.mustGet(t, near.ID); got.Placement != domain.PlacementActive {
			t.Error("lower-priced sell should be promoted")
		}
		if got := f.mustGet(t, far.ID); got.Placement != domain.PlacementQueued {
			t.Error("higher-priced sell should stay queued")
		}
	})

	t.Run("buy prefers higher price", func(t *testing.T) {
		f := newFixture(t, 1)
		far := f.addOrder(t, "acct-1", domain.SideBuy, 1, 88_000_000_000)
		near := f.addOrder(t, "acct-1", domain.SideBuy, 1, 90_000_000_000)

		r := NewRebalancer(f.store, f.registry, f.bus, 1)
		if err := r.RunPass(ctx); err != nil {
			t.Fatalf("pass failed: %v", err)
		}

		if got := f.mustGet(t, near.ID); got.Placement != domain.PlacementActive {
			t.Error("higher-priced buy should be promoted")
		}
		if got := f.mustGet(t, far.ID); got.Placement != domain.PlacementQueued {
			t.Error("lower-priced buy should stay queued")
		}
	})

	t.Run("created_at breaks remaining ties", func(t *testing.T) {
		f := newFixture(t, 1)

		older := domain.NewOrder("acct-1", "mock", "BTC/USDT", domain.SideSell, domain.TypeLimit, 100_000_000)
		older.SortPriceMicros = 93_000_000_000
		older.PriceMicros = 93_000_000_000
		newer := domain.NewOrder("acct-1", "mock", "BTC/USDT", domain.SideSell, domain.TypeLimit, 100_000_000)
		newer.SortPriceMicros = 93_000_000_000
		newer.PriceMicros = 93_000_000_000
		newer.CreatedAt = older.CreatedAt + 1
		for _, o := range []*domain.Order{older, newer} {
			if err := f.store.CreateOrder(ctx, o); err != nil {
				t.Fatalf("failed to create order: %v", err)
			}
		}

		r := NewRebalancer(f.store, f.registry, f.bus, 1)
		if err := r.RunPass(ctx); err != nil {
			t.Fatalf("pass failed: %v", err)
		}

		if got := f.mustGet(t, older.ID); got.Placement != domain.PlacementActive {
			t.Error("older order should win the tie")
		}
	})
}

func TestRebalancer_DemotesBeforePromoting(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	low := f.addOrder(t, "acct-1", domain.SideSell, 5, 93_000_000_000)
	r := NewRebalancer(f.store, f.registry, f.bus, 1)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("setup pass failed: %v", err)
	}
	if got := f.mustGet(t, low.ID); got.Placement != domain.PlacementActive {
		t.Fatal("setup: low priority order should be active")
	}

	urgent := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	gotLow := f.mustGet(t, low.ID)
	if gotLow.Placement != domain.PlacementQueued || gotLow.ExchangeOrderID != "" {
		t.Errorf("displaced order not demoted: %s/%q", gotLow.Placement, gotLow.ExchangeOrderID)
	}
	gotUrgent := f.mustGet(t, urgent.ID)
	if gotUrgent.Placement != domain.PlacementActive {
		t.Error("urgent order not promoted")
	}

	_, cancels := f.adapter.calls()
	if cancels != 1 {
		t.Errorf("cancel calls = %d, want 1", cancels)
	}
	if len(f.adapter.cancelled) != 1 {
		t.Fatalf("cancelled = %v", f.adapter.cancelled)
	}
}

func TestRebalancer_FailedDemotionHoldsPromotions(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	lowA := f.addOrder(t, "acct-1", domain.SideSell, 5, 93_000_000_000)
	lowB := f.addOrder(t, "acct-1", domain.SideSell, 6, 93_000_000_000)
	r := NewRebalancer(f.store, f.registry, f.bus, 2)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("setup pass failed: %v", err)
	}

	// Cancels start failing; two more-urgent orders arrive. The occupied
	// slots are not free, so nothing may be promoted this pass.
	f.adapter.cancelErr = &domain.TransientError{Exchange: "mock", Status: 503}
	urgentA := f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)
	urgentB := f.addOrder(t, "acct-1", domain.SideSell, 2, 93_000_000_000)
	creates, _ := f.adapter.calls()

	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	active := 0
	for _, o := range []*domain.Order{lowA, lowB, urgentA, urgentB} {
		if f.mustGet(t, o.ID).Placement == domain.PlacementActive {
			active++
		}
	}
	if active > 2 {
		t.Errorf("active orders = %d, exceeds cap 2 after pass", active)
	}
	if creates2, _ := f.adapter.calls(); creates2 != creates {
		t.Errorf("promotions attempted while no slot was free: creates %d->%d", creates, creates2)
	}

	// Once cancels recover, the next pass swaps the sets.
	f.adapter.cancelErr = nil
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("recovery pass failed: %v", err)
	}
	for _, o := range []*domain.Order{urgentA, urgentB} {
		if f.mustGet(t, o.ID).Placement != domain.PlacementActive {
			t.Errorf("urgent order %s not promoted after cancels recovered", o.ID)
		}
	}
	for _, o := range []*domain.Order{lowA, lowB} {
		if f.mustGet(t, o.ID).Placement != domain.PlacementQueued {
			t.Errorf("displaced order %s still active", o.ID)
		}
	}
}

func TestRebalancer_RejectedPromotionStaysQueued(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.adapter.createErr = &domain.RejectedError{
		Exchange: "mock", Status: 400, Code: "-1013", Message: "insufficient balance",
	}
	o := f.addOrder(t, "acct-1", domain.SideBuy, 1, 90_000_000_000)

	r := NewRebalancer(f.store, f.registry, f.bus, 1)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGet(t, o.ID)
	if got.Placement != domain.PlacementQueued {
		t.Errorf("placement = %s, want QUEUED", got.Placement)
	}
	if got.Fill != domain.FillOpen {
		t.Errorf("fill = %s, want OPEN", got.Fill)
	}
	if got.LastError == "" {
		t.Error("rejection not recorded on order")
	}

	// Next pass retries the promotion without operator action.
	f.adapter.createErr = nil
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("retry pass failed: %v", err)
	}
	if got := f.mustGet(t, o.ID); got.Placement != domain.PlacementActive {
		t.Error("order not promoted after rejection cleared")
	}
}

func TestRebalancer_TransientPromotionDeferred(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.adapter.createErr = &domain.TransientError{Exchange: "mock", Status: 503, Attempts: 3}
	o := f.addOrder(t, "acct-1", domain.SideBuy, 1, 90_000_000_000)

	r := NewRebalancer(f.store, f.registry, f.bus, 1)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGet(t, o.ID)
	if got.Placement != domain.PlacementQueued || got.Fill != domain.FillOpen {
		t.Errorf("order should remain queued and open: %s/%s", got.Placement, got.Fill)
	}
}

func TestRebalancer_GoneOnDemoteResolvesFillState(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	active := f.addOrder(t, "acct-1", domain.SideSell, 5, 93_000_000_000)
	r := NewRebalancer(f.store, f.registry, f.bus, 1)
	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("setup pass failed: %v", err)
	}

	// The exchange filled it before the demotion cancel arrived.
	f.adapter.cancelErr = &domain.OrderGoneError{Exchange: "mock"}
	f.adapter.getResult = &domain.CallResult{Status: domain.CallStatusFilled}
	f.addOrder(t, "acct-1", domain.SideSell, 1, 93_000_000_000)

	if err := r.RunPass(ctx); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got := f.mustGet(t, active.ID)
	if got.Fill != domain.FillFilled {
		t.Errorf("fill = %s, want FILLED", got.Fill)
	}
}
