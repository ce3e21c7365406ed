package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/event"
	"orderflow/internal/execution"
	"orderflow/internal/infra"
	"orderflow/internal/storage"
)

// Engine owns the two periodic loops and every handle they share. Constructed
// once at startup; no ambient global state.
type Engine struct {
	store    *storage.Store
	bus      *event.Bus
	balancer *Rebalancer
	cancels  *CancelWorker

	rebalanceEvery   time.Duration
	cancelEvery      time.Duration
	maxCancelRetries int

	wg sync.WaitGroup
}

func New(cfg *infra.Config, store *storage.Store, registry *execution.Registry, bus *event.Bus) *Engine {
	workerID := fmt.Sprintf("%s-%d", hostname(), os.Getpid())

	return &Engine{
		store:            store,
		bus:              bus,
		balancer:         NewRebalancer(store, registry, bus, cfg.Engine.AccountConcurrency),
		cancels:          NewCancelWorker(store, registry, bus, workerID, cfg),
		rebalanceEvery:   time.Duration(cfg.Engine.RebalanceIntervalS) * time.Second,
		cancelEvery:      time.Duration(cfg.Engine.CancelPollIntervalS) * time.Second,
		maxCancelRetries: cfg.Engine.MaxCancelRetries,
	}
}

// Run drives both loops until the context is cancelled. An in-flight pass is
// allowed to finish so no transition is left half-written.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("engine started",
		"rebalance_interval", e.rebalanceEvery,
		"cancel_poll_interval", e.cancelEvery)

	e.wg.Add(2)
	go e.loop(ctx, "rebalancer", e.rebalanceEvery, e.balancer.RunPass)
	go e.loop(ctx, "cancel_worker", e.cancelEvery, e.cancels.RunPass)
	e.wg.Wait()

	slog.Info("engine stopped")
}

func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.safePass(ctx, name, pass)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safePass(ctx, name, pass)
		}
	}
}

// safePass isolates one pass: a panic or error is logged, never allowed to
// kill the loop.
func (e *Engine) safePass(ctx context.Context, name string, pass func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pass panicked", "loop", name, "panic", r)
		}
	}()

	if err := pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pass failed", "loop", name, "err", err)
	}
}

// ApplyExecution folds a stream update into persisted state. Updates for
// unknown orders (e.g. manual trades on the same account) are ignored.
func (e *Engine) ApplyExecution(ctx context.Context, up domain.ExecutionUpdate) {
	fill := domain.FillStateOf(up.Status)
	if !fill.Terminal() {
		return
	}

	order, err := e.store.GetOrderByExchangeRef(ctx, up.Exchange, up.ExchangeOrderID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Debug("execution update for unknown order", "exchange", up.Exchange, "exchange_order_id", up.ExchangeOrderID)
		return
	}
	if err != nil {
		slog.Error("execution update lookup failed", "exchange", up.Exchange, "err", err)
		return
	}
	if order.Fill.Terminal() {
		return
	}

	if err := e.store.UpdateOrderFillState(ctx, order.ID, fill); err != nil {
		slog.Error("execution update not recorded", "order_id", order.ID, "err", err)
		return
	}

	typ := event.EvOrderCancelled
	if fill == domain.FillFilled {
		typ = event.EvOrderFilled
	}
	ev := event.New(typ, order.ID)
	ev.AccountID = order.AccountID
	ev.Exchange = order.Exchange
	ev.Symbol = order.Symbol
	ev.ExchangeOrderID = order.ExchangeOrderID
	e.bus.Publish(ev)
	slog.Info("execution update applied", "order_id", order.ID, "fill_state", fill)
}

// RequestCancellation enqueues a cancel intent for an order. A non-positive
// maxRetries takes the configured engine default. Safe to call for an order
// already being cancelled; the duplicate is reported as an error.
func (e *Engine) RequestCancellation(ctx context.Context, orderID string, maxRetries int) (*domain.CancellationRequest, error) {
	if maxRetries <= 0 {
		maxRetries = e.maxCancelRetries
	}
	if _, err := e.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}

	req := domain.NewCancellationRequest(orderID, maxRetries)
	if err := e.store.EnqueueCancellation(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "orderflow"
	}
	return h
}
