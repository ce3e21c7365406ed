package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/event"
	"orderflow/internal/execution"
	"orderflow/internal/infra"
	"orderflow/internal/storage"
	"orderflow/pkg/quant"
)

// CancelWorker drains the cancellation queue. Each pass claims a batch of due
// requests, resolves the true state of every owning order, and either cancels
// on the exchange, defers with backoff, or finalizes as failed. The claim is
// exclusive; concurrent workers receive disjoint batches.
type CancelWorker struct {
	store    *storage.Store
	registry *execution.Registry
	bus      *event.Bus

	id            string
	batchSize     int
	backoff       infra.BackoffSchedule
	notReadyDelay time.Duration
	staleClaim    time.Duration
}

func NewCancelWorker(store *storage.Store, registry *execution.Registry, bus *event.Bus, id string, cfg *infra.Config) *CancelWorker {
	backoff := infra.BackoffSchedule{
		Base: time.Duration(cfg.Engine.BackoffBaseS) * time.Second,
		Max:  time.Duration(cfg.Engine.BackoffMaxS) * time.Second,
	}
	notReady := time.Duration(cfg.Engine.NotReadyDelayS) * time.Second
	if notReady <= 0 {
		notReady = 30 * time.Second
	}
	stale := time.Duration(cfg.Engine.StaleClaimS) * time.Second
	if stale <= 0 {
		stale = 5 * time.Minute
	}

	return &CancelWorker{
		store:         store,
		registry:      registry,
		bus:           bus,
		id:            id,
		batchSize:     cfg.Engine.CancelBatchSize,
		backoff:       backoff,
		notReadyDelay: notReady,
		staleClaim:    stale,
	}
}

// RunPass claims and processes one batch. An empty claim means another worker
// got there first or nothing is due; both are normal.
func (w *CancelWorker) RunPass(ctx context.Context) error {
	now := quant.Now()
	staleBefore := now - quant.TimeStamp(w.staleClaim.Microseconds())

	claimed, err := w.store.ClaimCancellations(ctx, w.batchSize, now, staleBefore, w.id)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	// Group by exchange so one slow venue does not stall the rest. Within a
	// group calls run sequentially; the adapter's limiter paces them anyway.
	groups := make(map[string][]*claim)
	for _, req := range claimed {
		c, err := w.resolve(ctx, req)
		if err != nil {
			slog.Error("cancellation not resolved", "request_id", req.ID, "err", err)
			continue
		}
		groups[c.exchange] = append(groups[c.exchange], c)
	}

	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		go func(group []*claim) {
			defer wg.Done()
			for _, c := range group {
				w.process(ctx, c)
			}
		}(group)
	}
	wg.Wait()
	return nil
}

// claim pairs a claimed request with its resolved order.
type claim struct {
	req      *domain.CancellationRequest
	order    *domain.Order
	exchange string
}

func (w *CancelWorker) resolve(ctx context.Context, req *domain.CancellationRequest) (*claim, error) {
	order, err := w.store.GetOrder(ctx, req.OrderID)
	if errors.Is(err, storage.ErrNotFound) {
		return &claim{req: req}, nil
	}
	if err != nil {
		return nil, err
	}
	return &claim{req: req, order: order, exchange: order.Exchange}, nil
}

func (w *CancelWorker) process(ctx context.Context, c *claim) {
	req, order := c.req, c.order

	if order == nil {
		w.fail(ctx, req, nil, "order no longer exists")
		return
	}

	// Already settled on the exchange; nothing left to cancel.
	if order.Fill.Terminal() {
		w.succeed(ctx, req, order)
		return
	}

	// Not yet confirmed on the exchange. Not a failure, just early; check
	// again shortly without burning a retry.
	if order.ExchangeOrderID == "" {
		req.Status = domain.CancelPending
		req.NextRetryAt = quant.Now() + quant.TimeStamp(w.notReadyDelay.Microseconds())
		if err := w.store.UpdateCancellation(ctx, req); err != nil {
			slog.Error("requeue not recorded", "request_id", req.ID, "err", err)
		}
		return
	}

	entry, ok := w.registry.Get(order.Exchange)
	if !ok {
		w.fail(ctx, req, order, "exchange not configured: "+order.Exchange)
		return
	}

	_, err := entry.Adapter.CancelOrder(ctx, order.Symbol, order.ExchangeOrderID)
	switch {
	case domain.CancelSucceeded(err):
		if upErr := w.store.UpdateOrderFillState(ctx, order.ID, domain.FillCancelled); upErr != nil {
			slog.Error("fill state not recorded", "order_id", order.ID, "err", upErr)
		}
		w.succeed(ctx, req, order)
		w.publish(event.EvOrderCancelled, req, order, "")

	case domain.IsTransient(err):
		w.retry(ctx, req, order, err)

	default:
		w.fail(ctx, req, order, err.Error())
	}
}

// retry returns the request to Pending with exponential backoff, or fails it
// once retries are exhausted. The delay doubles per prior retry: 1, 2, 4, 8,
// 16 units of the base, capped.
func (w *CancelWorker) retry(ctx context.Context, req *domain.CancellationRequest, order *domain.Order, cause error) {
	delay := w.backoff.Delay(req.RetryCount)
	req.RetryCount++
	req.ErrorMessage = cause.Error()

	if req.RetryCount >= req.MaxRetries {
		w.fail(ctx, req, order, cause.Error())
		return
	}

	req.Status = domain.CancelPending
	req.NextRetryAt = quant.Now() + quant.TimeStamp(delay.Microseconds())
	if err := w.store.UpdateCancellation(ctx, req); err != nil {
		slog.Error("retry not recorded", "request_id", req.ID, "err", err)
		return
	}
	w.publish(event.EvCancelRetried, req, order, cause.Error())
}

func (w *CancelWorker) succeed(ctx context.Context, req *domain.CancellationRequest, order *domain.Order) {
	req.Status = domain.CancelSuccess
	req.ErrorMessage = ""
	if err := w.store.UpdateCancellation(ctx, req); err != nil {
		slog.Error("success not recorded", "request_id", req.ID, "err", err)
		return
	}
	w.publish(event.EvCancelSucceeded, req, order, "")
}

func (w *CancelWorker) fail(ctx context.Context, req *domain.CancellationRequest, order *domain.Order, msg string) {
	req.Status = domain.CancelFailed
	req.ErrorMessage = msg
	if err := w.store.UpdateCancellation(ctx, req); err != nil {
		slog.Error("failure not recorded", "request_id", req.ID, "err", err)
		return
	}
	w.publish(event.EvCancelFailed, req, order, msg)
}

func (w *CancelWorker) publish(typ event.Type, req *domain.CancellationRequest, order *domain.Order, detail string) {
	ev := event.New(typ, req.OrderID)
	ev.Detail = detail
	if order != nil {
		ev.AccountID = order.AccountID
		ev.Exchange = order.Exchange
		ev.Symbol = order.Symbol
		ev.ExchangeOrderID = order.ExchangeOrderID
	}
	w.bus.Publish(ev)
}
