package engine

import (
	"context"
	"log/slog"
	"sync"

	"orderflow/internal/domain"
	"orderflow/internal/event"
	"orderflow/internal/execution"
	"orderflow/internal/storage"
)

// Rebalancer keeps each account's Active set equal to the top-K of its open
// orders, K being the exchange's open-order cap. Each pass recomputes the
// target set from persisted state and touches only the delta, so a pass
// interrupted anywhere self-corrects on the next tick.
type Rebalancer struct {
	store       *storage.Store
	registry    *execution.Registry
	bus         *event.Bus
	concurrency int
}

func NewRebalancer(store *storage.Store, registry *execution.Registry, bus *event.Bus, concurrency int) *Rebalancer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Rebalancer{
		store:       store,
		registry:    registry,
		bus:         bus,
		concurrency: concurrency,
	}
}

// RunPass rebalances every account, fanning out with bounded concurrency.
// Accounts are independent; a failure in one never aborts the others.
func (r *Rebalancer) RunPass(ctx context.Context) error {
	accounts, err := r.store.ListAccounts(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, r.concurrency)

	for _, account := range accounts {
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()

			if err := r.rebalanceAccount(ctx, account); err != nil {
				slog.Error("rebalance pass failed for account", "account", account, "err", err)
			}
		}(account)
	}

	wg.Wait()
	return nil
}

func (r *Rebalancer) rebalanceAccount(ctx context.Context, accountID string) error {
	orders, err := r.store.LoadOpenOrders(ctx, accountID)
	if err != nil {
		return err
	}

	byExchange := make(map[string][]*domain.Order)
	for _, o := range orders {
		byExchange[o.Exchange] = append(byExchange[o.Exchange], o)
	}

	for exchange, group := range byExchange {
		r.rebalanceGroup(ctx, accountID, exchange, group)
	}
	return nil
}

// rebalanceGroup applies the top-K diff for one (account, exchange) pair.
// Demotions run before promotions, and promotions only fill slots the
// demotions actually freed, so the account never exceeds the cap, even when
// a cancel call fails and leaves its order on the exchange.
func (r *Rebalancer) rebalanceGroup(ctx context.Context, accountID, exchange string, orders []*domain.Order) {
	entry, ok := r.registry.Get(exchange)
	if !ok {
		slog.Warn("orders reference unconfigured exchange", "account", accountID, "exchange", exchange)
		return
	}

	domain.SortByRank(orders)

	slots := entry.OpenOrderCap
	if slots > len(orders) {
		slots = len(orders)
	}
	target := make(map[string]bool, slots)
	for _, o := range orders[:slots] {
		target[o.ID] = true
	}

	for _, o := range orders {
		if o.Placement == domain.PlacementActive && !target[o.ID] {
			r.demote(ctx, entry, o)
		}
	}

	free := entry.OpenOrderCap
	for _, o := range orders {
		if o.Placement == domain.PlacementActive && o.Fill == domain.FillOpen {
			free--
		}
	}
	for _, o := range orders[:slots] {
		if free <= 0 {
			break
		}
		if o.Placement == domain.PlacementQueued && r.promote(ctx, entry, o) {
			free--
		}
	}
}

// promote reports whether the order now occupies an exchange slot.
func (r *Rebalancer) promote(ctx context.Context, entry execution.Entry, o *domain.Order) bool {
	res, err := entry.Adapter.CreateOrder(ctx, domain.OrderRequest{
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		QtySats:         o.QtySats,
		PriceMicros:     o.PriceMicros,
		StopPriceMicros: o.StopPriceMicros,
	})

	switch {
	case err == nil:
		if err := r.store.UpdateOrderPlacement(ctx, o.ID, domain.PlacementActive, res.ExchangeOrderID); err != nil {
			slog.Error("promotion not recorded", "order_id", o.ID, "err", err)
			return true
		}
		o.Placement = domain.PlacementActive
		o.ExchangeOrderID = res.ExchangeOrderID
		r.publish(event.EvOrderPromoted, o, "")
		return true

	case domain.IsRejected(err):
		// Stays queued; the next pass retries without operator action.
		if recErr := r.store.RecordOrderError(ctx, o.ID, err.Error()); recErr != nil {
			slog.Error("rejection not recorded", "order_id", o.ID, "err", recErr)
		}
		r.publish(event.EvOrderRejected, o, err.Error())
		return false

	default:
		slog.Warn("promotion deferred", "order_id", o.ID, "err", err)
		return false
	}
}

func (r *Rebalancer) demote(ctx context.Context, entry execution.Entry, o *domain.Order) {
	_, err := entry.Adapter.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)

	switch {
	case err == nil:
		if err := r.store.UpdateOrderPlacement(ctx, o.ID, domain.PlacementQueued, ""); err != nil {
			slog.Error("demotion not recorded", "order_id", o.ID, "err", err)
			return
		}
		exRef := o.ExchangeOrderID
		o.Placement = domain.PlacementQueued
		o.ExchangeOrderID = ""
		r.publish(event.EvOrderDemoted, o, "was "+exRef)

	case domain.IsOrderGone(err):
		// The exchange already closed it; find out how and record the
		// terminal state instead of demoting.
		r.resolveGone(ctx, entry, o)

	default:
		// Still active; retried next pass.
		slog.Warn("demotion deferred", "order_id", o.ID, "err", err)
	}
}

// resolveGone settles an order whose cancel came back "not found".
func (r *Rebalancer) resolveGone(ctx context.Context, entry execution.Entry, o *domain.Order) {
	fill := domain.FillCancelled
	if res, err := entry.Adapter.GetOrder(ctx, o.Symbol, o.ExchangeOrderID); err == nil {
		if st := domain.FillStateOf(res.Status); st.Terminal() {
			fill = st
		}
	} else if !domain.IsOrderGone(err) {
		slog.Warn("could not resolve gone order", "order_id", o.ID, "err", err)
		return
	}

	if err := r.store.UpdateOrderFillState(ctx, o.ID, fill); err != nil {
		slog.Error("fill state not recorded", "order_id", o.ID, "err", err)
		return
	}
	o.Fill = fill

	typ := event.EvOrderCancelled
	if fill == domain.FillFilled {
		typ = event.EvOrderFilled
	}
	r.publish(typ, o, "")
}

func (r *Rebalancer) publish(typ event.Type, o *domain.Order, detail string) {
	ev := event.New(typ, o.ID)
	ev.AccountID = o.AccountID
	ev.Exchange = o.Exchange
	ev.Symbol = o.Symbol
	ev.ExchangeOrderID = o.ExchangeOrderID
	ev.Detail = detail
	r.bus.Publish(ev)
}
