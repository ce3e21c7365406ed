package domain

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"orderflow/pkg/quant"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType identifies how an order executes.
type OrderType string

const (
	TypeMarket    OrderType = "MARKET"
	TypeLimit     OrderType = "LIMIT"
	TypeStop      OrderType = "STOP"
	TypeStopLimit OrderType = "STOP_LIMIT"
)

// PlacementState says whether an order is currently submitted to its exchange
// or held back by the open-order cap.
type PlacementState string

const (
	PlacementQueued PlacementState = "QUEUED"
	PlacementActive PlacementState = "ACTIVE"
)

// FillState tracks the exchange-side outcome of an order.
type FillState string

const (
	FillOpen      FillState = "OPEN"
	FillFilled    FillState = "FILLED"
	FillCancelled FillState = "CANCELLED"
	FillExpired   FillState = "EXPIRED"
	FillRejected  FillState = "REJECTED"
)

// Terminal reports whether the fill state can no longer change.
func (f FillState) Terminal() bool {
	return f != FillOpen
}

// Order is the central entity of the lifecycle engine.
// All monetary values are strictly int64 fixed point.
type Order struct {
	ID              string
	AccountID       string
	Exchange        string
	Symbol          string // canonical BASE/QUOTE form
	Side            Side
	Type            OrderType
	QtySats         quant.QtySats
	PriceMicros     quant.PriceMicros // 0 for market orders
	StopPriceMicros quant.PriceMicros // 0 unless stop-type
	Priority        int               // lower = more urgent
	SortPriceMicros quant.PriceMicros // proximity ranking input, set at creation
	Placement       PlacementState
	Fill            FillState
	ExchangeOrderID string // empty until accepted by the exchange
	LastError       string
	CreatedAt       quant.TimeStamp
	UpdatedAt       quant.TimeStamp
}

// NewOrder creates a Queued, Open order with a fresh id.
func NewOrder(accountID, exchange, symbol string, side Side, typ OrderType, qty quant.QtySats) *Order {
	now := quant.Now()
	return &Order{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Exchange:  exchange,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		QtySats:   qty,
		Priority:  100,
		Placement: PlacementQueued,
		Fill:      FillOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsOpen reports whether the order still competes for an exchange slot.
func (o *Order) IsOpen() bool {
	return o.Fill == FillOpen
}

// RankPrice returns the side-signed sort price. Within equal priority the
// order whose trigger price is nearest the market must rank first: for a sell
// the lower price wins, for a buy the higher price wins, so the buy side key
// is negated and both sides sort ascending.
func (o *Order) RankPrice() int64 {
	if o.Side == SideBuy {
		return -int64(o.SortPriceMicros)
	}
	return int64(o.SortPriceMicros)
}

// RankLess orders two open orders by (priority, side-signed sort price,
// created_at). Oldest wins remaining ties for FIFO fairness.
func RankLess(a, b *Order) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.RankPrice() != b.RankPrice() {
		return a.RankPrice() < b.RankPrice()
	}
	return a.CreatedAt < b.CreatedAt
}

// SortByRank sorts orders into promotion order, most urgent first.
func SortByRank(orders []*Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return RankLess(orders[i], orders[j])
	})
}

// CheckPlacement enforces the core invariant: an Active order carries an
// exchange order id, a Queued order does not.
func (o *Order) CheckPlacement() error {
	switch o.Placement {
	case PlacementActive:
		if o.ExchangeOrderID == "" {
			return fmt.Errorf("order %s: ACTIVE without exchange order id", o.ID)
		}
	case PlacementQueued:
		if o.ExchangeOrderID != "" {
			return fmt.Errorf("order %s: QUEUED with exchange order id %s", o.ID, o.ExchangeOrderID)
		}
	default:
		return fmt.Errorf("order %s: unknown placement state %q", o.ID, o.Placement)
	}
	return nil
}
