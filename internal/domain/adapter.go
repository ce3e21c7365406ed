package domain

import (
	"context"

	"orderflow/pkg/quant"
)

// CallStatus is the normalized order status reported by an exchange.
type CallStatus string

const (
	CallStatusOpen      CallStatus = "OPEN"
	CallStatusFilled    CallStatus = "FILLED"
	CallStatusCancelled CallStatus = "CANCELLED"
	CallStatusExpired   CallStatus = "EXPIRED"
	CallStatusRejected  CallStatus = "REJECTED"
)

// OrderRequest carries the exchange-facing parameters of a create call.
// Symbol is always canonical BASE/QUOTE; adapters translate to wire form.
type OrderRequest struct {
	Symbol          string
	Side            Side
	Type            OrderType
	QtySats         quant.QtySats
	PriceMicros     quant.PriceMicros // required for limit/stop-limit
	StopPriceMicros quant.PriceMicros // required for stop types
}

// CallResult is the normalized response of any adapter call. Ephemeral,
// never persisted as-is.
type CallResult struct {
	ExchangeOrderID string
	Status          CallStatus
	QtySats         quant.QtySats
	ExecutedQtySats quant.QtySats
	PriceMicros     quant.PriceMicros
	AvgPriceMicros  quant.PriceMicros
	CreatedAt       quant.TimeStamp
}

// ExchangeAdapter normalizes one exchange's API. Implementations handle
// authentication, rate limiting, retry on transient failures, and symbol
// translation internally; callers see only canonical symbols and the typed
// error taxonomy.
type ExchangeAdapter interface {
	// Name returns the exchange identifier the adapter is registered under.
	Name() string

	// CreateOrder submits a new order.
	CreateOrder(ctx context.Context, req OrderRequest) (*CallResult, error)

	// CancelOrder cancels an open order. An exchange-side "not found" is
	// reported as an OrderGoneError, which callers treat as success.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*CallResult, error)

	// GetOrder fetches the current state of an order.
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (*CallResult, error)

	// ListOpenOrders returns open orders, optionally filtered by symbol
	// (empty symbol = all).
	ListOpenOrders(ctx context.Context, symbol string) ([]CallResult, error)
}

// FillStateOf maps a normalized call status onto the local fill state.
// Open statuses map to FillOpen, meaning no transition.
func FillStateOf(s CallStatus) FillState {
	switch s {
	case CallStatusFilled:
		return FillFilled
	case CallStatusCancelled:
		return FillCancelled
	case CallStatusExpired:
		return FillExpired
	case CallStatusRejected:
		return FillRejected
	default:
		return FillOpen
	}
}

// ExecutionUpdate is a fill/cancel confirmation pushed by an exchange stream.
type ExecutionUpdate struct {
	Exchange        string
	ExchangeOrderID string
	Symbol          string
	Status          CallStatus
	ExecutedQtySats quant.QtySats
	AvgPriceMicros  quant.PriceMicros
	Ts              quant.TimeStamp
}
