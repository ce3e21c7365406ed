package event

import (
	"orderflow/pkg/quant"
)

// Type identifies a lifecycle event.
type Type string

const (
	EvOrderPromoted  Type = "order.promoted"
	EvOrderDemoted   Type = "order.demoted"
	EvOrderFilled    Type = "order.filled"
	EvOrderCancelled Type = "order.cancelled"
	EvOrderRejected  Type = "order.rejected"

	EvCancelSucceeded Type = "cancel.succeeded"
	EvCancelRetried   Type = "cancel.retried"
	EvCancelFailed    Type = "cancel.failed"
)

// Event is one lifecycle transition, published for observers (logging,
// notification, downstream accounting).
type Event struct {
	Type            Type            `json:"type"`
	Ts              quant.TimeStamp `json:"ts"`
	OrderID         string          `json:"order_id"`
	AccountID       string          `json:"account_id,omitempty"`
	Exchange        string          `json:"exchange,omitempty"`
	Symbol          string          `json:"symbol,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Detail          string          `json:"detail,omitempty"`
}

// New builds an event stamped with the current time.
func New(typ Type, orderID string) Event {
	return Event{Type: typ, Ts: quant.Now(), OrderID: orderID}
}
