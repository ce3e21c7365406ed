package domain

import (
	"github.com/google/uuid"

	"orderflow/pkg/quant"
)

// CancelStatus tracks a cancellation request through its lifecycle.
type CancelStatus string

const (
	CancelPending    CancelStatus = "PENDING"
	CancelProcessing CancelStatus = "PROCESSING"
	CancelSuccess    CancelStatus = "SUCCESS"
	CancelFailed     CancelStatus = "FAILED"
)

// Terminal reports whether the request is done, successfully or not.
func (s CancelStatus) Terminal() bool {
	return s == CancelSuccess || s == CancelFailed
}

// CancellationRequest is a pending intent to remove an order from its
// exchange. At most one non-terminal request exists per order. Terminal rows
// are kept as an audit trail, never deleted.
type CancellationRequest struct {
	ID           string
	OrderID      string
	Status       CancelStatus
	RetryCount   int
	MaxRetries   int
	NextRetryAt  quant.TimeStamp // 0 = eligible immediately
	ErrorMessage string
	RequestedAt  quant.TimeStamp
	ClaimedBy    string          // worker id holding the claim
	ClaimedAt    quant.TimeStamp // 0 = unclaimed
}

// NewCancellationRequest creates a Pending request for the given order.
func NewCancellationRequest(orderID string, maxRetries int) *CancellationRequest {
	return &CancellationRequest{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Status:      CancelPending,
		MaxRetries:  maxRetries,
		RequestedAt: quant.Now(),
	}
}
