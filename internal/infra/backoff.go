package infra

import (
	"time"
)

// BackoffSchedule computes exponential retry delays: Base * 2^retryCount,
// capped at Max.
type BackoffSchedule struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff mirrors the engine defaults: 1 minute doubling up to 16
// minutes, bounding a 5-retry window to roughly half an hour.
var DefaultBackoff = BackoffSchedule{Base: time.Minute, Max: 16 * time.Minute}

// Delay returns the backoff duration for a given retry count.
// A negative retryCount returns Base.
func (b BackoffSchedule) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		return b.Base
	}

	// Clamp before shifting: once Base << retryCount would pass the cap the
	// result is Max anyway, and the multiplication could overflow.
	if retryCount > 30 || b.Base > b.Max>>uint(retryCount) {
		return b.Max
	}

	return b.Base * time.Duration(1<<uint(retryCount))
}
