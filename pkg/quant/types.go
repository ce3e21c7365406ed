package quant

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceMicros represents price multiplied by 1,000,000 (10^6).
// E.g., 1.23 USD = 1,230,000 PriceMicros.
type PriceMicros int64

// QtySats represents quantity multiplied by 100,000,000 (10^8).
// E.g., 1.0 BTC = 100,000,000 QtySats.
type QtySats int64

// TimeStamp represents Unix Microseconds.
type TimeStamp int64

const (
	PriceScale = 6
	QtyScale   = 8
)

// Now returns the current time as a TimeStamp.
func Now() TimeStamp {
	return TimeStamp(time.Now().UnixMicro())
}

// Time converts a TimeStamp back to time.Time.
func (t TimeStamp) Time() time.Time {
	return time.UnixMicro(int64(t))
}

// ParsePrice converts a decimal string from an exchange API (e.g. "92100.25")
// to PriceMicros. Precision beyond 6 places is truncated toward zero.
// Float64 is never involved.
func ParsePrice(s string) (PriceMicros, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return PriceMicros(d.Shift(PriceScale).IntPart()), nil
}

// ParseQty converts a decimal string to QtySats, truncating beyond 8 places.
func ParseQty(s string) (QtySats, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return QtySats(d.Shift(QtyScale).IntPart()), nil
}

// Decimal returns the exact decimal value of the price.
func (p PriceMicros) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -PriceScale)
}

// Decimal returns the exact decimal value of the quantity.
func (q QtySats) Decimal() decimal.Decimal {
	return decimal.New(int64(q), -QtyScale)
}

// String renders the price as the decimal string exchanges expect on the wire.
func (p PriceMicros) String() string {
	return p.Decimal().String()
}

// String renders the quantity as the wire-format decimal string.
func (q QtySats) String() string {
	return q.Decimal().String()
}
