package domain

import (
	"fmt"
	"strings"
)

// Canonical symbols are BASE/QUOTE (e.g. "BTC/USDT"). Adapters convert to
// and from their exchange's wire form at the boundary.

// knownQuotes lists quote currencies recognised when splitting concatenated
// wire symbols back into canonical form. Longest match wins.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "KRW", "USD", "EUR", "BTC", "ETH"}

// SplitSymbol breaks a canonical symbol into base and quote.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid canonical symbol %q", symbol)
	}
	return parts[0], parts[1], nil
}

// JoinWireSymbol renders a canonical symbol as a concatenated wire symbol
// (e.g. "BTC/USDT" -> "BTCUSDT").
func JoinWireSymbol(symbol string) (string, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

// ParseWireSymbol converts a concatenated wire symbol back to canonical form
// by matching a known quote currency suffix.
func ParseWireSymbol(wire string) (string, error) {
	upper := strings.ToUpper(wire)
	for _, quote := range knownQuotes {
		if strings.HasSuffix(upper, quote) && len(upper) > len(quote) {
			return upper[:len(upper)-len(quote)] + "/" + quote, nil
		}
	}
	return "", fmt.Errorf("unrecognised wire symbol %q", wire)
}
