package core

import (
	"fmt"
	"strings"
)

// Perpetual symbols use the BASE/QUOTE:SETTLE form, e.g. "BTC/USDT:USDT".
// Spot-form symbols without a settle suffix are rejected everywhere.

// ValidateSymbol checks that a symbol is in perpetual BASE/QUOTE:SETTLE form
func ValidateSymbol(symbol string) error {
	if !strings.Contains(symbol, ":") {
		return fmt.Errorf("symbol %q is not a perpetual contract (missing settle suffix)", symbol)
	}
	base, quote, settle, err := SplitSymbol(symbol)
	if err != nil {
		return err
	}
	if base == "" || quote == "" || settle == "" {
		return fmt.Errorf("symbol %q has empty components", symbol)
	}
	return nil
}

// SplitSymbol decomposes BASE/QUOTE:SETTLE into its components
func SplitSymbol(symbol string) (base, quote, settle string, err error) {
	pair, settle, ok := strings.Cut(symbol, ":")
	if !ok {
		return "", "", "", fmt.Errorf("symbol %q is not a perpetual contract (missing settle suffix)", symbol)
	}
	base, quote, ok = strings.Cut(pair, "/")
	if !ok {
		return "", "", "", fmt.Errorf("symbol %q is missing the base/quote separator", symbol)
	}
	return base, quote, settle, nil
}

// ExchangeSymbol converts the perpetual form to the venue's concatenated
// form, e.g. "BTC/USDT:USDT" -> "BTCUSDT"
func ExchangeSymbol(symbol string) (string, error) {
	base, quote, _, err := SplitSymbol(symbol)
	if err != nil {
		return "", err
	}
	return base + quote, nil
}

// BaseAsset returns the base component of a perpetual symbol, or "" when the
// symbol is malformed
func BaseAsset(symbol string) string {
	base, _, _, err := SplitSymbol(symbol)
	if err != nil {
		return ""
	}
	return base
}
