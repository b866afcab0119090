// Package money provides parsing and formatting for amounts held in minor
// currency units.
//
// The engine stores every amount as an int64 of minor units (cents for USD).
// Decimal strings exist only at the API boundary.
package money

import (
	"strconv"
	"strings"
)

// DefaultDecimals is the minor-unit precision for most ISO 4217 currencies.
const DefaultDecimals = 2

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
	"CLP": true,
	"ISK": true,
}

// Decimals returns the minor-unit decimal places for a currency code.
func Decimals(currency string) int {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return DefaultDecimals
}

// Parse converts a decimal string (e.g. "150.00") to minor units (15000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the currency's precision
func Parse(s, currency string) (int64, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	decimals := Decimals(currency)

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	if combined == "" {
		combined = "0"
	}
	n, err := strconv.ParseInt(combined, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Format converts minor units to a decimal string with the currency's
// precision (e.g. Format(15000, "USD") == "150.00").
func Format(amount int64, currency string) string {
	decimals := Decimals(currency)

	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := strconv.FormatInt(amount, 10)

	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}

	for len(s) < decimals+1 {
		s = "0" + s
	}
	split := len(s) - decimals
	result := s[:split] + "." + s[split:]
	if neg {
		result = "-" + result
	}
	return result
}
