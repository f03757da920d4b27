// Package money provides shared amount parsing, formatting, and revenue
// splitting utilities.
//
// All amounts are stored as int64 cents (1 USD = 100 cents). Decimal
// strings on API surfaces use exactly two fractional digits.
package money

import (
	"fmt"
	"strings"
)

const decimals = 2

// ParseCents converts a decimal string (e.g. "20.00") to cents (2000).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string and negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than two fractional digits are rejected (no silent truncation
//     of money)
func ParseCents(s string) (int64, bool) {
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if len(frac) > decimals {
		return 0, false
	}
	for len(frac) < decimals {
		frac += "0"
	}

	var cents int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		cents = cents*10 + int64(r-'0')
		if cents < 0 { // overflow
			return 0, false
		}
	}
	return cents, true
}

// FormatCents converts cents to a decimal string with exactly two
// fractional digits (e.g. 1500 -> "15.00").
func FormatCents(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if neg {
		s = "-" + s
	}
	return s
}

// Split divides an amount between recipient and platform according to the
// recipient's share percent. The remainder cent, if any, goes to the
// platform so recipient+platform always equals total.
func Split(totalCents int64, recipientSharePercent int) (recipient, platform int64) {
	recipient = totalCents * int64(recipientSharePercent) / 100
	platform = totalCents - recipient
	return recipient, platform
}
