// Package money provides the integer minor-unit amount type shared by the
// payout calculator, escrow accounts and contract bookkeeping.
//
// All amounts are stored as int64 cents (1.00 = 100). Percentages are whole
// numbers and every division truncates toward zero.
package money

import (
	"math"
	"strconv"
)

// Decimals is the number of fractional digits in a formatted amount.
const Decimals = 2

// MaxAmount is the largest amount Percent can scale without overflowing.
const MaxAmount = Cents(math.MaxInt64 / 100)

// Cents is an amount in the smallest currency unit.
type Cents int64

// Percent returns pct percent of c, truncated. c must not exceed MaxAmount
// and pct must be within [0, 100].
func (c Cents) Percent(pct int) Cents {
	return c * Cents(pct) / 100
}

// String formats the amount with two decimal places (e.g. "1500.00").
func (c Cents) String() string {
	return Format(c)
}

// Format converts cents to a decimal string with exactly two places.
func Format(c Cents) string {
	neg := c < 0
	v := int64(c)
	if neg {
		v = -v
	}
	s := strconv.FormatInt(v, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}
