// Package token provides shared parsing and formatting for PICK amounts.
//
// PICK uses 6 decimal places. All arithmetic happens on big.Int values in
// the smallest unit (1 PICK = 1,000,000 micro).
package token

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Micro is the number of smallest units per whole token.
var Micro = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "0.125") to its smallest-unit
// big.Int representation (125000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "0.125000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Zero returns the canonical zero amount string.
func Zero() string { return "0.000000" }
