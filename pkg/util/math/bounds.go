// SPDX-License-Identifier: AGPL-3.0-only

package math

import (
	"math"
)

// MulOverflowSafe multiplies two non-negative ints, returning ok = false when the result would overflow int.
func MulOverflowSafe(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt/b {
		return 0, false
	}
	return a * b, true
}

// DivCeil returns ceil(n / d) for n >= 0 and d > 0.
func DivCeil(n, d int) int {
	return (n + d - 1) / d
}

// RoundDownToMultiple rounds n down to the previous multiple of of.
func RoundDownToMultiple(n, of int) int {
	return (n / of) * of
}
