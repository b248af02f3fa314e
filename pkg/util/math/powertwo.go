// SPDX-License-Identifier: AGPL-3.0-only

package math

import (
	"math/bits"
)

// Log2Ceil returns the smallest k such that 1<<k >= n. Any value <= 1 returns 0.
func Log2Ceil(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// IsPowerTwo reports whether n is a positive power of 2.
func IsPowerTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
