// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/cortexproject/cortex/blob/master/pkg/util/math/rate.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Cortex Authors.

package math

import (
	"sync"
)

// EWMA tracks an exponentially weighted moving average of sampled values,
// such as the fraction of memory in use.
type EWMA struct {
	alpha float64

	mutex         sync.RWMutex
	last          float64
	init          bool
	count         uint8
	warmupSamples uint8
}

// NewEWMA returns an EWMA that reports 0 until warmupSamples samples have been added.
func NewEWMA(alpha float64, warmupSamples uint8) *EWMA {
	return &EWMA{
		alpha:         alpha,
		warmupSamples: warmupSamples,
	}
}

// AlphaForWindow computes the smoothing factor for a window of n samples.
// See https://github.com/VividCortex/ewma#choosing-alpha
func AlphaForWindow(n int) float64 {
	return 2 / (float64(n) + 1)
}

// Add records a new sample and returns the updated average.
func (e *EWMA) Add(sample float64) float64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.count < e.warmupSamples {
		e.count++
	}

	if e.init {
		e.last += e.alpha * (sample - e.last)
	} else {
		e.init = true
		e.last = sample
	}
	return e.last
}

// Value returns the moving average, or 0 while warming up.
func (e *EWMA) Value() float64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	if e.count < e.warmupSamples {
		return 0
	}
	return e.last
}
