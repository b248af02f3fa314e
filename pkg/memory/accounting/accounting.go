// SPDX-License-Identifier: AGPL-3.0-only

// Package accounting enforces byte limits on allocations that bypass the pools.
package accounting

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// ErrAllocationLimitExceeded is the cause of every error returned by ReserveAllocation.
var ErrAllocationLimitExceeded = errors.New("allocation limit exceeded")

// LimitError is implemented by errors caused by a configured limit.
type LimitError interface {
	error
	limitError()
}

// LimitKind identifies which limit rejected a reservation.
type LimitKind string

const (
	SingleAllocationLimit     LimitKind = "single"
	CumulativeAllocationLimit LimitKind = "cumulative"
)

type limitErr struct {
	kind      LimitKind
	requested uint64
	reserved  uint64
	limit     uint64
}

func (e *limitErr) Error() string {
	if e.kind == SingleAllocationLimit {
		return fmt.Sprintf("%s: requested %d bytes in a single allocation (limit: %d bytes)", ErrAllocationLimitExceeded, e.requested, e.limit)
	}
	return fmt.Sprintf("%s: requested %d bytes with %d bytes already reserved (limit: %d bytes)", ErrAllocationLimitExceeded, e.requested, e.reserved, e.limit)
}

func (e *limitErr) Unwrap() error { return ErrAllocationLimitExceeded }

func (e *limitErr) limitError() {}

// Kind returns the limit that rejected the reservation.
func (e *limitErr) Kind() LimitKind { return e.kind }

// KindOf returns the limit kind of err, if err was returned by ReserveAllocation.
func KindOf(err error) (LimitKind, bool) {
	var le *limitErr
	if errors.As(err, &le) {
		return le.kind, true
	}
	return "", false
}

// Accounting tracks the bytes reserved by one unmanaged allocator and applies
// the single-allocation and cumulative limits.
//
// It is safe to use from multiple goroutines simultaneously.
type Accounting struct {
	singleAllocationLimitBytes uint64
	cumulativeLimitBytes       uint64

	reserved atomic.Uint64
	peak     atomic.Uint64

	rejections prometheus.Counter
}

// New returns an Accounting with the given limits. A zero limit disables it.
// rejections may be nil.
func New(singleAllocationLimitBytes, cumulativeLimitBytes uint64, rejections prometheus.Counter) *Accounting {
	return &Accounting{
		singleAllocationLimitBytes: singleAllocationLimitBytes,
		cumulativeLimitBytes:       cumulativeLimitBytes,
		rejections:                 rejections,
	}
}

// ReserveAllocation reserves n bytes. The counter is left untouched when the
// reservation is rejected.
func (a *Accounting) ReserveAllocation(n uint64) error {
	if a.singleAllocationLimitBytes > 0 && n > a.singleAllocationLimitBytes {
		return a.reject(&limitErr{kind: SingleAllocationLimit, requested: n, limit: a.singleAllocationLimitBytes})
	}

	for {
		current := a.reserved.Load()
		next := current + n
		if next < current || (a.cumulativeLimitBytes > 0 && next > a.cumulativeLimitBytes) {
			return a.reject(&limitErr{kind: CumulativeAllocationLimit, requested: n, reserved: current, limit: a.cumulativeLimitBytes})
		}
		if a.reserved.CompareAndSwap(current, next) {
			a.updatePeak(next)
			return nil
		}
	}
}

// ReleaseAccumulatedBytes returns n previously reserved bytes.
func (a *Accounting) ReleaseAccumulatedBytes(n uint64) {
	for {
		current := a.reserved.Load()
		if n > current {
			panic("Reserved unmanaged bytes would become negative. This indicates an allocation has been released more than once, which is a bug.")
		}
		if a.reserved.CompareAndSwap(current, current-n) {
			return
		}
	}
}

func (a *Accounting) reject(err *limitErr) error {
	if a.rejections != nil {
		a.rejections.Inc()
	}
	return err
}

func (a *Accounting) updatePeak(v uint64) {
	for {
		p := a.peak.Load()
		if v <= p || a.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// ReservedBytes returns the bytes currently reserved.
func (a *Accounting) ReservedBytes() uint64 { return a.reserved.Load() }

// PeakReservedBytes returns the highest value ReservedBytes has reached.
func (a *Accounting) PeakReservedBytes() uint64 { return a.peak.Load() }

// SingleAllocationLimitBytes returns the largest reservation accepted in one call.
func (a *Accounting) SingleAllocationLimitBytes() uint64 { return a.singleAllocationLimitBytes }

// CumulativeLimitBytes returns the maximum number of bytes that can be reserved at once.
func (a *Accounting) CumulativeLimitBytes() uint64 { return a.cumulativeLimitBytes }
