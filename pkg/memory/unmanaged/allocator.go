// SPDX-License-Identifier: AGPL-3.0-only

// Package unmanaged allocates memory that is not pooled. Every allocation is
// reserved against an accounting.Accounting before the memory is obtained, and
// the reservation is returned exactly once when the region is freed.
package unmanaged

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/grafana/pixelmem/pkg/memory/accounting"
)

// Allocator hands out Regions sized exactly to the request.
type Allocator struct {
	backend    Backend
	accounting *accounting.Accounting
	blockSize  int
	logger     log.Logger

	// onLeak is called after the backstop reclaimed a region that was never freed.
	onLeak func(size int)
}

// NewAllocator returns an Allocator. blockSize is the preferred chunk size used
// when a logical buffer is split into several regions.
func NewAllocator(backend Backend, acc *accounting.Accounting, blockSize int, logger log.Logger) *Allocator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Allocator{
		backend:    backend,
		accounting: acc,
		blockSize:  blockSize,
		logger:     logger,
	}
}

// OnLeak registers a function called whenever a leaked region is reclaimed.
func (a *Allocator) OnLeak(f func(size int)) {
	a.onLeak = f
}

// BlockSize returns the preferred region size, in bytes.
func (a *Allocator) BlockSize() int { return a.blockSize }

// Accounting returns the accounting the allocator reserves against.
func (a *Allocator) Accounting() *accounting.Accounting { return a.accounting }

// Allocate returns a zeroed region of size bytes. It fails with an error wrapping
// accounting.ErrAllocationLimitExceeded if the limits do not allow the allocation.
func (a *Allocator) Allocate(size int) (*Region, error) {
	if size < 0 {
		return nil, errors.Errorf("invalid region size %d", size)
	}
	if size == 0 {
		return &Region{alloc: a}, nil
	}

	if err := a.accounting.ReserveAllocation(uint64(size)); err != nil {
		level.Warn(a.logger).Log("msg", "unmanaged allocation rejected", "size", humanize.IBytes(uint64(size)), "reserved", humanize.IBytes(a.accounting.ReservedBytes()), "err", err)
		return nil, err
	}

	b, err := a.backend.Alloc(size)
	if err != nil {
		// Roll back the reservation, the memory was never obtained.
		a.accounting.ReleaseAccumulatedBytes(uint64(size))
		return nil, errors.Wrap(err, "allocate unmanaged region")
	}

	return &Region{data: b, alloc: a}, nil
}

// Region is a contiguous block of unmanaged memory owned by exactly one holder.
// The holder must call Free on every exit path; Free is idempotent.
type Region struct {
	data  []byte
	alloc *Allocator
	freed atomic.Bool
}

// Bytes returns the region memory. It must not be used after Free.
func (r *Region) Bytes() []byte { return r.data }

// Size returns the region size, in bytes.
func (r *Region) Size() int { return len(r.data) }

// Freed reports whether the region has been freed or detached.
func (r *Region) Freed() bool { return r.freed.Load() }

// Free returns the memory to the backend and releases its reservation. Calls
// after the first one are no-ops.
func (r *Region) Free() {
	if !r.freed.CompareAndSwap(false, true) {
		return
	}
	r.release()
}

func (r *Region) release() {
	if len(r.data) == 0 {
		return
	}
	size := len(r.data)
	if err := r.alloc.backend.Free(r.data); err != nil {
		level.Error(r.alloc.logger).Log("msg", "failed to free unmanaged region", "size", humanize.IBytes(uint64(size)), "err", err)
	}
	r.data = nil
	r.alloc.accounting.ReleaseAccumulatedBytes(uint64(size))
}

// Detach converts the region into Go heap memory owned by the caller and frees
// the region. Off-heap memory is copied first.
func (r *Region) Detach() []byte {
	if !r.freed.CompareAndSwap(false, true) {
		return nil
	}
	if len(r.data) == 0 {
		return []byte{}
	}

	out := r.data
	if r.alloc.backend.OffHeap() {
		out = make([]byte, len(r.data))
		copy(out, r.data)
	}
	r.release()
	return out
}

// reclaim frees a region whose holder became unreachable without freeing it.
// It reports whether anything was reclaimed.
func (r *Region) reclaim() bool {
	if !r.freed.CompareAndSwap(false, true) {
		return false
	}
	size := len(r.data)
	level.Warn(r.alloc.logger).Log("msg", "unmanaged region was never freed, reclaiming it", "size", humanize.IBytes(uint64(size)))
	r.release()
	if r.alloc.onLeak != nil {
		r.alloc.onLeak(size)
	}
	return true
}

// GuardLeaks frees r when owner becomes unreachable, in case its holder never
// called Free. This is only a leak guard: owner must stay reachable for as long
// as the region memory is in use, and holders must still free explicitly.
// Stop the returned cleanup once the region has been freed.
func GuardLeaks[T any](owner *T, r *Region) runtime.Cleanup {
	return runtime.AddCleanup(owner, func(r *Region) { r.reclaim() }, r)
}
