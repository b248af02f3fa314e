// SPDX-License-Identifier: AGPL-3.0-only

// Package memory hands out pooled and unmanaged buffers for pixel data.
//
// An Allocator serves every request from the cheapest tier that can hold it:
// the process-wide shared pool for small buffers, the allocator's own uniform
// slab pool for buffers up to one block, and unmanaged memory reserved against
// the allocation limits for everything else. Buffers too large for a single
// contiguous allocation can be requested as a Group of aligned chunks.
package memory

import (
	stdmath "math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/pixelmem/pkg/memory/accounting"
	"github.com/grafana/pixelmem/pkg/memory/unmanaged"
	"github.com/grafana/pixelmem/pkg/util/math"
	"github.com/grafana/pixelmem/pkg/util/pool"
)

func sharedPoolMaxBytes() int {
	return pool.Shared.MaxSize()
}

// Allocator selects a tier for every request. It is safe for concurrent use.
type Allocator struct {
	cfg    Config
	logger log.Logger

	shared     *pool.SharedBytes
	slabs      *pool.UniformSlabPool
	accounting *accounting.Accounting
	unmanaged  *unmanaged.Allocator

	// tiers in order of increasing cost. The last tier never falls through.
	tiers         []tier
	unmanagedTier *unmanagedTier

	metrics *allocatorMetrics
}

// Stats is a snapshot of an Allocator.
type Stats struct {
	Slab                       pool.SlabStats
	Shared                     pool.SharedStats
	UnmanagedReservedBytes     uint64
	UnmanagedPeakReservedBytes uint64
	CapacityBytes              int
}

// NewAllocator returns an Allocator for the given configuration. reg and logger may be nil.
func NewAllocator(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid memory allocator config")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	backend, err := unmanaged.NewBackend(cfg.UnmanagedBackend)
	if err != nil {
		return nil, err
	}
	slabs, err := pool.NewUniformSlabPool(int(cfg.UniformBlockSizeBytes), cfg.PoolCapacityBlocks, cfg.TrimRate)
	if err != nil {
		return nil, errors.Wrap(err, "create slab pool")
	}

	m := newAllocatorMetrics(reg)
	acc := accounting.New(uint64(cfg.SingleAllocationLimitBytes), uint64(cfg.CumulativeAllocationLimitBytes), m.rejections)
	ua := unmanaged.NewAllocator(backend, acc, int(cfg.UnmanagedBlockSizeBytes), logger)
	ua.OnLeak(func(int) {
		m.leaked.WithLabelValues(KindUnmanaged.String()).Inc()
	})
	registerPoolMetrics(reg, slabs, acc)

	a := &Allocator{
		cfg:        cfg,
		logger:     logger,
		shared:     pool.Shared,
		slabs:      slabs,
		accounting: acc,
		unmanaged:  ua,
		metrics:    m,
	}
	a.unmanagedTier = &unmanagedTier{alloc: ua}
	a.tiers = []tier{
		&sharedTier{pool: a.shared, threshold: int(cfg.SharedPoolThresholdBytes)},
		&slabTier{pool: slabs, logger: logger, onExhausted: func() {
			m.fallbacks.WithLabelValues(KindSlab.String()).Inc()
		}},
		a.unmanagedTier,
	}
	return a, nil
}

// Config returns the configuration the allocator was created with.
func (a *Allocator) Config() Config { return a.cfg }

// CapacityInBytes returns the largest single contiguous allocation this allocator supports.
func (a *Allocator) CapacityInBytes() int {
	limit := a.accounting.SingleAllocationLimitBytes()
	if limit == 0 || limit > stdmath.MaxInt {
		return stdmath.MaxInt
	}
	return int(limit)
}

// ReleaseRetainedResources discards every free slab pool block and starts a new
// pool generation. Buffers rented before are still valid, their blocks are
// dropped instead of pooled when released.
func (a *Allocator) ReleaseRetainedResources() {
	before := a.slabs.Stats()
	gen := a.slabs.Reset()
	level.Info(a.logger).Log("msg", "released retained memory pool resources", "discarded_blocks", before.Free, "rented_blocks", before.Rented, "generation", gen)
}

// Trim discards the configured fraction of free slab pool blocks.
func (a *Allocator) Trim() int {
	return a.slabs.Trim()
}

// TrimFraction discards the given fraction of free slab pool blocks.
func (a *Allocator) TrimFraction(fraction float64) int {
	return a.slabs.TrimFraction(fraction)
}

// TrimAll discards every free slab pool block without starting a new generation.
func (a *Allocator) TrimAll() int {
	return a.slabs.TrimAll()
}

// Stats returns a snapshot of the allocator pools and accounting.
func (a *Allocator) Stats() Stats {
	return Stats{
		Slab:                       a.slabs.Stats(),
		Shared:                     a.shared.Stats(),
		UnmanagedReservedBytes:     a.accounting.ReservedBytes(),
		UnmanagedPeakReservedBytes: a.accounting.PeakReservedBytes(),
		CapacityBytes:              a.CapacityInBytes(),
	}
}

// allocate returns storage for size bytes from the first tier that can serve it.
func (a *Allocator) allocate(size int) (storage, Kind, error) {
	for _, t := range a.tiers {
		st, ok, err := t.rent(size)
		if err != nil {
			a.countFailure(err)
			return nil, 0, err
		}
		if ok {
			a.metrics.allocations.WithLabelValues(t.kind().String()).Inc()
			return st, t.kind(), nil
		}
	}
	// Unreachable: the unmanaged tier never falls through.
	return nil, 0, errors.Errorf("no tier could allocate %d bytes", size)
}

// allocateUnmanaged skips the pooled tiers.
func (a *Allocator) allocateUnmanaged(size int) (storage, error) {
	st, _, err := a.unmanagedTier.rent(size)
	if err != nil {
		a.countFailure(err)
		return nil, err
	}
	a.metrics.allocations.WithLabelValues(KindUnmanaged.String()).Inc()
	return st, nil
}

func (a *Allocator) countFailure(err error) {
	reason := failureBackend
	switch {
	case errors.Is(err, ErrInvalidLength):
		reason = failureInvalidLength
	case errors.Is(err, ErrAllocationTooLarge):
		reason = failureTooLarge
	case errors.Is(err, ErrAllocationLimitExceeded):
		reason = failureLimitExceeded
	case errors.Is(err, ErrUnsupportedElementType):
		reason = failureUnsupportedType
	}
	a.metrics.failures.WithLabelValues(reason).Inc()
}

// Allocate returns a buffer of length elements of type T. With Clean the buffer
// is zero-filled, otherwise its contents are undefined.
//
// It fails with ErrInvalidLength for a negative length, ErrAllocationTooLarge if
// the buffer exceeds the allocator capacity and ErrAllocationLimitExceeded if the
// unmanaged allocation limits do not allow it. Running out of pooled blocks is
// never an error.
func Allocate[T any](a *Allocator, length int, opts AllocationOptions) (*Buffer[T], error) {
	size, err := checkedByteSize[T](a, length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return newBuffer[T](emptyStorage{}, KindShared, 0), nil
	}

	st, kind, err := a.allocate(size)
	if err != nil {
		return nil, err
	}
	b := newBuffer[T](st, kind, length)
	if opts.Has(Clean) && !st.zeroed() {
		clear(b.view)
	}
	return b, nil
}

// checkedByteSize validates a contiguous allocation and returns its size in bytes.
func checkedByteSize[T any](a *Allocator, length int) (int, error) {
	elem, err := elementSize[T]()
	if err != nil {
		a.countFailure(err)
		return 0, err
	}
	if length < 0 {
		err := invalidLengthError("buffer length", length)
		a.countFailure(err)
		return 0, err
	}

	size, ok := math.MulOverflowSafe(length, elem)
	if !ok || size > a.CapacityInBytes() {
		if !ok {
			size = stdmath.MaxInt
		}
		err := allocationTooLargeError(size, a.CapacityInBytes())
		a.countFailure(err)
		return 0, err
	}
	return size, nil
}

// AllocateGroup returns a logical buffer of totalLength elements of type T, made
// of one or more chunks. Every run of alignment elements starting at a multiple
// of alignment lies within a single chunk.
//
// Groups that fit a pool block are backed by a single buffer. Larger groups rent
// all their chunks from the slab pool, or none, and otherwise fall back to
// unmanaged chunks of the unmanaged block size.
func AllocateGroup[T any](a *Allocator, totalLength, alignment int, opts AllocationOptions) (*Group[T], error) {
	elem, err := elementSize[T]()
	if err != nil {
		a.countFailure(err)
		return nil, err
	}
	if totalLength < 0 {
		err := invalidLengthError("group length", totalLength)
		a.countFailure(err)
		return nil, err
	}
	if alignment <= 0 {
		err := invalidLengthError("group alignment", alignment)
		a.countFailure(err)
		return nil, err
	}

	totalBytes, ok := math.MulOverflowSafe(totalLength, elem)
	if !ok {
		err := allocationTooLargeError(stdmath.MaxInt, a.CapacityInBytes())
		a.countFailure(err)
		return nil, err
	}

	if totalBytes <= a.slabs.BlockSize() {
		buf, err := Allocate[T](a, totalLength, opts&^Clean)
		if err != nil {
			return nil, err
		}
		return NewContiguousGroup(buf, alignment, opts), nil
	}

	if g, ok := TryAllocateGroup[T](a.slabs, totalLength, alignment, opts); ok {
		a.metrics.allocations.WithLabelValues(KindSlab.String()).Add(float64(g.ChunkCount()))
		return g, nil
	}
	a.metrics.fallbacks.WithLabelValues(KindSlab.String()).Inc()
	level.Debug(a.logger).Log("msg", "slab pool cannot provide every chunk of the group, falling back to unmanaged memory", "length", totalLength, "alignment", alignment, "err", pool.ErrPoolExhausted)

	return allocateUnmanagedGroup[T](a, totalLength, alignment, elem)
}

// allocateUnmanagedGroup needs no cleaning, unmanaged memory is always zeroed.
func allocateUnmanagedGroup[T any](a *Allocator, totalLength, alignment, elem int) (*Group[T], error) {
	chunkLength, ok := planChunks(alignment, a.unmanaged.BlockSize()/elem)
	if !ok {
		// A single row does not fit a block: give every row its own chunk.
		chunkLength = alignment
	}

	g := newGroup[T](totalLength, chunkLength, alignment)
	for start := 0; start < totalLength; start += chunkLength {
		length := min(chunkLength, totalLength-start)
		st, err := a.allocateUnmanaged(length * elem)
		if err != nil {
			g.Release()
			return nil, errors.Wrapf(err, "allocate chunk %d of %d", len(g.chunks), math.DivCeil(totalLength, chunkLength))
		}
		g.chunks = append(g.chunks, newBuffer[T](st, KindUnmanaged, length))
	}
	return g, nil
}
