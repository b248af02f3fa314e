// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/thanos-io/thanos/blob/main/pkg/pool/pool.go
// Provenance-includes-license: Apache-2.0
// Provenance-includes-copyright: The Thanos Authors.

package pool

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/grafana/pixelmem/pkg/util/math"
)

const (
	// SharedMinBucketBytes is the smallest bucket of the process-wide shared pool.
	SharedMinBucketBytes = 16
	// SharedMaxBucketBytes is the largest request the process-wide shared pool serves.
	SharedMaxBucketBytes = 16 << 20
)

// Shared is the process-wide pool used for small transient buffers of every
// element type. It is created once when the package is initialised and lives
// for the lifetime of the process. The Go runtime reclaims idle entries on GC.
var Shared = MustNewSharedBytes(SharedMinBucketBytes, SharedMaxBucketBytes)

// ErrPoolExhausted is reported when a pool cannot provide the requested block.
// Pools never return it to allocator callers: it is the signal to fall back to the next tier.
var ErrPoolExhausted = errors.New("pool exhausted")

// SharedBytes is a bucketed pool for variably sized byte slices with power-of-two
// bucket sizes. It is safe for concurrent use.
type SharedBytes struct {
	buckets []sync.Pool
	sizes   []int

	rentedBytes   atomic.Int64
	rentedBuffers atomic.Int64
	allocations   atomic.Uint64
	reuses        atomic.Uint64
}

// SharedStats is a snapshot of SharedBytes counters.
type SharedStats struct {
	RentedBytes   int64
	RentedBuffers int64
	Allocations   uint64
	Reuses        uint64
}

// NewSharedBytes returns a SharedBytes with power-of-two buckets from minSize to maxSize.
func NewSharedBytes(minSize, maxSize int) (*SharedBytes, error) {
	if minSize < 1 || !math.IsPowerTwo(minSize) {
		return nil, errors.New("invalid minimum pool size")
	}
	if maxSize < minSize || !math.IsPowerTwo(maxSize) {
		return nil, errors.New("invalid maximum pool size")
	}

	var sizes []int
	for s := minSize; s <= maxSize; s *= 2 {
		sizes = append(sizes, s)
	}
	return &SharedBytes{
		buckets: make([]sync.Pool, len(sizes)),
		sizes:   sizes,
	}, nil
}

// MustNewSharedBytes is like NewSharedBytes but panics on invalid arguments.
func MustNewSharedBytes(minSize, maxSize int) *SharedBytes {
	p, err := NewSharedBytes(minSize, maxSize)
	if err != nil {
		panic(err)
	}
	return p
}

// MaxSize returns the largest request Get can serve.
func (p *SharedBytes) MaxSize() int {
	return p.sizes[len(p.sizes)-1]
}

func (p *SharedBytes) bucketIndex(sz int) int {
	if sz <= p.sizes[0] {
		return 0
	}
	return math.Log2Ceil(sz) - math.Log2Ceil(p.sizes[0])
}

// Get returns a byte slice of length sz. Its capacity is the bucket size and its
// contents are undefined. ok is false if sz exceeds MaxSize.
func (p *SharedBytes) Get(sz int) (_ []byte, ok bool) {
	if sz < 0 || sz > p.MaxSize() {
		return nil, false
	}

	i := p.bucketIndex(sz)
	var b []byte
	if reused, ok := p.buckets[i].Get().(*[]byte); ok {
		b = (*reused)[:sz]
		p.reuses.Inc()
	} else {
		b = make([]byte, sz, p.sizes[i])
		p.allocations.Inc()
	}

	p.rentedBytes.Add(int64(cap(b)))
	p.rentedBuffers.Inc()
	return b, true
}

// Put returns a byte slice obtained from Get to its bucket.
func (p *SharedBytes) Put(b []byte) {
	if b == nil {
		return
	}

	p.rentedBytes.Sub(int64(cap(b)))
	p.rentedBuffers.Dec()

	sz := cap(b)
	if sz < p.sizes[0] || sz > p.MaxSize() || !math.IsPowerTwo(sz) {
		// Not one of ours, let the runtime reclaim it.
		return
	}
	b = b[:0]
	p.buckets[p.bucketIndex(sz)].Put(&b)
}

// Detach stops tracking a byte slice obtained from Get. The slice is not pooled again.
func (p *SharedBytes) Detach(b []byte) {
	if b == nil {
		return
	}
	p.rentedBytes.Sub(int64(cap(b)))
	p.rentedBuffers.Dec()
}

// Stats returns a snapshot of the pool counters.
func (p *SharedBytes) Stats() SharedStats {
	return SharedStats{
		RentedBytes:   p.rentedBytes.Load(),
		RentedBuffers: p.rentedBuffers.Load(),
		Allocations:   p.allocations.Load(),
		Reuses:        p.reuses.Load(),
	}
}
