// SPDX-License-Identifier: AGPL-3.0-only

package pool

import (
	"fmt"
	stdmath "math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Block is a fixed-size block rented from a UniformSlabPool. Generation is the
// pool generation the block was rented in.
type Block struct {
	Data       []byte
	Generation uint64

	reused bool
}

// UniformSlabPool is a pool of equally sized byte blocks. No more than capacity
// blocks are issued per generation; Rent reports false instead of growing further.
//
// UniformSlabPool is safe for concurrent use.
type UniformSlabPool struct {
	blockSize int
	capacity  int
	trimRate  float64
	now       func() time.Time

	mtx       sync.Mutex
	free      [][]byte
	freeSince time.Time

	// issued and generation are only modified with mtx held, but can be read without it.
	issued     atomic.Int64
	generation atomic.Uint64
	trimmed    atomic.Uint64
}

// SlabStats is a snapshot of a UniformSlabPool.
type SlabStats struct {
	BlockSize  int
	Capacity   int
	Issued     int
	Free       int
	Rented     int
	Generation uint64
	// Idle is how long the free list has been continuously non-empty.
	Idle time.Duration
	// Trimmed is the total number of free blocks discarded by trimming.
	Trimmed uint64
}

// NewUniformSlabPool returns a pool of blocks of blockSize bytes that issues at most
// capacity blocks. trimRate is the fraction of free blocks discarded by each Trim.
func NewUniformSlabPool(blockSize, capacity int, trimRate float64) (*UniformSlabPool, error) {
	if blockSize < 1 {
		return nil, errors.New("invalid block size")
	}
	if capacity < 1 {
		return nil, errors.New("invalid pool capacity")
	}
	if trimRate <= 0 || trimRate > 1 || stdmath.IsNaN(trimRate) {
		return nil, errors.New("invalid trim rate")
	}

	return &UniformSlabPool{
		blockSize: blockSize,
		capacity:  capacity,
		trimRate:  trimRate,
		now:       time.Now,
		free:      make([][]byte, 0, capacity),
	}, nil
}

// BlockSize returns the size of every block, in bytes.
func (p *UniformSlabPool) BlockSize() int { return p.blockSize }

// Capacity returns the maximum number of blocks issued per generation.
func (p *UniformSlabPool) Capacity() int { return p.capacity }

// Generation returns the current generation. It is advanced by Reset.
func (p *UniformSlabPool) Generation() uint64 { return p.generation.Load() }

// Rent returns a block from the free list, or a newly allocated one if fewer than
// capacity blocks have been issued. ok is false when the pool is exhausted.
// The contents of a reused block are undefined.
func (p *UniformSlabPool) Rent() (_ Block, ok bool) {
	p.mtx.Lock()
	gen := p.generation.Load()

	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		if len(p.free) == 0 {
			p.freeSince = time.Time{}
		}
		p.mtx.Unlock()
		return Block{Data: b, Generation: gen, reused: true}, true
	}

	if p.issued.Load() >= int64(p.capacity) {
		p.mtx.Unlock()
		return Block{}, false
	}
	p.issued.Inc()
	p.mtx.Unlock()

	// Allocate outside the lock.
	return Block{Data: make([]byte, p.blockSize), Generation: gen}, true
}

// Return gives a rented block back to the pool. Blocks rented in a previous
// generation are dropped. It reports whether the block was kept.
func (p *UniformSlabPool) Return(b Block) bool {
	if len(b.Data) != p.blockSize {
		panic(fmt.Sprintf("block of %d bytes does not belong to a pool of %d byte blocks", len(b.Data), p.blockSize))
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if b.Generation != p.generation.Load() {
		return false
	}
	if len(p.free) >= p.capacity {
		// Can only happen if the same block was returned twice.
		return false
	}

	if len(p.free) == 0 {
		p.freeSince = p.now()
	}
	p.free = append(p.free, b.Data)
	return true
}

// Cancel undoes a Rent whose block was never handed out: a reused block goes back
// to the free list and a newly allocated one is discarded, leaving the free list
// as it was before the Rent.
func (p *UniformSlabPool) Cancel(b Block) {
	if !b.reused {
		p.Detach(b)
		return
	}
	p.Return(b)
}

// Detach removes a rented block from the pool bookkeeping for good. The block
// becomes ordinary garbage collected memory owned by the caller.
func (p *UniformSlabPool) Detach(b Block) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if b.Generation == p.generation.Load() {
		p.issued.Dec()
	}
}

// Trim discards the configured fraction of free blocks so the runtime can reclaim
// them. Rented blocks are never affected. It returns the number of discarded blocks.
func (p *UniformSlabPool) Trim() int {
	return p.TrimFraction(p.trimRate)
}

// TrimFraction discards ceil(free * fraction) free blocks.
func (p *UniformSlabPool) TrimFraction(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	fraction = min(fraction, 1)

	p.mtx.Lock()
	defer p.mtx.Unlock()

	n := int(stdmath.Ceil(float64(len(p.free)) * fraction))
	return p.discardLocked(n)
}

// TrimAll discards every free block.
func (p *UniformSlabPool) TrimAll() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.discardLocked(len(p.free))
}

func (p *UniformSlabPool) discardLocked(n int) int {
	n = min(n, len(p.free))
	if n == 0 {
		return 0
	}

	remaining := len(p.free) - n
	clear(p.free[remaining:])
	p.free = p.free[:remaining]
	p.issued.Sub(int64(n))
	p.trimmed.Add(uint64(n))

	if remaining == 0 {
		p.freeSince = time.Time{}
	} else {
		// Give the remaining blocks a bit more time before the next age based trim.
		p.freeSince = p.now()
	}
	return n
}

// Reset discards every free block and starts a new generation. Blocks rented
// before Reset are dropped when returned, and no longer count towards capacity.
// It returns the new generation.
func (p *UniformSlabPool) Reset() uint64 {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.trimmed.Add(uint64(len(p.free)))
	clear(p.free)
	p.free = p.free[:0]
	p.freeSince = time.Time{}
	p.issued.Store(0)
	return p.generation.Inc()
}

func (p *UniformSlabPool) idleForLocked() time.Duration {
	if p.freeSince.IsZero() {
		return 0
	}
	return p.now().Sub(p.freeSince)
}

// Stats returns a snapshot of the pool.
func (p *UniformSlabPool) Stats() SlabStats {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	issued := int(p.issued.Load())
	return SlabStats{
		BlockSize:  p.blockSize,
		Capacity:   p.capacity,
		Issued:     issued,
		Free:       len(p.free),
		Rented:     issued - len(p.free),
		Generation: p.generation.Load(),
		Idle:       p.idleForLocked(),
		Trimmed:    p.trimmed.Load(),
	}
}
