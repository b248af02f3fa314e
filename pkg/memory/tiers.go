// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/pixelmem/pkg/memory/unmanaged"
	"github.com/grafana/pixelmem/pkg/util/pool"
)

// storage is the memory behind a Buffer and knows how to give it back.
type storage interface {
	// bytes returns at least the requested number of bytes.
	bytes() []byte
	// release returns the memory to its origin. It is called at most once.
	release()
	// detach removes the memory from its origin and returns it as heap memory. It is called at most once.
	detach() []byte
	// zeroed reports whether the memory is known to be zero-filled.
	zeroed() bool
}

// tier is one allocation strategy. Tiers are tried in order of increasing cost.
type tier interface {
	kind() Kind
	// rent returns storage for size bytes, or ok=false to fall through to the next tier.
	rent(size int) (_ storage, ok bool, _ error)
}

type emptyStorage struct{}

func (emptyStorage) bytes() []byte  { return nil }
func (emptyStorage) release()       {}
func (emptyStorage) detach() []byte { return nil }
func (emptyStorage) zeroed() bool   { return true }

// sharedTier rents small buffers from the process-wide shared pool.
type sharedTier struct {
	pool      *pool.SharedBytes
	threshold int
}

func (t *sharedTier) kind() Kind { return KindShared }

func (t *sharedTier) rent(size int) (storage, bool, error) {
	if size > t.threshold {
		return nil, false, nil
	}
	b, ok := t.pool.Get(size)
	if !ok {
		return nil, false, nil
	}
	return &sharedStorage{pool: t.pool, b: b}, true, nil
}

type sharedStorage struct {
	pool *pool.SharedBytes
	b    []byte
}

func (s *sharedStorage) bytes() []byte { return s.b }
func (s *sharedStorage) release()      { s.pool.Put(s.b) }
func (s *sharedStorage) detach() []byte {
	s.pool.Detach(s.b)
	return s.b
}
func (s *sharedStorage) zeroed() bool { return false }

// slabTier rents one block from the allocator's uniform slab pool.
type slabTier struct {
	pool   *pool.UniformSlabPool
	logger log.Logger

	onExhausted func()
}

func (t *slabTier) kind() Kind { return KindSlab }

func (t *slabTier) rent(size int) (storage, bool, error) {
	if size > t.pool.BlockSize() {
		return nil, false, nil
	}
	blk, ok := t.pool.Rent()
	if !ok {
		level.Debug(t.logger).Log("msg", "slab pool exhausted, falling back to the next tier", "size", size, "capacity", t.pool.Capacity(), "err", pool.ErrPoolExhausted)
		if t.onExhausted != nil {
			t.onExhausted()
		}
		return nil, false, nil
	}
	return &slabStorage{pool: t.pool, blk: blk}, true, nil
}

type slabStorage struct {
	pool *pool.UniformSlabPool
	blk  pool.Block
}

func (s *slabStorage) bytes() []byte { return s.blk.Data }

// release silently drops blocks rented before the pool was reset.
func (s *slabStorage) release() { s.pool.Return(s.blk) }

func (s *slabStorage) detach() []byte {
	s.pool.Detach(s.blk)
	return s.blk.Data
}

func (s *slabStorage) zeroed() bool { return false }

// unmanagedTier allocates exactly the requested size, reserved against the allocation limits.
// It never falls through: it either succeeds or fails.
type unmanagedTier struct {
	alloc *unmanaged.Allocator
}

func (t *unmanagedTier) kind() Kind { return KindUnmanaged }

func (t *unmanagedTier) rent(size int) (storage, bool, error) {
	r, err := t.alloc.Allocate(size)
	if err != nil {
		return nil, false, err
	}
	return &unmanagedStorage{region: r}, true, nil
}

type unmanagedStorage struct {
	region *unmanaged.Region
}

func (s *unmanagedStorage) bytes() []byte  { return s.region.Bytes() }
func (s *unmanagedStorage) release()       { s.region.Free() }
func (s *unmanagedStorage) detach() []byte { return s.region.Detach() }
func (s *unmanagedStorage) zeroed() bool   { return true }
