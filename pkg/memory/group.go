// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/grafana/pixelmem/pkg/util/math"
	"github.com/grafana/pixelmem/pkg/util/pool"
)

// Group is a logical buffer of Len() elements stored in one or more chunks. All
// chunks but the last hold ChunkLength() elements, a multiple of Alignment(), so
// a row of Alignment() elements never straddles two chunks. There is no
// contiguous view across chunks: iterate chunk by chunk or row by row.
//
// Release must be called on every exit path. It is idempotent.
type Group[T any] struct {
	chunks      []*Buffer[T]
	length      int
	chunkLength int
	alignment   int

	released atomic.Bool
}

func newGroup[T any](length, chunkLength, alignment int) *Group[T] {
	n := 0
	if chunkLength > 0 {
		n = math.DivCeil(length, chunkLength)
	}
	return &Group[T]{
		chunks:      make([]*Buffer[T], 0, n),
		length:      length,
		chunkLength: chunkLength,
		alignment:   alignment,
	}
}

// planChunks returns the largest multiple of alignment not above blockElems.
// ok is false if not even one row fits a block.
func planChunks(alignment, blockElems int) (chunkLength int, ok bool) {
	chunkLength = math.RoundDownToMultiple(blockElems, alignment)
	return chunkLength, chunkLength > 0
}

// NewContiguousGroup wraps a single buffer into a Group. The group takes
// ownership of buf. With Clean the buffer is zero-filled.
func NewContiguousGroup[T any](buf *Buffer[T], alignment int, opts AllocationOptions) *Group[T] {
	g := newGroup[T](buf.Len(), max(buf.Len(), 1), alignment)
	g.chunks = append(g.chunks, buf)
	if opts.Has(Clean) && !buf.storage.zeroed() {
		buf.Clear()
	}
	return g
}

// TryAllocateGroup rents every chunk of a group of totalLength elements from p,
// each chunk holding as many rows of alignment elements as fit a block. Either
// all chunks are rented or none: on failure the blocks rented so far are given
// back and ok is false. ok is also false if a row does not fit a block or the
// arguments are invalid.
func TryAllocateGroup[T any](p *pool.UniformSlabPool, totalLength, alignment int, opts AllocationOptions) (_ *Group[T], ok bool) {
	elem, err := elementSize[T]()
	if err != nil || totalLength < 0 || alignment <= 0 {
		return nil, false
	}
	chunkLength, ok := planChunks(alignment, p.BlockSize()/elem)
	if !ok {
		return nil, false
	}

	n := math.DivCeil(totalLength, chunkLength)
	blocks := make([]pool.Block, 0, n)
	for range n {
		blk, ok := p.Rent()
		if !ok {
			for i := len(blocks) - 1; i >= 0; i-- {
				p.Cancel(blocks[i])
			}
			return nil, false
		}
		blocks = append(blocks, blk)
	}

	g := newGroup[T](totalLength, chunkLength, alignment)
	for i, blk := range blocks {
		length := min(chunkLength, totalLength-i*chunkLength)
		b := newBuffer[T](&slabStorage{pool: p, blk: blk}, KindSlab, length)
		if opts.Has(Clean) {
			clear(b.view)
		}
		g.chunks = append(g.chunks, b)
	}
	return g, true
}

// Len returns the total number of elements.
func (g *Group[T]) Len() int { return g.length }

// ChunkCount returns the number of chunks.
func (g *Group[T]) ChunkCount() int { return len(g.chunks) }

// ChunkLength returns the number of elements in every chunk but the last.
func (g *Group[T]) ChunkLength() int { return g.chunkLength }

// Alignment returns the row length no chunk boundary falls within.
func (g *Group[T]) Alignment() int { return g.alignment }

// IsContiguous reports whether the group is backed by a single chunk.
func (g *Group[T]) IsContiguous() bool { return len(g.chunks) <= 1 }

// Chunk returns the elements of chunk i.
func (g *Group[T]) Chunk(i int) []T {
	if g.released.Load() {
		useAfterRelease("chunk of released group")
	}
	if i < 0 || i >= len(g.chunks) {
		panic(fmt.Sprintf("chunk index %d out of range [0, %d)", i, len(g.chunks)))
	}
	return g.chunks[i].View()
}

// Kind returns the tier chunk i was obtained from.
func (g *Group[T]) Kind(i int) Kind {
	return g.chunks[i].Kind()
}

// Locate maps the logical position p to a chunk index and an offset within it.
func (g *Group[T]) Locate(p int) (chunk, offset int) {
	if p < 0 || p >= g.length {
		panic(fmt.Sprintf("position %d out of range [0, %d)", p, g.length))
	}
	return p / g.chunkLength, p % g.chunkLength
}

// RowCount returns the number of rows of Alignment() elements. The last row is
// shorter if Len() is not a multiple of the alignment.
func (g *Group[T]) RowCount() int {
	return math.DivCeil(g.length, g.alignment)
}

// Row returns the y-th run of Alignment() elements. It always lies within one chunk.
func (g *Group[T]) Row(y int) []T {
	if y < 0 || y >= g.RowCount() {
		panic(fmt.Sprintf("row %d out of range [0, %d)", y, g.RowCount()))
	}
	c, off := g.Locate(y * g.alignment)
	chunk := g.Chunk(c)
	return chunk[off:min(off+g.alignment, len(chunk))]
}

// Clear zero-fills every chunk.
func (g *Group[T]) Clear() {
	for i := range g.chunks {
		clear(g.Chunk(i))
	}
}

// Fill sets every element to v.
func (g *Group[T]) Fill(v T) {
	for i := range g.chunks {
		c := g.Chunk(i)
		for j := range c {
			c[j] = v
		}
	}
}

// CopyTo copies the group contents into dst and returns the number of elements copied.
func (g *Group[T]) CopyTo(dst []T) int {
	n := 0
	for i := range g.chunks {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], g.Chunk(i))
	}
	return n
}

// CopyFrom copies src into the group and returns the number of elements copied.
func (g *Group[T]) CopyFrom(src []T) int {
	n := 0
	for i := range g.chunks {
		if n == len(src) {
			break
		}
		n += copy(g.Chunk(i), src[n:])
	}
	return n
}

// Released reports whether Release has been called.
func (g *Group[T]) Released() bool { return g.released.Load() }

// Release releases every chunk exactly once. Calls after the first one are no-ops.
func (g *Group[T]) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	for _, c := range g.chunks {
		c.Release()
	}
}
