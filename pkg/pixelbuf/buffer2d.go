// SPDX-License-Identifier: AGPL-3.0-only

// Package pixelbuf provides two-dimensional pixel buffers backed by memory groups.
package pixelbuf

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/grafana/pixelmem/pkg/memory"
	"github.com/grafana/pixelmem/pkg/util/math"
)

// Buffer2D is a width x height grid of T. Every row lies within a single chunk
// of the underlying group, so Row never copies.
type Buffer2D[T any] struct {
	group         *memory.Group[T]
	width, height int
}

// New2D allocates a width x height buffer from a. A zero width or height gives
// an empty buffer that holds no memory.
func New2D[T any](a *memory.Allocator, width, height int, opts memory.AllocationOptions) (*Buffer2D[T], error) {
	if width < 0 || height < 0 {
		return nil, errors.Wrapf(memory.ErrInvalidLength, "buffer size %dx%d", width, height)
	}
	total, ok := math.MulOverflowSafe(width, height)
	if !ok {
		return nil, errors.Wrapf(memory.ErrAllocationTooLarge, "buffer size %dx%d", width, height)
	}

	g, err := memory.AllocateGroup[T](a, total, max(width, 1), opts)
	if err != nil {
		return nil, err
	}
	return &Buffer2D[T]{group: g, width: width, height: height}, nil
}

// Width returns the number of elements per row.
func (b *Buffer2D[T]) Width() int { return b.width }

// Height returns the number of rows.
func (b *Buffer2D[T]) Height() int { return b.height }

// Group returns the underlying memory group.
func (b *Buffer2D[T]) Group() *memory.Group[T] { return b.group }

// Row returns row y.
func (b *Buffer2D[T]) Row(y int) []T {
	if b.width == 0 {
		if y < 0 || y >= b.height {
			panic(fmt.Sprintf("row %d out of range [0, %d)", y, b.height))
		}
		return nil
	}
	return b.group.Row(y)
}

func (b *Buffer2D[T]) checkBounds(x, y int) {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		panic(fmt.Sprintf("position (%d, %d) out of bounds %dx%d", x, y, b.width, b.height))
	}
}

// At returns the element at (x, y).
func (b *Buffer2D[T]) At(x, y int) T {
	b.checkBounds(x, y)
	return b.group.Row(y)[x]
}

// Set sets the element at (x, y).
func (b *Buffer2D[T]) Set(x, y int, v T) {
	b.checkBounds(x, y)
	b.group.Row(y)[x] = v
}

// Fill sets every element to v.
func (b *Buffer2D[T]) Fill(v T) { b.group.Fill(v) }

// Clear zero-fills the buffer.
func (b *Buffer2D[T]) Clear() { b.group.Clear() }

// Release gives the memory back to the allocator. It is idempotent.
func (b *Buffer2D[T]) Release() { b.group.Release() }
