// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"runtime"

	"go.uber.org/atomic"

	"github.com/grafana/pixelmem/pkg/memory/unmanaged"
)

// Buffer owns a contiguous block of Len() elements of type T.
//
// The holder has exclusive ownership of the view until Release or TakeOwnership.
// Release must be called on every exit path, typically with defer; it is
// idempotent. Accessing a released buffer panics with an error wrapping ErrUseAfterRelease.
//
// Unmanaged buffers are reclaimed if the Buffer becomes unreachable without being
// released, so keep the Buffer itself reachable while its view is in use.
type Buffer[T any] struct {
	view    []T
	kind    Kind
	storage storage

	guarded  bool
	cleanup  runtime.Cleanup
	released atomic.Bool
}

func newBuffer[T any](st storage, kind Kind, length int) *Buffer[T] {
	b := &Buffer[T]{
		view:    castSlice[T](st.bytes(), length),
		kind:    kind,
		storage: st,
	}
	if u, ok := st.(*unmanagedStorage); ok && u.region.Size() > 0 {
		b.cleanup = unmanaged.GuardLeaks(b, u.region)
		b.guarded = true
	}
	return b
}

// Len returns the number of elements in the buffer.
func (b *Buffer[T]) Len() int { return len(b.view) }

// Kind returns the tier the buffer was obtained from.
func (b *Buffer[T]) Kind() Kind { return b.kind }

// Released reports whether Release or TakeOwnership has been called.
func (b *Buffer[T]) Released() bool { return b.released.Load() }

// View returns the buffer elements. The backing block may be larger than Len(),
// but the view never exposes more than Len() elements.
func (b *Buffer[T]) View() []T {
	if b.released.Load() {
		useAfterRelease("view of released buffer")
	}
	return b.view
}

// Release returns the storage to the tier it came from. Calls after the first one are no-ops.
func (b *Buffer[T]) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.stopGuard()
	b.storage.release()
}

// TakeOwnership detaches the storage from any pool bookkeeping and returns it as
// ordinary garbage collected memory owned by the caller. The buffer is released
// afterwards. Off-heap storage is copied.
func (b *Buffer[T]) TakeOwnership() []T {
	if !b.released.CompareAndSwap(false, true) {
		useAfterRelease("take ownership of released buffer")
	}
	b.stopGuard()
	return castSlice[T](b.storage.detach(), len(b.view))
}

func (b *Buffer[T]) stopGuard() {
	if b.guarded {
		b.cleanup.Stop()
	}
}

// Clear zero-fills the buffer.
func (b *Buffer[T]) Clear() {
	clear(b.View())
}
