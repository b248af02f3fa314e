// SPDX-License-Identifier: AGPL-3.0-only

package unmanaged

import (
	"fmt"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

const (
	BackendMmap = "mmap"
	BackendHeap = "heap"
)

// Backends lists the supported backend names.
var Backends = []string{BackendMmap, BackendHeap}

// Backend provides the raw memory for unmanaged regions.
type Backend interface {
	// Alloc returns size bytes of zeroed memory. size is always > 0.
	Alloc(size int) ([]byte, error)
	// Free releases memory returned by Alloc. b is passed back exactly as returned.
	Free(b []byte) error
	// OffHeap reports whether memory lives outside the Go heap.
	OffHeap() bool
}

// NewBackend returns the backend registered under name.
func NewBackend(name string) (Backend, error) {
	switch name {
	case BackendMmap:
		return mmapBackend{}, nil
	case BackendHeap:
		return heapBackend{}, nil
	default:
		return nil, fmt.Errorf("unsupported unmanaged backend %q, supported values: %v", name, Backends)
	}
}

// mmapBackend allocates anonymous private mappings. The memory is invisible to
// the garbage collector and is returned to the operating system on Free.
type mmapBackend struct{}

func (mmapBackend) Alloc(size int) ([]byte, error) {
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes", size)
	}
	return m, nil
}

func (mmapBackend) Free(b []byte) error {
	m := mmap.MMap(b)
	return errors.Wrap(m.Unmap(), "munmap")
}

func (mmapBackend) OffHeap() bool { return true }

// heapBackend allocates from the Go heap. Free only drops the reference.
type heapBackend struct{}

func (heapBackend) Alloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (heapBackend) Free([]byte) error { return nil }

func (heapBackend) OffHeap() bool { return false }
