// SPDX-License-Identifier: AGPL-3.0-only

package memory

import "strings"

// AllocationOptions is a set of flags changing how a buffer is prepared.
type AllocationOptions uint8

const (
	None AllocationOptions = 0
	// Clean zero-fills the returned memory before it is handed out.
	Clean AllocationOptions = 1
)

// Has reports whether every flag in o is set.
func (opts AllocationOptions) Has(o AllocationOptions) bool {
	return opts&o == o
}

func (opts AllocationOptions) String() string {
	if opts == None {
		return "none"
	}
	var flags []string
	if opts.Has(Clean) {
		flags = append(flags, "clean")
	}
	return strings.Join(flags, "|")
}

// Kind identifies the tier a buffer was obtained from.
type Kind uint8

const (
	// KindShared buffers come from the process-wide shared pool.
	KindShared Kind = iota
	// KindSlab buffers are blocks of an allocator's uniform slab pool.
	KindSlab
	// KindUnmanaged buffers are allocated directly and reserved against the allocation limits.
	KindUnmanaged
)

func (k Kind) String() string {
	switch k {
	case KindShared:
		return "shared"
	case KindSlab:
		return "slab"
	case KindUnmanaged:
		return "unmanaged"
	default:
		return "unknown"
	}
}
