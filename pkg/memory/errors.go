// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"github.com/pkg/errors"

	"github.com/grafana/pixelmem/pkg/memory/accounting"
)

var (
	// ErrInvalidLength is returned for negative lengths or non-positive alignments.
	ErrInvalidLength = errors.New("invalid buffer length")
	// ErrAllocationTooLarge is returned when a contiguous allocation exceeds the allocator capacity.
	ErrAllocationTooLarge = errors.New("allocation exceeds allocator capacity")
	// ErrUseAfterRelease is the panic value cause when a released buffer is accessed.
	ErrUseAfterRelease = errors.New("buffer used after release")
	// ErrUnsupportedElementType is returned for element types that cannot live in untyped memory.
	ErrUnsupportedElementType = errors.New("unsupported element type")

	// ErrAllocationLimitExceeded is returned when the unmanaged allocation limits would be exceeded.
	ErrAllocationLimitExceeded = accounting.ErrAllocationLimitExceeded
)

func invalidLengthError(what string, n int) error {
	return errors.Wrapf(ErrInvalidLength, "%s %d", what, n)
}

func allocationTooLargeError(requested, capacity int) error {
	return errors.Wrapf(ErrAllocationTooLarge, "requested %d bytes (capacity: %d bytes)", requested, capacity)
}

func useAfterRelease(what string) {
	panic(errors.Wrap(ErrUseAfterRelease, what))
}
