// SPDX-License-Identifier: AGPL-3.0-only

package memory

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// elementTypes caches the validation result per element type.
var elementTypes sync.Map // reflect.Type -> error

// elementSize returns the size of T, or an error if T cannot be stored in
// pooled or off-heap memory. Element types must not contain pointers because
// that memory is not scanned by the garbage collector and is reused across types.
func elementSize[T any]() (int, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))

	t := reflect.TypeFor[T]()
	if cached, ok := elementTypes.Load(t); ok {
		if cached != nil {
			return 0, cached.(error)
		}
		return size, nil
	}

	var err error
	switch {
	case size == 0:
		err = errors.Wrapf(ErrUnsupportedElementType, "%s has zero size", t)
	case hasPointers(t):
		err = errors.Wrapf(ErrUnsupportedElementType, "%s contains pointers", t)
	}
	if err != nil {
		elementTypes.Store(t, err)
		return 0, err
	}
	elementTypes.Store(t, nil)
	return size, nil
}

func hasPointers(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return t.Len() > 0 && hasPointers(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if hasPointers(t.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// castSlice reinterprets the first length elements of b as []T. b must hold at
// least length*sizeof(T) bytes.
func castSlice[T any](b []byte, length int) []T {
	if length == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), length)
}
