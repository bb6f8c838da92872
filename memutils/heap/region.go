// Package heap provides the break primitive that allocators in this module grow and shrink. A
// Region is a contiguous reservation of address space with a single movable boundary, the
// break. Bytes between Base and the break are readable and writable; bytes past the break
// must not be touched.
package heap

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

//go:generate mockgen -source region.go -destination ./mocks/mock_region.go -package mock_heap

const (
	// BaseAlignment is the alignment every Region guarantees for its Base address
	BaseAlignment uint = 4096
)

// Region is a growable heap region
type Region interface {
	// Base returns the address of the first byte of the region. It does not change over the
	// lifetime of the region.
	Base() unsafe.Pointer
	// Break returns the current break as a byte offset from Base
	Break() int
	// Reserved returns the largest value the break can ever take
	Reserved() int
	// Sbrk moves the break by increment bytes, which may be negative, and returns the previous
	// break. Either the break moves by the full increment or it does not move at all and an
	// error is returned. Growing past Reserved fails with memutils.OutOfMemoryError.
	Sbrk(increment int) (int, error)
	// Close releases the reservation. The region must not be used afterward.
	Close() error
}

func moveBreak(current, increment, reserved int) (int, error) {
	if increment > 0 && increment > reserved-current {
		return current, cerrors.Wrapf(memutils.OutOfMemoryError,
			"cannot grow the break by %d bytes: %d of %d reserved bytes in use", increment, current, reserved)
	}

	if increment < 0 && -increment > current {
		return current, cerrors.Wrapf(memutils.InvalidArgumentError,
			"cannot shrink the break by %d bytes: only %d bytes in use", -increment, current)
	}

	return current + increment, nil
}
