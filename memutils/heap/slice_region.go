package heap

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
)

// SliceRegion is a Region carved out of a single Go byte slice. The whole reservation is
// allocated up front, so it suits small heaps and tests better than large reservations.
type SliceRegion struct {
	buffer   []byte
	base     unsafe.Pointer
	brk      int
	reserved int
}

var _ Region = &SliceRegion{}

func NewSliceRegion(reserved int) (*SliceRegion, error) {
	if reserved < 1 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "invalid region reservation: %d", reserved)
	}

	buffer := make([]byte, reserved+int(BaseAlignment))
	address := uintptr(unsafe.Pointer(&buffer[0]))
	padding := memutils.AlignUp(int(address), BaseAlignment) - int(address)

	return &SliceRegion{
		buffer:   buffer,
		base:     unsafe.Pointer(&buffer[padding]),
		reserved: reserved,
	}, nil
}

func (r *SliceRegion) Base() unsafe.Pointer { return r.base }

func (r *SliceRegion) Break() int { return r.brk }

func (r *SliceRegion) Reserved() int { return r.reserved }

func (r *SliceRegion) Sbrk(increment int) (int, error) {
	if r.buffer == nil {
		return 0, cerrors.New("region is closed")
	}

	oldBreak := r.brk
	newBreak, err := moveBreak(r.brk, increment, r.reserved)
	if err != nil {
		return oldBreak, err
	}

	r.brk = newBreak
	return oldBreak, nil
}

func (r *SliceRegion) Close() error {
	r.buffer = nil
	r.base = nil
	r.brk = 0
	return nil
}
