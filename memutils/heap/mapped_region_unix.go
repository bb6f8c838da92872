//go:build linux || darwin || freebsd

package heap

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"golang.org/x/sys/unix"
)

// MappedRegion reserves address space with an anonymous PROT_NONE mapping and commits pages
// as the break moves over them. Pages left behind by a shrinking break are handed back to the
// operating system.
type MappedRegion struct {
	mapping   []byte
	brk       int
	committed int
	pageSize  int
}

var _ Region = &MappedRegion{}

func NewMappedRegion(reserved int) (*MappedRegion, error) {
	if reserved < 1 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "invalid region reservation: %d", reserved)
	}

	pageSize := unix.Getpagesize()
	reserved = memutils.AlignUp(reserved, uint(pageSize))

	mapping, err := unix.Mmap(-1, 0, reserved, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, cerrors.Wrapf(err, "failed to reserve %d bytes of address space", reserved)
	}

	return &MappedRegion{
		mapping:  mapping,
		pageSize: pageSize,
	}, nil
}

func (r *MappedRegion) Base() unsafe.Pointer {
	if r.mapping == nil {
		return nil
	}
	return unsafe.Pointer(&r.mapping[0])
}

func (r *MappedRegion) Break() int { return r.brk }

func (r *MappedRegion) Reserved() int { return len(r.mapping) }

func (r *MappedRegion) Sbrk(increment int) (int, error) {
	if r.mapping == nil {
		return 0, cerrors.New("region is closed")
	}

	oldBreak := r.brk
	newBreak, err := moveBreak(r.brk, increment, len(r.mapping))
	if err != nil {
		return oldBreak, err
	}

	commit := memutils.AlignUp(newBreak, uint(r.pageSize))
	if commit > r.committed {
		err = unix.Mprotect(r.mapping[r.committed:commit], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return oldBreak, cerrors.Wrapf(memutils.OutOfMemoryError, "failed to commit pages: %v", err)
		}
		r.committed = commit
	} else if commit < r.committed {
		decommit := r.mapping[commit:r.committed]
		err = unix.Mprotect(decommit, unix.PROT_NONE)
		if err != nil {
			return oldBreak, cerrors.Wrap(err, "failed to decommit pages")
		}
		// The pages are already inaccessible, so failing to return them is not fatal
		_ = unix.Madvise(decommit, unix.MADV_DONTNEED)
		r.committed = commit
	}

	r.brk = newBreak
	return oldBreak, nil
}

func (r *MappedRegion) Close() error {
	if r.mapping == nil {
		return nil
	}

	err := unix.Munmap(r.mapping)
	r.mapping = nil
	r.brk = 0
	r.committed = 0
	return err
}
