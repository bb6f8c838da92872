// Package block implements the header format that allocators in this module overlay on raw heap
// memory, along with the primitive operations on it: growing the heap by one block, returning a
// heap-terminal block to the region, splitting, merging and detaching.
//
// The Manager has no notion of "free" or "in use" beyond list membership. A block whose links
// refer to itself is detached from every list; anything else is a list member.
package block

import (
	"fmt"
	"math"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/heap"
)

// Handle identifies a block by the byte offset of its header from the region base
type Handle int

const (
	// Sentinel is the handle of the list head owned by the Manager. It lives outside the region
	// and has no data.
	Sentinel Handle = -1
	// NoBlock is returned alongside errors and from searches that found nothing
	NoBlock Handle = -2

	poisonHandle Handle = -3
)

type header struct {
	capacity int
	size     int
	prev     Handle
	next     Handle
}

// RawHeaderSize is the number of bytes a block header occupies before alignment padding
const RawHeaderSize = int(unsafe.Sizeof(header{}))

type Manager struct {
	region        heap.Region
	counters      *memutils.Counters
	alignment     uint
	headerSize    int
	trimThreshold int

	sentinel header
}

// NewManager creates a block manager over an empty region. alignment is the quantum every
// capacity is rounded up to and must be a power of two between the alignment of a header and
// heap.BaseAlignment. Heap-terminal blocks are only handed back to the region by Release
// when their capacity is at least trimThreshold.
//
// counters receives the manager's instrumentation events and may be shared with other
// components. If it is nil, the manager keeps its own.
func NewManager(region heap.Region, counters *memutils.Counters, alignment uint, trimThreshold int) (*Manager, error) {
	if region == nil {
		return nil, cerrors.Wrap(memutils.InvalidArgumentError, "a block manager requires a heap region")
	}

	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}

	if alignment < uint(unsafe.Alignof(header{})) || alignment > heap.BaseAlignment {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "alignment %d must be between %d and %d",
			alignment, unsafe.Alignof(header{}), heap.BaseAlignment)
	}

	if trimThreshold < 0 {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "invalid trim threshold: %d", trimThreshold)
	}

	if region.Break() != 0 {
		return nil, cerrors.Newf("block managers require an empty region, but the break is at %d", region.Break())
	}

	if counters == nil {
		counters = &memutils.Counters{}
	}

	return &Manager{
		region:        region,
		counters:      counters,
		alignment:     alignment,
		headerSize:    memutils.AlignUp(RawHeaderSize, alignment),
		trimThreshold: trimThreshold,

		sentinel: header{
			capacity: -1,
			size:     -1,
			prev:     Sentinel,
			next:     Sentinel,
		},
	}, nil
}

// Align rounds size up to the manager's alignment quantum
func (m *Manager) Align(size int) int {
	return memutils.AlignUp(size, m.alignment)
}

// HeaderSize is the distance in bytes between a block's header and its data
func (m *Manager) HeaderSize() int { return m.headerSize }

func (m *Manager) Alignment() uint { return m.alignment }

func (m *Manager) TrimThreshold() int { return m.trimThreshold }

// Break returns the current end of the heap as an offset from the region base
func (m *Manager) Break() int { return m.region.Break() }

func (m *Manager) header(h Handle) *header {
	if h == Sentinel {
		return &m.sentinel
	}

	if h < 0 || int(h)+m.headerSize > m.region.Break() {
		panic(fmt.Sprintf("block handle %d is outside of the heap, which ends at %d", h, m.region.Break()))
	}

	return (*header)(unsafe.Add(m.region.Base(), int(h)))
}

func (m *Manager) Capacity(h Handle) int { return m.header(h).capacity }

func (m *Manager) Size(h Handle) int { return m.header(h).size }

// SetSize records the number of bytes requested by the block's occupant
func (m *Manager) SetSize(h Handle, size int) {
	hdr := m.header(h)
	if size < 0 || size > hdr.capacity {
		panic(fmt.Sprintf("block at offset %d has capacity %d and cannot hold %d bytes", h, hdr.capacity, size))
	}

	hdr.size = size
}

func (m *Manager) Next(h Handle) Handle { return m.header(h).next }

func (m *Manager) Prev(h Handle) Handle { return m.header(h).prev }

// IsDetached returns true if the block's links refer to the block itself
func (m *Manager) IsDetached(h Handle) bool {
	hdr := m.header(h)
	return hdr.prev == h && hdr.next == h
}

// End returns the offset of the first byte past the block's data
func (m *Manager) End(h Handle) int {
	return int(h) + m.headerSize + m.header(h).capacity
}

// Adjacent returns true if second begins immediately after the end of first
func (m *Manager) Adjacent(first, second Handle) bool {
	if first < 0 || second < 0 {
		return false
	}

	return m.End(first) == int(second)
}

// Data returns the address of the block's data, which is what allocators hand to callers
func (m *Manager) Data(h Handle) unsafe.Pointer {
	if h < 0 {
		panic(fmt.Sprintf("block handle %d has no data", h))
	}

	return unsafe.Add(m.region.Base(), int(h)+m.headerSize)
}

// FromData recovers the handle of a detached block from the data address that was handed out
// for it. Addresses that cannot belong to a detached block in this heap produce an error
// wrapping memutils.InvalidPointerError.
func (m *Manager) FromData(data unsafe.Pointer) (Handle, error) {
	base := uintptr(m.region.Base())
	address := uintptr(data)
	brk := m.region.Break()

	if address < base+uintptr(m.headerSize) || address >= base+uintptr(brk) {
		return NoBlock, cerrors.Wrapf(memutils.InvalidPointerError, "address %#x is outside of the heap", address)
	}

	offset := int(address-base) - m.headerSize
	if offset%int(m.alignment) != 0 {
		return NoBlock, cerrors.Wrapf(memutils.InvalidPointerError, "address %#x is not aligned to %d", address, m.alignment)
	}

	h := Handle(offset)
	hdr := m.header(h)
	if hdr.prev != h || hdr.next != h {
		return NoBlock, cerrors.Wrapf(memutils.InvalidPointerError, "block at offset %d is not in use", offset)
	}

	if hdr.size < 0 || hdr.capacity < hdr.size || hdr.capacity > brk-offset-m.headerSize {
		return NoBlock, cerrors.Wrapf(memutils.InvalidPointerError,
			"block at offset %d has an invalid header: capacity %d, size %d", offset, hdr.capacity, hdr.size)
	}

	return h, nil
}

// Allocate grows the heap by one detached block able to hold size bytes
func (m *Manager) Allocate(size int) (Handle, error) {
	if size < 1 {
		return NoBlock, cerrors.Wrapf(memutils.InvalidArgumentError, "invalid block size: %d", size)
	}

	if size > math.MaxInt-m.headerSize-int(m.alignment) {
		return NoBlock, cerrors.Wrapf(memutils.OutOfMemoryError, "a block of %d bytes cannot be addressed", size)
	}

	capacity := m.Align(size)
	allocated := m.headerSize + capacity

	oldBreak, err := m.region.Sbrk(allocated)
	if err != nil {
		return NoBlock, err
	}

	if oldBreak%int(m.alignment) != 0 {
		panic(fmt.Sprintf("heap break %d is not aligned to %d", oldBreak, m.alignment))
	}

	h := Handle(oldBreak)
	*m.header(h) = header{
		capacity: capacity,
		size:     size,
		prev:     h,
		next:     h,
	}

	m.counters.HeapSize += allocated
	m.counters.Blocks++
	m.counters.Grows++

	return h, nil
}

// Release hands the block's memory back to the region. This only happens when the block is the
// last one in the heap and its capacity meets the trim threshold; otherwise Release returns
// false and the heap is left as it was.
func (m *Manager) Release(h Handle) bool {
	hdr := m.header(h)
	allocated := hdr.capacity + m.headerSize

	if hdr.capacity < m.trimThreshold || int(h)+allocated != m.region.Break() {
		return false
	}

	_, err := m.region.Sbrk(-allocated)
	if err != nil {
		return false
	}

	m.Detach(h)

	m.counters.Blocks--
	m.counters.Shrinks++
	m.counters.HeapSize -= allocated

	return true
}

// Detach removes the block from whatever list holds it and points its links at itself
func (m *Manager) Detach(h Handle) Handle {
	hdr := m.header(h)

	m.header(hdr.prev).next = hdr.next
	m.header(hdr.next).prev = hdr.prev
	hdr.prev = h
	hdr.next = h

	return h
}

// InsertAfter splices the detached block h into a list directly after pos
func (m *Manager) InsertAfter(pos, h Handle) {
	hdr := m.header(h)
	posHdr := m.header(pos)

	hdr.prev = pos
	hdr.next = posHdr.next
	m.header(posHdr.next).prev = h
	posHdr.next = h
}

// InsertBefore splices the detached block h into a list directly before pos
func (m *Manager) InsertBefore(pos, h Handle) {
	m.InsertAfter(m.header(pos).prev, h)
}

// Replace puts the detached block h into old's list position and detaches old
func (m *Manager) Replace(old, h Handle) {
	hdr := m.header(h)
	oldHdr := m.header(old)

	hdr.prev = oldHdr.prev
	hdr.next = oldHdr.next
	m.header(oldHdr.prev).next = h
	m.header(oldHdr.next).prev = h
	oldHdr.prev = old
	oldHdr.next = old
}

// Merge gives all of src's memory to dst when src begins immediately after dst. src stops
// existing and its header is overwritten. List links are not touched, so src must not be a list
// member when this is called.
func (m *Manager) Merge(dst, src Handle) bool {
	if !m.Adjacent(dst, src) {
		return false
	}

	dstHdr := m.header(dst)
	srcHdr := m.header(src)

	dstHdr.capacity += srcHdr.capacity + m.headerSize
	*srcHdr = header{
		capacity: -1,
		size:     -1,
		prev:     poisonHandle,
		next:     poisonHandle,
	}

	m.counters.Merges++
	m.counters.Blocks--

	return true
}

// Split carves the tail of h into a new block when h has room for size bytes, a header and at
// least one alignment quantum besides. The new block takes the position after h in h's list,
// so h should be a list member. h itself is returned either way.
func (m *Manager) Split(h Handle, size int) Handle {
	hdr := m.header(h)
	aligned := m.Align(size)

	if hdr.capacity < aligned+m.headerSize+int(m.alignment) {
		return h
	}

	remainder := Handle(int(h) + m.headerSize + aligned)
	remainderHdr := m.header(remainder)
	remainderHdr.capacity = hdr.capacity - aligned - m.headerSize
	remainderHdr.size = remainderHdr.capacity
	remainderHdr.prev = h
	remainderHdr.next = hdr.next

	m.header(hdr.next).prev = remainder
	hdr.next = remainder
	hdr.capacity = aligned
	hdr.size = size

	m.counters.Splits++
	m.counters.Blocks++

	return h
}

// VisitAllBlocks calls the provided callback for each block in address order, walking from the
// start of the heap to the break. Blocks that are list members are reported as free.
func (m *Manager) VisitAllBlocks(handleBlock func(h Handle, capacity int, size int, free bool) error) error {
	brk := m.region.Break()
	offset := 0

	for offset < brk {
		h := Handle(offset)
		hdr := m.header(h)
		if hdr.capacity < 0 || hdr.capacity%int(m.alignment) != 0 {
			return errors.Errorf("block at offset %d has an invalid capacity %d", offset, hdr.capacity)
		}

		err := handleBlock(h, hdr.capacity, hdr.size, !m.IsDetached(h))
		if err != nil {
			return err
		}

		offset = m.End(h)
	}

	if offset != brk {
		return errors.Errorf("the last block ends at %d, past the heap break at %d", offset, brk)
	}

	return nil
}

// Validate walks every block in the heap and checks the header invariants and the manager's
// counters. It is expensive and intended for diagnostics and tests.
func (m *Manager) Validate() error {
	blockCount := 0

	err := m.VisitAllBlocks(func(h Handle, capacity int, size int, free bool) error {
		blockCount++

		if free {
			hdr := m.header(h)
			if m.header(hdr.prev).next != h {
				return errors.Errorf("block at offset %d lists %d as its previous block, but the reverse reference is broken", h, hdr.prev)
			}
			if m.header(hdr.next).prev != h {
				return errors.Errorf("block at offset %d lists %d as its next block, but the reverse reference is broken", h, hdr.next)
			}
			return nil
		}

		if size < 0 || capacity < size {
			return errors.Errorf("block at offset %d is in use with size %d but only has capacity %d", h, size, capacity)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if blockCount != m.counters.Blocks {
		return errors.Errorf("the heap contains %d blocks, but %d were recorded", blockCount, m.counters.Blocks)
	}

	if m.region.Break() != m.counters.HeapSize {
		return errors.Errorf("the heap is %d bytes, but %d were recorded", m.region.Break(), m.counters.HeapSize)
	}

	return nil
}

// BlockJsonData populates a json object with the header fields of a block
func (m *Manager) BlockJsonData(json *jwriter.ObjectState, h Handle) {
	hdr := m.header(h)

	json.Name("Offset").Int(int(h))
	json.Name("Capacity").Int(hdr.capacity)
	json.Name("Size").Int(hdr.size)
	json.Name("Prev").Int(int(hdr.prev))
	json.Name("Next").Int(int(hdr.next))
}
