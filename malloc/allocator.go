// Package malloc provides a heap allocator with the conventional allocate, free, zero-allocate and
// reallocate contract, built on a single region whose break moves up and down as blocks are
// created and trimmed.
//
// Memory handed out by an Allocator lives outside of the Go heap. It is never scanned by the
// garbage collector, so it must not be used to hold the only reference to Go-allocated values.
package malloc

import (
	"context"
	"fmt"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkalloc/internal/utils"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/block"
	"github.com/vkngwrapper/brkalloc/memutils/freelist"
	"github.com/vkngwrapper/brkalloc/memutils/heap"
	"golang.org/x/exp/slog"
)

// Allocator owns a heap and every block in it. All methods may be called concurrently unless
// the allocator was created with AllocatorCreateExternallySynchronized.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	mutex       utils.OptionalRWMutex

	region     heap.Region
	ownsRegion bool

	counters memutils.Counters
	blocks   *block.Manager
	freeList *freelist.FreeList

	// data address -> requested size, only present with AllocatorCreateTrackAllocations
	liveAllocations *swiss.Map[uintptr, int]
}

var errDestroyed = errors.New("the allocator has already been destroyed")

// Allocate returns a pointer to size bytes of uninitialized memory, reusing freed memory when a
// large enough free block exists and growing the heap otherwise. A size of zero returns a nil
// pointer and no error.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.blocks == nil {
		return nil, errDestroyed
	}

	return a.allocate(size)
}

// Free returns memory obtained from this allocator. A nil pointer is ignored. Pointers that do
// not refer to a live allocation produce an error wrapping memutils.InvalidPointerError as far
// as that can be detected; see AllocatorCreateTrackAllocations.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	a.logger.Debug("Allocator::Free")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.blocks == nil {
		return errDestroyed
	}

	return a.free(ptr)
}

// ZeroAllocate returns a pointer to count*size bytes of zeroed memory. A product that overflows
// produces an error wrapping memutils.InvalidArgumentError rather than a smaller allocation.
func (a *Allocator) ZeroAllocate(count, size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::ZeroAllocate", slog.Int("Count", count), slog.Int("Size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.blocks == nil {
		return nil, errDestroyed
	}

	a.counters.Callocs++

	total, err := memutils.CheckedMul(count, size)
	if err != nil {
		return nil, err
	}

	ptr, err := a.allocate(total)
	if err != nil || ptr == nil {
		return ptr, err
	}

	data := unsafe.Slice((*byte)(ptr), total)
	for i := range data {
		data[i] = 0
	}

	return ptr, nil
}

// Reallocate moves an allocation into a block of size bytes and returns the new pointer. The
// first min(old size, size) bytes are carried over. A nil ptr behaves like Allocate and a size of
// zero behaves like Free, returning nil. If the new block cannot be allocated, ptr is left
// untouched and remains valid.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, size int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Reallocate", slog.Int("Size", size))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.blocks == nil {
		return nil, errDestroyed
	}

	a.counters.Reallocs++

	if ptr == nil {
		return a.allocate(size)
	}

	if size < 0 {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "invalid allocation size: %d", size)
	}

	if size == 0 {
		return nil, a.free(ptr)
	}

	h, err := a.lookup(ptr)
	if err != nil {
		return nil, err
	}
	oldSize := a.blocks.Size(h)

	newPtr, err := a.allocate(size)
	if err != nil {
		a.logger.Debug("  Reallocate FAILED")
		return nil, err
	}

	copy(unsafe.Slice((*byte)(newPtr), size), unsafe.Slice((*byte)(ptr), oldSize))

	err = a.free(ptr)
	if err != nil {
		panic(fmt.Sprintf("failed to free a block that was just validated: %+v", err))
	}

	return newPtr, nil
}

// UsableSize returns the number of bytes that can be written at ptr, which may be more than was
// requested
func (a *Allocator) UsableSize(ptr unsafe.Pointer) (int, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.blocks == nil {
		return 0, errDestroyed
	}

	h, err := a.lookup(ptr)
	if err != nil {
		return 0, err
	}

	return a.blocks.Capacity(h) - memutils.DebugMargin, nil
}

// FreeListLength returns the number of free blocks available for reuse
func (a *Allocator) FreeListLength() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.freeList == nil {
		return 0
	}

	return a.freeList.Len()
}

// HeapSize returns the number of bytes between the start of the heap and its break
func (a *Allocator) HeapSize() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.blocks == nil {
		return 0
	}

	return a.blocks.Break()
}

// Counters returns a snapshot of the allocator's event counters
func (a *Allocator) Counters() memutils.Counters {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.counters
}

func (a *Allocator) allocate(size int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "invalid allocation size: %d", size)
	}

	if size == 0 {
		return nil, nil
	}

	if size > math.MaxInt-memutils.DebugMargin {
		return nil, errors.Wrapf(memutils.OutOfMemoryError, "an allocation of %d bytes cannot be addressed", size)
	}

	blockSize := size + memutils.DebugMargin

	h, found := a.freeList.Search(blockSize)
	if found {
		a.blocks.Split(h, blockSize)
		a.freeList.Remove(h)
	} else {
		var err error
		h, err = a.blocks.Allocate(blockSize)
		if err != nil {
			a.logger.Debug("  Allocate FAILED", slog.Any("error", err))
			return nil, err
		}
	}

	if a.blocks.Capacity(h) < a.blocks.Size(h) || a.blocks.Size(h) != blockSize || !a.blocks.IsDetached(h) {
		panic(fmt.Sprintf("block at offset %d was handed out with capacity %d and size %d for a request of %d bytes",
			h, a.blocks.Capacity(h), a.blocks.Size(h), blockSize))
	}

	a.blocks.SetSize(h, size)
	data := a.blocks.Data(h)
	memutils.WriteMagicValue(data, a.blocks.Capacity(h)-memutils.DebugMargin)

	if a.liveAllocations != nil {
		a.liveAllocations.Put(uintptr(data), size)
	}

	a.counters.Mallocs++
	a.counters.Requested += size

	return data, nil
}

func (a *Allocator) free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	h, err := a.lookup(ptr)
	if err != nil {
		return err
	}

	if a.liveAllocations != nil {
		a.liveAllocations.Delete(uintptr(ptr))
	}

	a.counters.Frees++

	if !a.blocks.Release(h) {
		a.freeList.Insert(h)
	}

	return nil
}

// lookup resolves a pointer handed out by allocate back to its block
func (a *Allocator) lookup(ptr unsafe.Pointer) (block.Handle, error) {
	if a.liveAllocations != nil {
		if _, live := a.liveAllocations.Get(uintptr(ptr)); !live {
			return block.NoBlock, errors.Wrapf(memutils.InvalidPointerError, "address %#x is not a live allocation", uintptr(ptr))
		}
	}

	h, err := a.blocks.FromData(ptr)
	if err != nil {
		return block.NoBlock, err
	}

	if !memutils.ValidateMagicValue(ptr, a.blocks.Capacity(h)-memutils.DebugMargin) {
		return block.NoBlock, errors.Wrapf(memutils.CorruptionDetectedError, "the allocation at %#x was written past its end", uintptr(ptr))
	}

	return h, nil
}

// Validate checks every block header, the free list and the allocator's counters for
// consistency. It is expensive and intended for diagnostics and tests.
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.blocks == nil {
		return errDestroyed
	}

	return a.validate()
}

func (a *Allocator) validate() error {
	err := a.blocks.Validate()
	if err != nil {
		return err
	}

	err = a.freeList.Validate()
	if err != nil {
		return err
	}

	freeCount := 0
	usedCount := 0
	err = a.blocks.VisitAllBlocks(func(h block.Handle, capacity int, size int, free bool) error {
		if free {
			freeCount++
			return nil
		}

		usedCount++
		if a.liveAllocations == nil {
			return nil
		}

		recordedSize, live := a.liveAllocations.Get(uintptr(a.blocks.Data(h)))
		if !live {
			return errors.Newf("block at offset %d is in use but was not recorded as a live allocation", h)
		}
		if recordedSize != size {
			return errors.Newf("block at offset %d holds %d bytes, but %d were recorded", h, size, recordedSize)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if freeCount != a.freeList.Len() {
		return errors.Newf("the heap holds %d free blocks but the free list has %d members", freeCount, a.freeList.Len())
	}

	if a.liveAllocations != nil && usedCount != a.liveAllocations.Count() {
		return errors.Newf("the heap holds %d blocks in use, but %d live allocations were recorded", usedCount, a.liveAllocations.Count())
	}

	return nil
}

// Destroy releases the heap. Every allocation must have been freed first: otherwise, each one is
// logged and an error is returned with the heap left intact.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.blocks == nil {
		return errDestroyed
	}

	leaked := 0
	err := a.blocks.VisitAllBlocks(func(h block.Handle, capacity int, size int, free bool) error {
		if free {
			return nil
		}

		leaked++
		a.logUnreleasedMemory(h, size)
		return nil
	})
	if err != nil {
		a.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
		return err
	}

	if leaked > 0 {
		return errors.Newf("%d allocations were not freed before the destruction of this allocator", leaked)
	}

	if a.ownsRegion {
		err = a.region.Close()
		if err != nil {
			return err
		}
	}

	a.blocks = nil
	a.freeList = nil
	a.region = nil
	a.liveAllocations = nil

	return nil
}

func (a *Allocator) logUnreleasedMemory(h block.Handle, size int) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("offset", int(h)),
		slog.Int("size", size),
		slog.String("address", fmt.Sprintf("%#x", uintptr(a.blocks.Data(h)))),
	)
}
