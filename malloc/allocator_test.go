package malloc_test

import (
	"bytes"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/brkalloc/malloc"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/freelist"
	"github.com/vkngwrapper/brkalloc/memutils/heap"
	mock_heap "github.com/vkngwrapper/brkalloc/memutils/heap/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func createAllocator(t *testing.T, reserved int, options malloc.CreateOptions) *malloc.Allocator {
	region, err := heap.NewSliceRegion(reserved)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, region.Close())
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	options.Region = region
	allocator, err := malloc.New(logger, options)
	require.NoError(t, err)

	return allocator
}

func fill(ptr unsafe.Pointer, size int, value byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		data[i] = value
	}
}

func requireFilled(t *testing.T, ptr unsafe.Pointer, size int, value byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		if data[i] != value {
			require.Failf(t, "unexpected byte", "byte %d of %#x is %#x, expected %#x", i, uintptr(ptr), data[i], value)
		}
	}
}

// blockCapacity is the capacity of the block that holds a request of size bytes at the default alignment
func blockCapacity(size int) int {
	return memutils.AlignUp(size+memutils.DebugMargin, 8)
}

// headerSize measures the per-block overhead by growing the heap by one minimal block
func headerSize(t *testing.T, allocator *malloc.Allocator) (unsafe.Pointer, int) {
	before := allocator.HeapSize()
	ptr, err := allocator.Allocate(8)
	require.NoError(t, err)

	return ptr, allocator.HeapSize() - before - blockCapacity(8)
}

func TestAllocateZero(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{})

	ptr, err := allocator.Allocate(0)
	require.NoError(t, err)
	require.Nil(t, ptr)
	require.Equal(t, 0, allocator.HeapSize())
	require.Equal(t, memutils.Counters{}, allocator.Counters())

	_, err = allocator.Allocate(-1)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))
}

func TestAllocateAlignment(t *testing.T) {
	for _, alignment := range []uint{8, 16, 64, 4096} {
		allocator := createAllocator(t, 1<<20, malloc.CreateOptions{Alignment: alignment})

		for _, size := range []int{1, 7, 100, 1000, 5000} {
			ptr, err := allocator.Allocate(size)
			require.NoError(t, err)
			require.Zero(t, uintptr(ptr)%uintptr(alignment))

			usable, err := allocator.UsableSize(ptr)
			require.NoError(t, err)
			require.GreaterOrEqual(t, usable, size)
			require.Zero(t, (usable+memutils.DebugMargin)%int(alignment))
		}

		require.NoError(t, allocator.Validate())
	}
}

func TestAllocateFirstFitReuse(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{})

	ptr, err := allocator.Allocate(100)
	require.NoError(t, err)
	heapSize := allocator.HeapSize()

	require.NoError(t, allocator.Free(ptr))
	require.Equal(t, heapSize, allocator.HeapSize())
	require.Equal(t, 1, allocator.FreeListLength())

	reused, err := allocator.Allocate(40)
	require.NoError(t, err)
	require.Equal(t, ptr, reused)
	require.Equal(t, heapSize, allocator.HeapSize())

	// The tail of the freed block was split off and is still free
	require.Equal(t, 1, allocator.FreeListLength())

	counters := allocator.Counters()
	require.Equal(t, 1, counters.Grows)
	require.Equal(t, 1, counters.Reuses)
	require.Equal(t, 1, counters.Splits)
	require.Equal(t, 2, counters.Mallocs)
	require.Equal(t, 1, counters.Frees)
	require.Equal(t, 140, counters.Requested)
	require.NoError(t, allocator.Validate())
}

func TestFreeShrinksHeap(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{})
	_, hs := headerSize(t, allocator)

	ptr, err := allocator.Allocate(4096)
	require.NoError(t, err)
	heapSize := allocator.HeapSize()
	require.Equal(t, 2, allocator.Counters().Blocks)

	require.NoError(t, allocator.Free(ptr))
	require.Equal(t, heapSize-blockCapacity(4096)-hs, allocator.HeapSize())
	require.Equal(t, 0, allocator.FreeListLength())

	counters := allocator.Counters()
	require.Equal(t, 1, counters.Shrinks)
	require.Equal(t, 1, counters.Blocks)
	require.Equal(t, allocator.HeapSize(), counters.HeapSize)
	require.NoError(t, allocator.Validate())
}

func TestFreeBelowTrimThreshold(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{TrimThreshold: 8192})

	ptr, err := allocator.Allocate(4096)
	require.NoError(t, err)
	heapSize := allocator.HeapSize()

	require.NoError(t, allocator.Free(ptr))
	require.Equal(t, heapSize, allocator.HeapSize())
	require.Equal(t, 1, allocator.FreeListLength())
	require.Equal(t, 0, allocator.Counters().Shrinks)
}

func TestAllocateSplitsFreedBlock(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{})

	ptr, err := allocator.Allocate(1000)
	require.NoError(t, err)
	guard, hs := headerSize(t, allocator)
	require.NoError(t, allocator.Free(ptr))

	small, err := allocator.Allocate(10)
	require.NoError(t, err)
	require.Equal(t, ptr, small)

	usable, err := allocator.UsableSize(small)
	require.NoError(t, err)
	require.Equal(t, blockCapacity(10)-memutils.DebugMargin, usable)
	require.Equal(t, 1, allocator.FreeListLength())

	var stats memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&stats))
	require.Equal(t, 3, stats.BlockCount)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, blockCapacity(1000)-blockCapacity(10)-hs, stats.UnusedBytes)
	require.Equal(t, allocator.HeapSize(), stats.BlockBytes)

	require.NoError(t, allocator.Free(guard))
	require.NoError(t, allocator.Free(small))
	require.NoError(t, allocator.Validate())
}

func TestReuseBeforeGrowth(t *testing.T) {
	for _, strategy := range []freelist.FitStrategy{freelist.FitFirst, freelist.FitBest, freelist.FitWorst} {
		t.Run(strategy.String(), func(t *testing.T) {
			allocator := createAllocator(t, 1<<16, malloc.CreateOptions{Strategy: strategy})

			var ptrs []unsafe.Pointer
			for _, size := range []int{64, 32, 128} {
				ptr, err := allocator.Allocate(size)
				require.NoError(t, err)
				ptrs = append(ptrs, ptr)

				_, err = allocator.Allocate(8)
				require.NoError(t, err)
			}

			for _, ptr := range ptrs {
				require.NoError(t, allocator.Free(ptr))
			}

			heapSize := allocator.HeapSize()
			ptr, err := allocator.Allocate(30)
			require.NoError(t, err)
			require.Equal(t, heapSize, allocator.HeapSize())

			switch strategy {
			case freelist.FitFirst:
				require.Equal(t, ptrs[0], ptr)
			case freelist.FitBest:
				require.Equal(t, ptrs[1], ptr)
			case freelist.FitWorst:
				require.Equal(t, ptrs[2], ptr)
			}

			require.NoError(t, allocator.Validate())
		})
	}
}

func TestFreeCoalesces(t *testing.T) {
	testCases := []struct {
		name           string
		flags          malloc.CreateFlags
		expectedLength int
	}{
		{"Both", 0, 1},
		{"Once", malloc.AllocatorCreateCoalesceOnce, 2},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			allocator := createAllocator(t, 1<<16, malloc.CreateOptions{Flags: testCase.flags})

			a, err := allocator.Allocate(16)
			require.NoError(t, err)
			b, err := allocator.Allocate(16)
			require.NoError(t, err)
			c, err := allocator.Allocate(16)
			require.NoError(t, err)
			_, err = allocator.Allocate(16)
			require.NoError(t, err)

			require.NoError(t, allocator.Free(a))
			require.NoError(t, allocator.Free(c))
			require.Equal(t, 2, allocator.FreeListLength())

			require.NoError(t, allocator.Free(b))
			require.Equal(t, testCase.expectedLength, allocator.FreeListLength())
			require.Equal(t, 3-testCase.expectedLength, allocator.Counters().Merges)
			require.NoError(t, allocator.Validate())

			// The merged space is handed out from the start of the first block
			ptr, err := allocator.Allocate(40)
			require.NoError(t, err)
			require.Equal(t, a, ptr)
		})
	}
}

func TestZeroAllocate(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{})

	ptr, err := allocator.Allocate(64)
	require.NoError(t, err)
	fill(ptr, 64, 0xAB)
	require.NoError(t, allocator.Free(ptr))

	zeroed, err := allocator.ZeroAllocate(8, 8)
	require.NoError(t, err)
	require.Equal(t, ptr, zeroed)
	requireFilled(t, zeroed, 64, 0)

	empty, err := allocator.ZeroAllocate(0, 10)
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = allocator.ZeroAllocate(math.MaxInt, 2)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	_, err = allocator.ZeroAllocate(-1, 2)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	counters := allocator.Counters()
	require.Equal(t, 4, counters.Callocs)
	require.Equal(t, 2, counters.Mallocs)
	require.NoError(t, allocator.Validate())
}

func TestReallocate(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{})

	ptr, err := allocator.Reallocate(nil, 64)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	data := unsafe.Slice((*byte)(ptr), 64)
	for i := range data {
		data[i] = byte(i)
	}

	shrunk, err := allocator.Reallocate(ptr, 16)
	require.NoError(t, err)
	require.NotEqual(t, ptr, shrunk)
	shrunkData := unsafe.Slice((*byte)(shrunk), 16)
	for i := range shrunkData {
		require.Equal(t, byte(i), shrunkData[i])
	}

	grown, err := allocator.Reallocate(shrunk, 2000)
	require.NoError(t, err)
	grownData := unsafe.Slice((*byte)(grown), 2000)
	for i := 0; i < 16; i++ {
		require.Equal(t, byte(i), grownData[i])
	}

	_, err = allocator.Reallocate(grown, -1)
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	freed, err := allocator.Reallocate(grown, 0)
	require.NoError(t, err)
	require.Nil(t, freed)

	counters := allocator.Counters()
	require.Equal(t, 5, counters.Reallocs)
	require.Equal(t, 3, counters.Mallocs)
	require.Equal(t, 3, counters.Frees)
	require.NoError(t, allocator.Validate())

	var stats memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&stats))
	require.Equal(t, 0, stats.AllocationCount)
}

func TestReallocateOutOfMemory(t *testing.T) {
	allocator := createAllocator(t, 4096, malloc.CreateOptions{})

	ptr, err := allocator.Allocate(100)
	require.NoError(t, err)
	fill(ptr, 100, 0x5A)

	_, err = allocator.Reallocate(ptr, 8192)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	// The first allocation is untouched
	requireFilled(t, ptr, 100, 0x5A)
	usable, err := allocator.UsableSize(ptr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, usable, 100)

	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Validate())
}

func TestAllocateOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var backing [64]uint64
	region := mock_heap.NewMockRegion(ctrl)
	region.EXPECT().Base().Return(unsafe.Pointer(&backing[0])).AnyTimes()
	region.EXPECT().Break().Return(0).AnyTimes()
	region.EXPECT().Reserved().Return(0).AnyTimes()
	region.EXPECT().Sbrk(gomock.Any()).Return(0, errors.Wrap(memutils.OutOfMemoryError, "no more address space")).Times(2)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	allocator, err := malloc.New(logger, malloc.CreateOptions{Region: region})
	require.NoError(t, err)

	_, err = allocator.Allocate(100)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	_, err = allocator.ZeroAllocate(10, 10)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	counters := allocator.Counters()
	require.Equal(t, 0, counters.Mallocs)
	require.Equal(t, 0, counters.Requested)
	require.Equal(t, 1, counters.Callocs)

	// The allocator did not create the region, so it does not close it
	require.NoError(t, allocator.Destroy())
}

func TestFreeInvalidPointers(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{})

	require.NoError(t, allocator.Free(nil))

	var unrelated int
	err := allocator.Free(unsafe.Pointer(&unrelated))
	require.True(t, errors.Is(err, memutils.InvalidPointerError))

	ptr, err := allocator.Allocate(100)
	require.NoError(t, err)
	_, err = allocator.Allocate(8)
	require.NoError(t, err)

	err = allocator.Free(unsafe.Add(ptr, 4))
	require.True(t, errors.Is(err, memutils.InvalidPointerError))

	require.NoError(t, allocator.Free(ptr))

	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, memutils.InvalidPointerError))

	_, err = allocator.Reallocate(ptr, 10)
	require.True(t, errors.Is(err, memutils.InvalidPointerError))

	_, err = allocator.UsableSize(ptr)
	require.True(t, errors.Is(err, memutils.InvalidPointerError))

	require.Equal(t, 1, allocator.Counters().Frees)
	require.NoError(t, allocator.Validate())
}

func TestTrackAllocationsRejectsForgedHeader(t *testing.T) {
	allocator := createAllocator(t, 1<<16, malloc.CreateOptions{
		Flags:         malloc.AllocatorCreateTrackAllocations,
		TrimThreshold: 8,
	})

	ptr, hs := headerSize(t, allocator)
	require.NoError(t, allocator.Free(ptr))
	require.Equal(t, 0, allocator.FreeListLength())

	ptr, err := allocator.Allocate(256)
	require.NoError(t, err)

	// Write something that looks like an in-use block header at the start of the allocation
	forgedOffset := hs
	*(*[4]int)(ptr) = [4]int{64, 8, forgedOffset, forgedOffset}
	forged := unsafe.Add(ptr, hs)

	err = allocator.Free(forged)
	require.True(t, errors.Is(err, memutils.InvalidPointerError))
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Free(ptr))
	err = allocator.Free(ptr)
	require.True(t, errors.Is(err, memutils.InvalidPointerError))
}

func TestDestroy(t *testing.T) {
	region, err := heap.NewSliceRegion(1 << 16)
	require.NoError(t, err)
	defer region.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	allocator, err := malloc.New(logger, malloc.CreateOptions{
		Flags:  malloc.AllocatorCreateTrackAllocations,
		Region: region,
	})
	require.NoError(t, err)

	ptr, err := allocator.Allocate(10)
	require.NoError(t, err)
	other, err := allocator.Allocate(20)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(other))

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY] unfreed allocation")
	require.Contains(t, logs.String(), `"size":10`)
	require.NotContains(t, logs.String(), `"size":20`)

	// A failed destroy leaves the allocator usable
	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Destroy())

	_, err = allocator.Allocate(10)
	require.Error(t, err)
	require.Error(t, allocator.Free(ptr))
	require.Error(t, allocator.Destroy())
	require.Equal(t, 0, allocator.HeapSize())
	require.Equal(t, 0, allocator.FreeListLength())
}

func TestDefaultRegion(t *testing.T) {
	allocator, err := malloc.New(nil, malloc.CreateOptions{
		HeapReservation: 1 << 20,
		Flags:           malloc.AllocatorCreateExternallySynchronized,
	})
	require.NoError(t, err)

	ptr, err := allocator.ZeroAllocate(100, 100)
	require.NoError(t, err)
	requireFilled(t, ptr, 10000, 0)

	_, err = allocator.Allocate(1 << 20)
	require.True(t, errors.Is(err, memutils.OutOfMemoryError))

	require.NoError(t, allocator.Free(ptr))
	require.Equal(t, 0, allocator.HeapSize())
	require.NoError(t, allocator.Destroy())
}

func TestNewValidation(t *testing.T) {
	region, err := heap.NewSliceRegion(1 << 16)
	require.NoError(t, err)
	defer region.Close()

	_, err = malloc.New(nil, malloc.CreateOptions{Region: region, TrimThreshold: -1})
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	_, err = malloc.New(nil, malloc.CreateOptions{Region: region, HeapReservation: -1})
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	_, err = malloc.New(nil, malloc.CreateOptions{Region: region, Strategy: freelist.FitStrategy(9)})
	require.True(t, errors.Is(err, memutils.InvalidArgumentError))

	_, err = malloc.New(nil, malloc.CreateOptions{Region: region, Alignment: 24})
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = region.Sbrk(64)
	require.NoError(t, err)
	_, err = malloc.New(nil, malloc.CreateOptions{Region: region})
	require.Error(t, err)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", malloc.CreateFlags(0).String())
	require.Equal(t, "AllocatorCreateTrackAllocations", malloc.AllocatorCreateTrackAllocations.String())
	require.Equal(t, "AllocatorCreateExternallySynchronized|AllocatorCreateCoalesceOnce",
		(malloc.AllocatorCreateExternallySynchronized | malloc.AllocatorCreateCoalesceOnce).String())
	require.Equal(t, "CreateFlags(0x80)", malloc.CreateFlags(0x80).String())
}

type liveAllocation struct {
	ptr   unsafe.Pointer
	size  int
	value byte
}

func requireNoOverlap(t *testing.T, live []liveAllocation) {
	sorted := make([]liveAllocation, len(live))
	copy(sorted, live)
	sort.Slice(sorted, func(i, j int) bool {
		return uintptr(sorted[i].ptr) < uintptr(sorted[j].ptr)
	})

	for i := 1; i < len(sorted); i++ {
		prevEnd := uintptr(sorted[i-1].ptr) + uintptr(sorted[i-1].size)
		require.Truef(t, prevEnd <= uintptr(sorted[i].ptr),
			"allocation at %#x ends at %#x, past the start of the allocation at %#x",
			uintptr(sorted[i-1].ptr), prevEnd, uintptr(sorted[i].ptr))
	}
}

func TestRandomOperations(t *testing.T) {
	for _, strategy := range []freelist.FitStrategy{freelist.FitFirst, freelist.FitBest, freelist.FitWorst} {
		t.Run(strategy.String(), func(t *testing.T) {
			allocator := createAllocator(t, 1<<24, malloc.CreateOptions{
				Strategy: strategy,
				Flags:    malloc.AllocatorCreateTrackAllocations,
			})
			rng := rand.New(rand.NewSource(int64(strategy) + 1))

			var live []liveAllocation
			for i := 0; i < 2000; i++ {
				op := rng.Intn(10)
				switch {
				case op < 5 || len(live) == 0:
					size := rng.Intn(2048) + 1
					ptr, err := allocator.Allocate(size)
					require.NoError(t, err)

					value := byte(rng.Intn(255) + 1)
					fill(ptr, size, value)
					live = append(live, liveAllocation{ptr, size, value})
				case op < 8:
					index := rng.Intn(len(live))
					requireFilled(t, live[index].ptr, live[index].size, live[index].value)
					require.NoError(t, allocator.Free(live[index].ptr))

					live[index] = live[len(live)-1]
					live = live[:len(live)-1]
				default:
					index := rng.Intn(len(live))
					size := rng.Intn(4096) + 1
					ptr, err := allocator.Reallocate(live[index].ptr, size)
					require.NoError(t, err)

					kept := size
					if live[index].size < kept {
						kept = live[index].size
					}
					requireFilled(t, ptr, kept, live[index].value)

					fill(ptr, size, live[index].value)
					live[index].ptr = ptr
					live[index].size = size
				}

				if i%50 == 0 {
					require.NoError(t, allocator.Validate())
					requireNoOverlap(t, live)
				}
			}

			for _, alloc := range live {
				requireFilled(t, alloc.ptr, alloc.size, alloc.value)
			}
			requireNoOverlap(t, live)

			for _, alloc := range live {
				require.NoError(t, allocator.Free(alloc.ptr))
			}
			require.NoError(t, allocator.Validate())

			var stats memutils.DetailedStatistics
			require.NoError(t, allocator.CalculateStatistics(&stats))
			require.Equal(t, 0, stats.AllocationCount)
			require.NoError(t, allocator.Destroy())
		})
	}
}

func TestConcurrentUse(t *testing.T) {
	allocator := createAllocator(t, 1<<24, malloc.CreateOptions{})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			value := byte(worker + 1)
			var ptrs []unsafe.Pointer
			for i := 0; i < 200; i++ {
				size := (i%16 + 1) * 24
				ptr, err := allocator.Allocate(size)
				if err != nil {
					t.Error(err)
					return
				}
				fill(ptr, size, value)
				ptrs = append(ptrs, ptr)

				if i%3 == 0 {
					if err := allocator.Free(ptrs[0]); err != nil {
						t.Error(err)
						return
					}
					ptrs = ptrs[1:]
				}
			}

			for _, ptr := range ptrs {
				if err := allocator.Free(ptr); err != nil {
					t.Error(err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	require.NoError(t, allocator.Validate())
	require.Equal(t, allocator.Counters().Mallocs, allocator.Counters().Frees)
}
