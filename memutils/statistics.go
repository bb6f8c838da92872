package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Counters holds the event counts an allocator records as a side effect of its operations. The
// block and free list code only ever increments or decrements these; nothing reads them to make
// a decision.
type Counters struct {
	Mallocs   int
	Frees     int
	Callocs   int
	Reallocs  int
	Requested int

	HeapSize int
	Blocks   int

	Grows   int
	Shrinks int
	Splits  int
	Merges  int
	Reuses  int
}

// Statistics summarizes the blocks present in a heap at one point in time
type Statistics struct {
	// BlockCount is the number of blocks, free or in use
	BlockCount int
	// AllocationCount is the number of blocks currently handed out
	AllocationCount int
	// BlockBytes is the number of bytes between the heap base and the break, headers included
	BlockBytes int
	// AllocationBytes is the sum of the sizes requested for live allocations
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	UnusedBytes        int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.UnusedBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedBytes += size

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

// JsonData populates a json object with every counter
func (c *Counters) JsonData(json *jwriter.ObjectState) {
	json.Name("Mallocs").Int(c.Mallocs)
	json.Name("Frees").Int(c.Frees)
	json.Name("Callocs").Int(c.Callocs)
	json.Name("Reallocs").Int(c.Reallocs)
	json.Name("Requested").Int(c.Requested)
	json.Name("HeapSize").Int(c.HeapSize)
	json.Name("Blocks").Int(c.Blocks)
	json.Name("Grows").Int(c.Grows)
	json.Name("Shrinks").Int(c.Shrinks)
	json.Name("Splits").Int(c.Splits)
	json.Name("Merges").Int(c.Merges)
	json.Name("Reuses").Int(c.Reuses)
}

// JsonData populates a json object with the statistics. Minimum and maximum sizes are only
// written when there is something to measure.
func (s *DetailedStatistics) JsonData(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)
	json.Name("UnusedBytes").Int(s.UnusedBytes)

	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}

	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
