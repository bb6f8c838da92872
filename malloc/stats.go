package malloc

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/block"
)

// CalculateStatistics walks the heap and summarizes every block in it. Free blocks are reported
// as unused ranges and in-use blocks as allocations of the size that was requested for them.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) error {
	a.logger.Debug("Allocator::CalculateStatistics")

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if a.blocks == nil {
		return errDestroyed
	}

	return a.calculateStatistics(stats)
}

func (a *Allocator) calculateStatistics(stats *memutils.DetailedStatistics) error {
	stats.Clear()
	stats.BlockBytes = a.blocks.Break()

	return a.blocks.VisitAllBlocks(func(h block.Handle, capacity int, size int, free bool) error {
		stats.BlockCount++

		if free {
			stats.AddUnusedRange(capacity)
		} else {
			stats.AddAllocation(size)
		}

		return nil
	})
}

// BuildStatsString returns a json document describing the allocator's configuration, its
// counters and a summary of the heap. If detailedMap is true, every block in the heap and every
// member of the free list is listed as well.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("Allocator::BuildStatsString")

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	generalObj := objState.Name("General").Object()
	generalObj.Name("Flags").String(a.createFlags.String())
	if a.blocks == nil {
		generalObj.Name("Destroyed").Bool(true)
		generalObj.End()
		objState.End()
		return string(writer.Bytes())
	}
	generalObj.Name("Strategy").String(a.freeList.Strategy().String())
	generalObj.Name("Alignment").Int(int(a.blocks.Alignment()))
	generalObj.Name("HeaderSize").Int(a.blocks.HeaderSize())
	generalObj.Name("TrimThreshold").Int(a.blocks.TrimThreshold())
	generalObj.Name("Reserved").Int(a.region.Reserved())
	generalObj.End()

	countersObj := objState.Name("Counters").Object()
	a.counters.JsonData(&countersObj)
	countersObj.End()

	var stats memutils.DetailedStatistics
	err := a.calculateStatistics(&stats)
	if err != nil {
		objState.Name("Error").String(err.Error())
	} else {
		totalObj := objState.Name("Total").Object()
		stats.JsonData(&totalObj)
		totalObj.End()
	}

	if detailedMap {
		a.printDetailedMap(&objState)
	}

	objState.End()

	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	heapObj := json.Name("Heap").Object()
	defer heapObj.End()

	blocksArray := heapObj.Name("Blocks").Array()
	_ = a.blocks.VisitAllBlocks(func(h block.Handle, capacity int, size int, free bool) error {
		obj := blocksArray.Object()
		defer obj.End()

		a.blocks.BlockJsonData(&obj, h)
		obj.Name("Free").Bool(free)

		return nil
	})
	blocksArray.End()

	freeListObj := heapObj.Name("FreeList").Object()
	a.freeList.BlockJsonData(&freeListObj)
	freeListObj.End()
}
