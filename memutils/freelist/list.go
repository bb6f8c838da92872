// Package freelist keeps track of the blocks in a heap that are not handed out to callers. The
// list is threaded through the block headers themselves, starting and ending at the block
// manager's sentinel, so it costs no memory beyond the heap.
package freelist

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/block"
)

// Flags indicate optional free list behaviors
type Flags uint32

const (
	// FlagCoalesceOnce stops Insert after the first merge it performs. A block freed between two
	// free neighbors then only joins one of them, leaving two adjacent free blocks behind.
	FlagCoalesceOnce Flags = 1 << iota
)

type FreeList struct {
	blocks   *block.Manager
	counters *memutils.Counters
	strategy FitStrategy
	flags    Flags
}

// New creates an empty free list over the blocks owned by the provided manager. counters should
// be the same counters the manager records into; if it is nil, reuse events are not recorded.
func New(blocks *block.Manager, counters *memutils.Counters, strategy FitStrategy, flags Flags) (*FreeList, error) {
	if blocks == nil {
		return nil, cerrors.Wrap(memutils.InvalidArgumentError, "a free list requires a block manager")
	}

	if !strategy.Valid() {
		return nil, cerrors.Wrapf(memutils.InvalidArgumentError, "unknown fit strategy: %s", strategy)
	}

	if counters == nil {
		counters = &memutils.Counters{}
	}

	return &FreeList{
		blocks:   blocks,
		counters: counters,
		strategy: strategy,
		flags:    flags,
	}, nil
}

func (l *FreeList) Strategy() FitStrategy { return l.strategy }

// Search finds a member able to hold size bytes according to the list's fit strategy. The block
// found has its size set to the request and remains in the list, so that the caller can split
// it before detaching it.
func (l *FreeList) Search(size int) (block.Handle, bool) {
	found := block.NoBlock
	foundCapacity := 0

search:
	for h := l.blocks.Next(block.Sentinel); h != block.Sentinel; h = l.blocks.Next(h) {
		capacity := l.blocks.Capacity(h)
		if capacity < size {
			continue
		}

		switch l.strategy {
		case FitFirst:
			found = h
			break search
		case FitBest:
			if found == block.NoBlock || capacity < foundCapacity {
				found = h
				foundCapacity = capacity
			}
		case FitWorst:
			if found == block.NoBlock || capacity > foundCapacity {
				found = h
				foundCapacity = capacity
			}
		}
	}

	if found == block.NoBlock {
		return block.NoBlock, false
	}

	l.blocks.SetSize(found, size)
	l.counters.Reuses++

	return found, true
}

// Insert adds a detached block to the list, merging it with any member it is address-adjacent
// to. If the block absorbs a member, it takes that member's place in the list; if a member
// absorbs the block, the block stops existing. A block that merges with nothing is appended.
//
// The handle of the block that ends up in the list is returned.
func (l *FreeList) Insert(h block.Handle) block.Handle {
	if !l.blocks.IsDetached(h) {
		panic(fmt.Sprintf("attempted to insert block at offset %d, which is already in a list", h))
	}

	inserted := false
	for {
		merged := false

		for member := l.blocks.Next(block.Sentinel); member != block.Sentinel; member = l.blocks.Next(member) {
			if member == h {
				continue
			}

			if l.blocks.Adjacent(h, member) {
				if inserted {
					l.blocks.Detach(member)
				} else {
					l.blocks.Replace(member, h)
					inserted = true
				}

				l.blocks.Merge(h, member)
				merged = true
				break
			}

			if l.blocks.Adjacent(member, h) {
				if inserted {
					l.blocks.Detach(h)
				}

				l.blocks.Merge(member, h)
				h = member
				inserted = true
				merged = true
				break
			}
		}

		if !merged || l.flags&FlagCoalesceOnce != 0 {
			break
		}
	}

	if !inserted {
		l.blocks.InsertBefore(block.Sentinel, h)
	}

	memutils.DebugValidate(l)

	return h
}

// Remove detaches a member from the list
func (l *FreeList) Remove(h block.Handle) {
	if l.blocks.IsDetached(h) {
		panic(fmt.Sprintf("attempted to remove block at offset %d, which is not in a list", h))
	}

	l.blocks.Detach(h)
}

// Len counts the members of the list by walking it
func (l *FreeList) Len() int {
	count := 0
	for h := l.blocks.Next(block.Sentinel); h != block.Sentinel; h = l.blocks.Next(h) {
		count++
	}

	return count
}

// VisitBlocks calls the provided callback for every member in list order. The callback must
// not modify the list.
func (l *FreeList) VisitBlocks(handleBlock func(h block.Handle) error) error {
	for h := l.blocks.Next(block.Sentinel); h != block.Sentinel; h = l.blocks.Next(h) {
		err := handleBlock(h)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate walks the list and verifies its links. Unless the list was created with
// FlagCoalesceOnce, it also verifies that no two members are address-adjacent.
func (l *FreeList) Validate() error {
	maxMembers := l.blocks.Break()/l.blocks.HeaderSize() + 1
	members := make(map[block.Handle]struct{})

	prev := block.Sentinel
	for h := l.blocks.Next(block.Sentinel); h != block.Sentinel; h = l.blocks.Next(h) {
		if len(members) >= maxMembers {
			return errors.Errorf("the free list has more than %d members, which the heap cannot hold", maxMembers)
		}

		if _, seen := members[h]; seen {
			return errors.Errorf("block at offset %d appears in the free list twice", h)
		}
		members[h] = struct{}{}

		if l.blocks.IsDetached(h) {
			return errors.Errorf("block at offset %d is in the free list but links to itself", h)
		}

		if l.blocks.Prev(h) != prev {
			return errors.Errorf("block at offset %d lists %d as its previous block, but was reached from %d", h, l.blocks.Prev(h), prev)
		}

		prev = h
	}

	if l.blocks.Prev(block.Sentinel) != prev {
		return errors.Errorf("the free list ends at %d, but the sentinel refers back to %d", prev, l.blocks.Prev(block.Sentinel))
	}

	if l.flags&FlagCoalesceOnce != 0 {
		return nil
	}

	for h := range members {
		next := block.Handle(l.blocks.End(h))
		if _, free := members[next]; free {
			return errors.Errorf("free blocks at offsets %d and %d are adjacent but were not merged", h, next)
		}
	}

	return nil
}

// BlockJsonData populates a json object with the list's strategy and members
func (l *FreeList) BlockJsonData(json *jwriter.ObjectState) {
	json.Name("Strategy").String(l.strategy.String())
	json.Name("Length").Int(l.Len())

	arr := json.Name("Blocks").Array()
	defer arr.End()

	for h := l.blocks.Next(block.Sentinel); h != block.Sentinel; h = l.blocks.Next(h) {
		obj := arr.Object()
		l.blocks.BlockJsonData(&obj, h)
		obj.End()
	}
}
