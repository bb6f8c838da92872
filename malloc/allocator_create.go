package malloc

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/brkalloc/internal/utils"
	"github.com/vkngwrapper/brkalloc/memutils"
	"github.com/vkngwrapper/brkalloc/memutils/block"
	"github.com/vkngwrapper/brkalloc/memutils/freelist"
	"github.com/vkngwrapper/brkalloc/memutils/heap"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags uint32

var allocatorCreateFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping[f] = str
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := allocatorCreateFlagsMapping[bit]
		if !ok {
			name = fmt.Sprintf("CreateFlags(%#x)", uint32(bit))
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because internal mutexes
	// are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
	// AllocatorCreateTrackAllocations keeps a record of every live allocation. Free and Reallocate
	// reject any pointer that is not in the record, which catches double frees that header
	// checks alone cannot, and Destroy can report exactly which allocations leaked.
	AllocatorCreateTrackAllocations
	// AllocatorCreateCoalesceOnce makes a freed block merge with at most one free neighbor. By
	// default a block freed between two free blocks joins both of them.
	AllocatorCreateCoalesceOnce
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
	AllocatorCreateTrackAllocations.Register("AllocatorCreateTrackAllocations")
	AllocatorCreateCoalesceOnce.Register("AllocatorCreateCoalesceOnce")
}

const (
	// defaultAlignment is the alignment quantum used when none is provided via CreateOptions
	defaultAlignment uint = 8
	// defaultTrimThreshold is the smallest heap-terminal block that is handed back to the region
	// when none is provided via CreateOptions
	defaultTrimThreshold int = 1024
	// defaultHeapReservation is the address space reserved for the heap when the allocator
	// creates its own region. It is equal to 1Gb.
	defaultHeapReservation int = 1024 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Strategy selects the free block used to satisfy a request when several are large enough.
	// The zero value is freelist.FitFirst.
	Strategy freelist.FitStrategy

	// Alignment is the quantum every allocation size is rounded up to. It must be a power of two
	// between 8 and heap.BaseAlignment, and every pointer returned by the allocator is aligned to
	// it. Zero selects 8.
	Alignment uint
	// TrimThreshold is the smallest capacity a freed block at the end of the heap must have to be
	// returned to the region instead of being kept for reuse. Zero selects 1024. Any value no
	// larger than Alignment trims every freed heap-terminal block.
	TrimThreshold int

	// HeapReservation is the number of bytes of address space reserved for the heap when the
	// allocator creates its own region. The heap can never grow beyond it. Zero selects 1Gb.
	HeapReservation int
	// Region is an optional break primitive to build the heap on. It must be empty. The
	// allocator does not close regions it did not create.
	Region heap.Region
}

// New creates a new Allocator
//
// logger - The logger that operations are traced to. If nil, slog.Default is used.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = defaultAlignment
	}

	trimThreshold := options.TrimThreshold
	if trimThreshold == 0 {
		trimThreshold = defaultTrimThreshold
	} else if trimThreshold < 0 {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "malloc.CreateOptions.TrimThreshold was %d", trimThreshold)
	}

	reservation := options.HeapReservation
	if reservation == 0 {
		reservation = defaultHeapReservation
	} else if reservation < 0 {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "malloc.CreateOptions.HeapReservation was %d", reservation)
	}

	if !options.Strategy.Valid() {
		return nil, errors.Wrapf(memutils.InvalidArgumentError, "malloc.CreateOptions.Strategy was %s", options.Strategy)
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0,
		},
		region: options.Region,
	}

	if allocator.region == nil {
		region, err := heap.NewMappedRegion(reservation)
		if err != nil {
			return nil, err
		}

		allocator.region = region
		allocator.ownsRegion = true
	}

	var err error
	allocator.blocks, err = block.NewManager(allocator.region, &allocator.counters, alignment, trimThreshold)
	if err != nil {
		allocator.closeOwnedRegion()
		return nil, err
	}

	var listFlags freelist.Flags
	if options.Flags&AllocatorCreateCoalesceOnce != 0 {
		listFlags |= freelist.FlagCoalesceOnce
	}

	allocator.freeList, err = freelist.New(allocator.blocks, &allocator.counters, options.Strategy, listFlags)
	if err != nil {
		allocator.closeOwnedRegion()
		return nil, err
	}

	if options.Flags&AllocatorCreateTrackAllocations != 0 {
		allocator.liveAllocations = swiss.NewMap[uintptr, int](42)
	}

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.String("Strategy", options.Strategy.String()),
		slog.Int("Alignment", int(alignment)),
		slog.Int("TrimThreshold", trimThreshold),
		slog.Int("Reserved", allocator.region.Reserved()),
	)

	return allocator, nil
}

func (a *Allocator) closeOwnedRegion() {
	if !a.ownsRegion {
		return
	}

	err := a.region.Close()
	if err != nil {
		a.logger.Error("error attempting to close heap region after creation failure", slog.Any("error", err))
	}
}
