package freelist

import "fmt"

// FitStrategy selects which free block a search hands back when more than one can hold the
// requested size
type FitStrategy uint32

const (
	// FitFirst selects the first block in list order that is large enough. Blocks are appended
	// to the list as they are freed, so this favors the blocks that have been free the longest.
	FitFirst FitStrategy = iota
	// FitBest selects the smallest block that is large enough, keeping large blocks intact for
	// large requests at the cost of a full list traversal
	FitBest
	// FitWorst selects the largest block, leaving the biggest possible remainder after a split
	FitWorst
)

var fitStrategyMapping = map[FitStrategy]string{
	FitFirst: "FitFirst",
	FitBest:  "FitBest",
	FitWorst: "FitWorst",
}

func (s FitStrategy) String() string {
	str, ok := fitStrategyMapping[s]
	if !ok {
		return fmt.Sprintf("FitStrategy(%d)", uint32(s))
	}

	return str
}

// Valid returns true if the strategy is one of the strategies defined in this package
func (s FitStrategy) Valid() bool {
	_, ok := fitStrategyMapping[s]
	return ok
}
