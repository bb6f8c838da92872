//go:build !(linux || darwin || freebsd)

package heap

// MappedRegion falls back to a slice-backed reservation on platforms without anonymous mappings
type MappedRegion struct {
	SliceRegion
}

var _ Region = &MappedRegion{}

func NewMappedRegion(reserved int) (*MappedRegion, error) {
	region, err := NewSliceRegion(reserved)
	if err != nil {
		return nil, err
	}

	return &MappedRegion{SliceRegion: *region}, nil
}
