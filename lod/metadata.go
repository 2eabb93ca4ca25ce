// Package lod implements the level of detail index that point clouds are converted into: a
// stack of hierarchies whose cells each hold at most one point per sub-grid slot, with denser
// regions refined into finer hierarchies.
package lod

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/spatialmath"
)

// FormatVersion is written into every metadata file.
const FormatVersion = 1

// Defaults for a new index.
const (
	DefaultCellPointLimit         = 100000
	DefaultCellPointOverflowLimit = 10000
	DefaultSubGridDimension       = 128
	DefaultMaxCellSize            = 1000
	DefaultMaxHierarchies         = 32
)

// Metadata describes a whole index. Hierarchies only ever grows.
type Metadata struct {
	FormatVersion          int              `json:"format_version"`
	NumberOfPoints         uint64           `json:"number_of_points"`
	Hierarchies            uint32           `json:"hierarchies"`
	CellPointLimit         uint32           `json:"cell_point_limit"`
	CellPointOverflowLimit uint32           `json:"cell_point_overflow_limit"`
	SubGridDimension       uint32           `json:"sub_grid_dimension"`
	MaxCellSize            float32          `json:"max_cell_size"`
	MaxHierarchies         uint32           `json:"max_hierarchies"`
	BoundingBox            spatialmath.AABB `json:"bounding_box"`
}

// DefaultMetadata returns metadata for an empty index with no hierarchies.
func DefaultMetadata() *Metadata {
	return &Metadata{
		FormatVersion:          FormatVersion,
		CellPointLimit:         DefaultCellPointLimit,
		CellPointOverflowLimit: DefaultCellPointOverflowLimit,
		SubGridDimension:       DefaultSubGridDimension,
		MaxCellSize:            DefaultMaxCellSize,
		MaxHierarchies:         DefaultMaxHierarchies,
		BoundingBox:            spatialmath.EmptyAABB(),
	}
}

// Validate checks that the metadata describes a usable index.
func (md *Metadata) Validate() error {
	if md.FormatVersion != FormatVersion {
		return errors.Errorf("unsupported metadata format version %d", md.FormatVersion)
	}
	if md.SubGridDimension == 0 {
		return errors.New("sub_grid_dimension must be positive")
	}
	if md.SubGridDimension > 1024 {
		return errors.Errorf("sub_grid_dimension %d is too large", md.SubGridDimension)
	}
	if !(md.MaxCellSize > 0) || math.IsInf(float64(md.MaxCellSize), 0) {
		return errors.Errorf("max_cell_size must be positive and finite, got %v", md.MaxCellSize)
	}
	if md.MaxHierarchies == 0 {
		return errors.New("max_hierarchies must be positive")
	}
	return nil
}

// IsDeepestHierarchy reports whether h is the last hierarchy a cascade may reach. Overflow in its
// cells is never closed and may grow past CellPointOverflowLimit.
func (md *Metadata) IsDeepestHierarchy(h uint32) bool {
	return h+1 >= md.MaxHierarchies
}

// SubGridSlots is the number of addressable slots in each cell.
func (md *Metadata) SubGridSlots() int {
	d := int(md.SubGridDimension)
	return d * d * d
}

// Clone returns a copy of the metadata.
func (md *Metadata) Clone() *Metadata {
	cp := *md
	return &cp
}

// MarshalIndented renders the metadata as the human readable document stored next to the cells.
func (md *Metadata) MarshalIndented() ([]byte, error) {
	return json.MarshalIndent(md, "", "  ")
}

// UnmarshalMetadata parses and validates a metadata document.
func UnmarshalMetadata(data []byte) (*Metadata, error) {
	md := DefaultMetadata()
	if err := json.Unmarshal(data, md); err != nil {
		return nil, errors.Wrap(err, "parsing metadata")
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}
