package lod

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// IVec3 is an integer cell coordinate.
type IVec3 [3]int32

// Vector converts the coordinate to floating point.
func (v IVec3) Vector() r3.Vector {
	return r3.Vector{X: float64(v[0]), Y: float64(v[1]), Z: float64(v[2])}
}

// CellID identifies a cell by hierarchy and integer index at that hierarchy's resolution.
type CellID struct {
	Hierarchy uint32
	Index     IVec3
}

func (id CellID) String() string {
	return fmt.Sprintf("h%d/%d_%d_%d", id.Hierarchy, id.Index[0], id.Index[1], id.Index[2])
}
