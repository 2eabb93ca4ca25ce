package lod

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/lodcloud/spatialmath"
)

// CellSize is the edge length of cells at hierarchy h. Each hierarchy halves the previous one.
func (md *Metadata) CellSize(h uint32) float64 {
	return math.Ldexp(float64(md.MaxCellSize), -int(h))
}

// storedPrecision rounds p to the float32 precision cell files keep, so a position maps to the
// same cell and slot before and after a round trip to disk.
func storedPrecision(p r3.Vector) r3.Vector {
	return r3.Vector{X: float64(float32(p.X)), Y: float64(float32(p.Y)), Z: float64(float32(p.Z))}
}

// CellIndex is the index of the cell containing p at hierarchy h. Cells are centered on
// multiples of the cell size. p is first rounded to float32.
func (md *Metadata) CellIndex(p r3.Vector, h uint32) IVec3 {
	p = storedPrecision(p)
	size := md.CellSize(h)
	return IVec3{
		int32(math.Round(p.X / size)),
		int32(math.Round(p.Y / size)),
		int32(math.Round(p.Z / size)),
	}
}

// CellIDFor is the id of the cell containing p at hierarchy h.
func (md *Metadata) CellIDFor(p r3.Vector, h uint32) CellID {
	return CellID{Hierarchy: h, Index: md.CellIndex(p, h)}
}

// CellCenter is the world position of the cell's center.
func (md *Metadata) CellCenter(id CellID) r3.Vector {
	return id.Index.Vector().Mul(md.CellSize(id.Hierarchy))
}

// CellBounds is the region of space the cell covers.
func (md *Metadata) CellBounds(id CellID) spatialmath.AABB {
	return spatialmath.AABBFromCenter(md.CellCenter(id), md.CellSize(id.Hierarchy))
}

// SubCellSlot is the linear sub-grid slot p occupies inside cell id. p is first rounded to
// float32.
func (md *Metadata) SubCellSlot(p r3.Vector, id CellID) int {
	p = storedPrecision(p)
	d := int(md.SubGridDimension)
	size := md.CellSize(id.Hierarchy)
	subSize := size / float64(d)
	// Shift the origin to the cell's min corner.
	offset := p.Sub(md.CellCenter(id)).Add(r3.Vector{X: size / 2, Y: size / 2, Z: size / 2})
	x := clampSubCell(math.Floor(offset.X/subSize), d)
	y := clampSubCell(math.Floor(offset.Y/subSize), d)
	z := clampSubCell(math.Floor(offset.Z/subSize), d)
	return x + y*d + z*d*d
}

// clampSubCell forces a sub-cell coordinate into [0, d-1]. Points that round into a cell yet sit
// at or just past its faces would otherwise compute -1 or d. The clamp is part of the on-disk
// contract: changing it changes which slot existing points claim.
func clampSubCell(v float64, d int) int {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > float64(d-1):
		return d - 1
	default:
		return int(v)
	}
}
