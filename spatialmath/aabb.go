package spatialmath

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// AABB is an axis aligned bounding box. An AABB whose Min is greater than its Max on any axis is
// empty; EmptyAABB returns the canonical empty box that any point extends.
type AABB struct {
	Min r3.Vector
	Max r3.Vector
}

// EmptyAABB returns a box that contains nothing. Extending it with a point yields a box holding
// exactly that point.
func EmptyAABB() AABB {
	inf := math.Inf(1)
	return AABB{
		Min: r3.Vector{X: inf, Y: inf, Z: inf},
		Max: r3.Vector{X: -inf, Y: -inf, Z: -inf},
	}
}

// NewAABB returns the box spanning the two corners in any order.
func NewAABB(a, b r3.Vector) AABB {
	return AABB{
		Min: r3.Vector{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)},
		Max: r3.Vector{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)},
	}
}

// AABBFromCenter returns the cube centered on c with the given edge length.
func AABBFromCenter(c r3.Vector, edge float64) AABB {
	half := r3.Vector{X: edge / 2, Y: edge / 2, Z: edge / 2}
	return AABB{Min: c.Sub(half), Max: c.Add(half)}
}

// IsEmpty reports whether the box contains no points.
func (b AABB) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Extend grows the box so that it contains p.
func (b *AABB) Extend(p r3.Vector) {
	b.Min = r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)}
	b.Max = r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)}
}

// Union returns the smallest box containing both boxes.
func (b AABB) Union(o AABB) AABB {
	switch {
	case b.IsEmpty():
		return o
	case o.IsEmpty():
		return b
	}
	ret := b
	ret.Extend(o.Min)
	ret.Extend(o.Max)
	return ret
}

// Intersect returns the overlap of two boxes and whether there is any.
func (b AABB) Intersect(o AABB) (AABB, bool) {
	ret := AABB{
		Min: r3.Vector{X: math.Max(b.Min.X, o.Min.X), Y: math.Max(b.Min.Y, o.Min.Y), Z: math.Max(b.Min.Z, o.Min.Z)},
		Max: r3.Vector{X: math.Min(b.Max.X, o.Max.X), Y: math.Min(b.Max.Y, o.Max.Y), Z: math.Min(b.Max.Z, o.Max.Z)},
	}
	if ret.IsEmpty() {
		return EmptyAABB(), false
	}
	return ret, true
}

// Contains reports whether p lies inside the box, boundary included.
func (b AABB) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Center returns the midpoint of the box.
func (b AABB) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Size returns the edge lengths of the box.
func (b AABB) Size() r3.Vector {
	return b.Max.Sub(b.Min)
}

func (b AABB) String() string {
	return fmt.Sprintf("[%v, %v]", b.Min, b.Max)
}

type aabbJSON struct {
	Min [3]float64 `json:"min"`
	Max [3]float64 `json:"max"`
}

// MarshalJSON encodes the box as {"min":[x,y,z],"max":[x,y,z]}, or null when empty since JSON
// has no infinities.
func (b AABB) MarshalJSON() ([]byte, error) {
	if b.IsEmpty() {
		return []byte("null"), nil
	}
	return json.Marshal(aabbJSON{
		Min: [3]float64{b.Min.X, b.Min.Y, b.Min.Z},
		Max: [3]float64{b.Max.X, b.Max.Y, b.Max.Z},
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (b *AABB) UnmarshalJSON(data []byte) error {
	var raw *aabbJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*b = EmptyAABB()
		return nil
	}
	b.Min = r3.Vector{X: raw.Min[0], Y: raw.Min[1], Z: raw.Min[2]}
	b.Max = r3.Vector{X: raw.Max[0], Y: raw.Max[1], Z: raw.Max[2]}
	return nil
}
