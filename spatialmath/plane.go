package spatialmath

import "github.com/golang/geo/r3"

// Plane is the set of points p with Normal·p + D == 0. Points with a positive signed distance
// are on the side the normal points to.
type Plane struct {
	Normal r3.Vector
	D      float64
}

// NewPlaneFromPoints returns the plane through a, b and c with the normal given by the right-hand
// rule (b-a)×(c-a), normalized.
func NewPlaneFromPoints(a, b, c r3.Vector) Plane {
	n := b.Sub(a).Cross(c.Sub(a)).Normalize()
	return Plane{Normal: n, D: -n.Dot(a)}
}

// NewPlaneFromNormal returns the plane with unit normal n through point p.
func NewPlaneFromNormal(n, p r3.Vector) Plane {
	n = n.Normalize()
	return Plane{Normal: n, D: -n.Dot(p)}
}

// SignedDistance returns the distance of p to the plane, positive on the normal side.
func (pl Plane) SignedDistance(p r3.Vector) float64 {
	return pl.Normal.Dot(p) + pl.D
}

// BoxOutside reports whether the whole box lies strictly on the negative side of the plane. It
// tests only the box corner furthest along the normal.
func (pl Plane) BoxOutside(b AABB) bool {
	positive := b.Min
	if pl.Normal.X >= 0 {
		positive.X = b.Max.X
	}
	if pl.Normal.Y >= 0 {
		positive.Y = b.Max.Y
	}
	if pl.Normal.Z >= 0 {
		positive.Z = b.Max.Z
	}
	return pl.SignedDistance(positive) < 0
}
