package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Camera is a perspective viewpoint. FovY is the vertical field of view in radians, Aspect is
// width over height.
type Camera struct {
	Position r3.Vector
	Forward  r3.Vector
	Up       r3.Vector
	FovY     float64
	Aspect   float64
	Near     float64
	Far      float64
}

// Validate returns an error if the camera cannot produce a frustum.
func (c Camera) Validate() error {
	if c.Forward.Norm2() == 0 {
		return errors.New("camera forward vector must be non-zero")
	}
	if c.Forward.Cross(c.Up).Norm2() == 0 {
		return errors.New("camera up vector must be non-zero and not parallel to forward")
	}
	if c.FovY <= 0 || c.FovY >= math.Pi {
		return errors.Errorf("camera vertical field of view %v must be in (0, pi)", c.FovY)
	}
	if c.Aspect <= 0 {
		return errors.Errorf("camera aspect %v must be positive", c.Aspect)
	}
	if c.Near <= 0 || c.Far <= c.Near {
		return errors.Errorf("camera clip planes must satisfy 0 < near (%v) < far (%v)", c.Near, c.Far)
	}
	return nil
}

// Frustum is the truncated pyramid visible from a Camera. Its planes have inward facing normals.
type Frustum struct {
	camera  Camera
	corners [8]r3.Vector
	planes  [6]Plane
}

// NewFrustum builds the view frustum of the camera.
func NewFrustum(c Camera) (*Frustum, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	forward := c.Forward.Normalize()
	right := forward.Cross(c.Up).Normalize()
	up := right.Cross(forward)

	f := &Frustum{camera: c}
	tanHalf := math.Tan(c.FovY / 2)
	for i, dist := range [2]float64{c.Near, c.Far} {
		center := c.Position.Add(forward.Mul(dist))
		halfH := tanHalf * dist
		halfW := halfH * c.Aspect
		base := i * 4
		f.corners[base+0] = center.Sub(right.Mul(halfW)).Sub(up.Mul(halfH))
		f.corners[base+1] = center.Add(right.Mul(halfW)).Sub(up.Mul(halfH))
		f.corners[base+2] = center.Add(right.Mul(halfW)).Add(up.Mul(halfH))
		f.corners[base+3] = center.Sub(right.Mul(halfW)).Add(up.Mul(halfH))
	}

	inside := c.Position.Add(forward.Mul((c.Near + c.Far) / 2))
	orient := func(pl Plane) Plane {
		if pl.SignedDistance(inside) < 0 {
			pl.Normal = pl.Normal.Mul(-1)
			pl.D = -pl.D
		}
		return pl
	}
	nc, fc := f.corners[:4], f.corners[4:]
	f.planes = [6]Plane{
		NewPlaneFromNormal(forward, c.Position.Add(forward.Mul(c.Near))),
		NewPlaneFromNormal(forward.Mul(-1), c.Position.Add(forward.Mul(c.Far))),
		orient(NewPlaneFromPoints(nc[0], fc[0], fc[3])), // left
		orient(NewPlaneFromPoints(nc[1], fc[1], fc[2])), // right
		orient(NewPlaneFromPoints(nc[0], fc[0], fc[1])), // bottom
		orient(NewPlaneFromPoints(nc[3], fc[3], fc[2])), // top
	}
	return f, nil
}

// Camera returns the camera the frustum was built from.
func (f *Frustum) Camera() Camera {
	return f.camera
}

// Truncated returns the same frustum with its far plane pulled in to `far`. A far distance past
// the current far plane leaves the frustum unchanged; one at or before the near plane collapses
// it to a sliver just past the near plane.
func (f *Frustum) Truncated(far float64) *Frustum {
	if far >= f.camera.Far {
		return f
	}
	c := f.camera
	c.Far = math.Max(far, math.Nextafter(c.Near, math.Inf(1)))
	truncated, err := NewFrustum(c)
	if err != nil {
		// The camera was already validated and only the far distance moved outward of near.
		panic(err)
	}
	return truncated
}

// Bounds returns the axis aligned box enclosing the frustum.
func (f *Frustum) Bounds() AABB {
	b := EmptyAABB()
	for _, c := range f.corners {
		b.Extend(c)
	}
	return b
}

// CullsBox reports whether the box is entirely outside the frustum. It is conservative: a box
// near a frustum edge may be kept even if it is just outside.
func (f *Frustum) CullsBox(b AABB) bool {
	for _, pl := range f.planes {
		if pl.BoxOutside(b) {
			return true
		}
	}
	return false
}

// ContainsPoint reports whether p is inside all six planes.
func (f *Frustum) ContainsPoint(p r3.Vector) bool {
	for _, pl := range f.planes {
		if pl.SignedDistance(p) < 0 {
			return false
		}
	}
	return true
}
