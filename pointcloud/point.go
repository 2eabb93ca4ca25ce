// Package pointcloud defines the point samples that are indexed and the batched sources they are
// read from.
package pointcloud

import (
	"fmt"
	"image/color"

	"github.com/golang/geo/r3"
)

// Point is a single colored sample. Positions carry float32 precision, which is what the cell
// files store, so a point read back from disk is identical to the one written.
type Point struct {
	Pos   r3.Vector
	Color color.NRGBA
}

// NewPoint returns a point at (x, y, z) rounded to float32 precision.
func NewPoint(x, y, z float64, c color.NRGBA) Point {
	return Point{
		Pos:   r3.Vector{X: float64(float32(x)), Y: float64(float32(y)), Z: float64(float32(z))},
		Color: c,
	}
}

// NewPointFromVector is NewPoint for an r3.Vector.
func NewPointFromVector(v r3.Vector, c color.NRGBA) Point {
	return NewPoint(v.X, v.Y, v.Z, c)
}

// White is the color given to points whose source carries no color.
var White = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

func (p Point) String() string {
	return fmt.Sprintf("(%g, %g, %g) #%02x%02x%02x%02x", p.Pos.X, p.Pos.Y, p.Pos.Z, p.Color.R, p.Color.G, p.Color.B, p.Color.A)
}
