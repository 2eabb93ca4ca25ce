package lod

import (
	"bytes"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/lodcloud/pointcloud"
)

func TestCellSizeLaw(t *testing.T) {
	md := DefaultMetadata()
	test.That(t, md.CellSize(0), test.ShouldEqual, 1000.0)
	for h := uint32(0); h < 20; h++ {
		test.That(t, md.CellSize(h+1), test.ShouldEqual, md.CellSize(h)/2)
	}
}

func TestCellIndex(t *testing.T) {
	md := DefaultMetadata()
	md.MaxCellSize = 8

	test.That(t, md.CellIndex(r3.Vector{X: 3.9, Y: -3.9, Z: 0}, 0), test.ShouldResemble, IVec3{0, 0, 0})
	test.That(t, md.CellIndex(r3.Vector{X: 4, Y: -4, Z: 12.1}, 0), test.ShouldResemble, IVec3{1, -1, 2})
	test.That(t, md.CellIndex(r3.Vector{X: 3, Y: 3, Z: -3}, 1), test.ShouldResemble, IVec3{1, 1, -1})

	id := CellID{Hierarchy: 1, Index: IVec3{1, -2, 0}}
	test.That(t, md.CellCenter(id), test.ShouldResemble, r3.Vector{X: 4, Y: -8, Z: 0})
	b := md.CellBounds(id)
	test.That(t, b.Min, test.ShouldResemble, r3.Vector{X: 2, Y: -10, Z: -2})
	test.That(t, b.Max, test.ShouldResemble, r3.Vector{X: 6, Y: -6, Z: 2})
	test.That(t, id.String(), test.ShouldEqual, "h1/1_-2_0")
}

func TestPointLandsInItsCellAtEveryHierarchy(t *testing.T) {
	md := DefaultMetadata()
	md.MaxCellSize = 100
	pts := []r3.Vector{{X: 1.25, Y: -7.5, Z: 33.3}, {X: -49.9, Y: 49.9, Z: 0.001}, {X: 12345.6, Y: -0.5, Z: 7}}
	for _, raw := range pts {
		p := storedPrecision(raw)
		for h := uint32(0); h < 12; h++ {
			id := md.CellIDFor(p, h)
			b := md.CellBounds(id)
			eps := md.CellSize(h) * 1e-9
			test.That(t, p.X, test.ShouldBeBetweenOrEqual, b.Min.X-eps, b.Max.X+eps)
			test.That(t, p.Y, test.ShouldBeBetweenOrEqual, b.Min.Y-eps, b.Max.Y+eps)
			test.That(t, p.Z, test.ShouldBeBetweenOrEqual, b.Min.Z-eps, b.Max.Z+eps)
		}
	}
}

func TestSubCellSlot(t *testing.T) {
	md := DefaultMetadata()
	md.MaxCellSize = 8
	md.SubGridDimension = 4
	id := CellID{Index: IVec3{0, 0, 0}}

	// Sub-cells are 2 wide starting at the min corner -4.
	test.That(t, md.SubCellSlot(r3.Vector{X: -3.5, Y: -3.5, Z: -3.5}, id), test.ShouldEqual, 0)
	test.That(t, md.SubCellSlot(r3.Vector{X: -1.5, Y: -3.5, Z: -3.5}, id), test.ShouldEqual, 1)
	test.That(t, md.SubCellSlot(r3.Vector{X: -3.5, Y: -1.5, Z: -3.5}, id), test.ShouldEqual, 4)
	test.That(t, md.SubCellSlot(r3.Vector{X: -3.5, Y: -3.5, Z: 0.5}, id), test.ShouldEqual, 32)
	test.That(t, md.SubCellSlot(r3.Vector{X: 3.9, Y: 3.9, Z: 3.9}, id), test.ShouldEqual, 63)

	// Faces and beyond clamp into the grid.
	test.That(t, md.SubCellSlot(r3.Vector{X: 4, Y: 4, Z: 4}, id), test.ShouldEqual, 63)
	test.That(t, md.SubCellSlot(r3.Vector{X: -4.5, Y: -4.5, Z: -4.5}, id), test.ShouldEqual, 0)
}

func TestMappingUsesStoredPrecision(t *testing.T) {
	md := DefaultMetadata()
	md.MaxCellSize = 1
	md.SubGridDimension = 10
	id := CellID{}

	// In float64, 0.1 sits just below the boundary between sub-cells 5 and 6. As a float32 it
	// sits just above it, which is where it lands once written to a cell file.
	raw := pointcloud.Point{Pos: r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, Color: pointcloud.White}
	stored := pointcloud.NewPoint(0.1, 0.1, 0.1, pointcloud.White)
	test.That(t, raw.Pos, test.ShouldNotResemble, stored.Pos)

	test.That(t, md.SubCellSlot(raw.Pos, id), test.ShouldEqual, 666)
	test.That(t, md.SubCellSlot(stored.Pos, id), test.ShouldEqual, 666)
	for h := uint32(0); h < 30; h++ {
		test.That(t, md.CellIDFor(raw.Pos, h), test.ShouldResemble, md.CellIDFor(stored.Pos, h))
	}

	var buf bytes.Buffer
	c := NewCell(md.SubGridDimension)
	test.That(t, c.Grid.SetBit(md.SubCellSlot(raw.Pos, id)), test.ShouldBeTrue)
	c.Points = append(c.Points, raw)
	c.NumberOfPoints++
	test.That(t, WriteCell(&buf, c), test.ShouldBeNil)
	read, err := ReadCell(&buf, md.SubGridDimension)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, read.CheckInvariants(md, id), test.ShouldBeNil)
	test.That(t, md.SubCellSlot(read.Points[0].Pos, id), test.ShouldEqual, md.SubCellSlot(raw.Pos, id))
}

func TestClampSubCell(t *testing.T) {
	test.That(t, clampSubCell(-1, 4), test.ShouldEqual, 0)
	test.That(t, clampSubCell(0, 4), test.ShouldEqual, 0)
	test.That(t, clampSubCell(2, 4), test.ShouldEqual, 2)
	test.That(t, clampSubCell(4, 4), test.ShouldEqual, 3)
	test.That(t, clampSubCell(math.NaN(), 4), test.ShouldEqual, 0)
	test.That(t, clampSubCell(0, 1), test.ShouldEqual, 0)
	test.That(t, clampSubCell(1, 1), test.ShouldEqual, 0)
}
