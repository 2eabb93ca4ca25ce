package lod

import (
	"github.com/pkg/errors"

	"go.viam.com/lodcloud/pointcloud"
)

// Header is the fixed part of a cell. A nil Overflow means the cell's overflow has been closed
// and will never accept points again.
type Header struct {
	NumberOfPoints uint32
	Overflow       *uint32
	Grid           *BitGrid
}

// OverflowOpen reports whether the cell still accepts overflow points.
func (h *Header) OverflowOpen() bool {
	return h.Overflow != nil
}

// Cell holds the points of one region at one hierarchy. Points each own a distinct sub-grid
// slot; OverflowPoints contend for slots that are already taken and wait to be cascaded.
type Cell struct {
	Header
	Points         []pointcloud.Point
	OverflowPoints []pointcloud.Point
}

// NewCell returns an empty cell with open overflow and a grid of subGridDimension³ slots.
func NewCell(subGridDimension uint32) *Cell {
	d := int(subGridDimension)
	var overflow uint32
	return &Cell{
		Header: Header{
			Overflow: &overflow,
			Grid:     NewBitGrid(d * d * d),
		},
	}
}

// TotalPoints counts primary and overflow points.
func (c *Cell) TotalPoints() int {
	return len(c.Points) + len(c.OverflowPoints)
}

// closeOverflow permanently disables overflow and hands back the points it held.
func (c *Cell) closeOverflow() []pointcloud.Point {
	moved := c.OverflowPoints
	c.OverflowPoints = nil
	c.Overflow = nil
	return moved
}

// CheckInvariants verifies the counts recorded in the header against the stored points and, for
// the primary points, that each one owns the slot it maps to and no slot is claimed twice.
func (c *Cell) CheckInvariants(md *Metadata, id CellID) error {
	if c.Grid == nil {
		return errors.Errorf("cell %s has no occupancy grid", id)
	}
	if c.Grid.Capacity() < md.SubGridSlots() {
		return errors.Errorf("cell %s grid holds %d bits, need %d", id, c.Grid.Capacity(), md.SubGridSlots())
	}
	if int(c.NumberOfPoints) != len(c.Points) {
		return errors.Errorf("cell %s header counts %d points but holds %d", id, c.NumberOfPoints, len(c.Points))
	}
	if c.Overflow != nil {
		if int(*c.Overflow) != len(c.OverflowPoints) {
			return errors.Errorf("cell %s header counts %d overflow points but holds %d", id, *c.Overflow, len(c.OverflowPoints))
		}
		if *c.Overflow > md.CellPointOverflowLimit && !md.IsDeepestHierarchy(id.Hierarchy) {
			return errors.Errorf("cell %s overflow %d exceeds limit %d", id, *c.Overflow, md.CellPointOverflowLimit)
		}
	} else if len(c.OverflowPoints) != 0 {
		return errors.Errorf("cell %s has closed overflow but holds %d overflow points", id, len(c.OverflowPoints))
	}
	if c.Grid.Count() != len(c.Points) {
		return errors.Errorf("cell %s grid has %d bits set for %d points", id, c.Grid.Count(), len(c.Points))
	}
	seen := make(map[int]struct{}, len(c.Points))
	for _, p := range c.Points {
		slot := md.SubCellSlot(p.Pos, id)
		if _, ok := seen[slot]; ok {
			return errors.Errorf("cell %s has two points in slot %d", id, slot)
		}
		if !c.Grid.IsBitSet(slot) {
			return errors.Errorf("cell %s point %v occupies unset slot %d", id, p, slot)
		}
		seen[slot] = struct{}{}
	}
	return nil
}
