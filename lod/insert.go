package lod

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/pointcloud"
)

// ErrHierarchyLimit is returned when a point is inserted at or below the deepest allowed
// hierarchy.
var ErrHierarchyLimit = errors.New("hierarchy limit reached")

// ErrCascadeDeferred marks an error raised part way through a cascade. The point was accepted and
// counted, but some of the points it displaced are held by the Inserter until Flush succeeds.
var ErrCascadeDeferred = errors.New("cascade deferred")

// CellAccessor returns the mutable cell for an id, creating an empty one if none exists yet. The
// returned cell must stay valid until the next call.
type CellAccessor interface {
	GetOrLoad(ctx context.Context, id CellID) (*Cell, error)
}

// LevelCreator materializes storage for a new hierarchy.
type LevelCreator interface {
	EnsureHierarchy(h uint32) error
}

// InsertStats summarizes what an Inserter has done.
type InsertStats struct {
	Accepted         uint64
	OverflowAccepted uint64
	Cascades         uint64
	Deepest          uint32
}

// Inserter adds points to an index, cascading contended points to finer hierarchies.
type Inserter struct {
	md      *Metadata
	cells   CellAccessor
	levels  LevelCreator
	stats   InsertStats
	pending []pendingPoint
}

type pendingPoint struct {
	p pointcloud.Point
	h uint32
}

// NewInserter returns an inserter that updates md in place.
func NewInserter(md *Metadata, cells CellAccessor, levels LevelCreator) *Inserter {
	return &Inserter{md: md, cells: cells, levels: levels}
}

// SetMaxHierarchies changes the cascade depth limit recorded in the metadata.
func (ins *Inserter) SetMaxHierarchies(n uint32) {
	ins.md.MaxHierarchies = n
}

// Pending is the number of accepted points not yet stored in any cell.
func (ins *Inserter) Pending() int {
	return len(ins.pending)
}

// Flush places points left over from an interrupted cascade. Points that still cannot be placed
// stay pending.
func (ins *Inserter) Flush(ctx context.Context) error {
	if len(ins.pending) == 0 {
		return nil
	}
	rest, _, err := ins.cascade(ctx, ins.pending)
	ins.pending = rest
	if err != nil {
		return errors.Wrapf(err, "%d points still pending", len(rest))
	}
	return nil
}

// Stats returns counters accumulated since construction.
func (ins *Inserter) Stats() InsertStats {
	return ins.stats
}

// Metadata returns the metadata being updated.
func (ins *Inserter) Metadata() *Metadata {
	return ins.md
}

// AddPoints inserts every point starting at hierarchy 0.
func (ins *Inserter) AddPoints(ctx context.Context, pts []pointcloud.Point) error {
	for _, p := range pts {
		if err := ins.AddPoint(ctx, p, 0); err != nil {
			return err
		}
	}
	return nil
}

// AddPoint inserts p starting at hierarchy h. The first point to claim a sub-grid slot keeps it.
// Later points for the same slot wait in the cell's overflow until it fills, at which point the
// overflow is closed and its points, together with the one that did not fit, move one hierarchy
// deeper. Cells in the deepest allowed hierarchy never close their overflow, so a cascade always
// has somewhere to go.
//
// The context is only consulted before any work is done. Once a cascade has started it runs to
// completion unless storage fails, in which case the remaining points are kept for Flush and the
// returned error wraps ErrCascadeDeferred.
func (ins *Inserter) AddPoint(ctx context.Context, p pointcloud.Point, h uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h >= ins.md.MaxHierarchies {
		return errors.Wrapf(ErrHierarchyLimit, "inserting %v at hierarchy %d", p, h)
	}
	if err := ins.Flush(ctx); err != nil {
		return err
	}

	rest, cascaded, err := ins.cascade(ctx, []pendingPoint{{p: p, h: h}})
	if err != nil && !cascaded {
		// Nothing was changed yet.
		return err
	}
	ins.md.NumberOfPoints++
	ins.md.BoundingBox.Extend(p.Pos)
	ins.stats.Accepted++
	if err != nil {
		ins.pending = rest
		return errors.Wrapf(ErrCascadeDeferred, "%d points pending: %v", len(rest), err)
	}
	return nil
}

// cascade drains a worklist of points. On failure it returns the points not yet placed, the
// failing one included, and whether any overflow was closed along the way.
func (ins *Inserter) cascade(ctx context.Context, stack []pendingPoint) ([]pendingPoint, bool, error) {
	cascaded := false
	// A stack processes cascaded points in the order a depth first recursion would.
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		moved, closed, err := ins.place(ctx, next)
		if err != nil {
			return stack, cascaded, err
		}
		stack = stack[:len(stack)-1]
		if !closed {
			continue
		}
		cascaded = true
		deeper := next.h + 1
		stack = append(stack, pendingPoint{p: next.p, h: deeper})
		for i := len(moved) - 1; i >= 0; i-- {
			stack = append(stack, pendingPoint{p: moved[i], h: deeper})
		}
	}
	return nil, cascaded, nil
}

// place tries to store one point at its hierarchy. When the cell cascades, the returned points,
// followed by the point itself, must be placed one hierarchy deeper. A failed call leaves every
// cell untouched.
func (ins *Inserter) place(ctx context.Context, pp pendingPoint) ([]pointcloud.Point, bool, error) {
	for ins.md.Hierarchies <= pp.h {
		if err := ins.levels.EnsureHierarchy(ins.md.Hierarchies); err != nil {
			return nil, false, errors.Wrapf(err, "creating hierarchy %d", ins.md.Hierarchies)
		}
		ins.md.Hierarchies++
	}
	if pp.h > ins.stats.Deepest {
		ins.stats.Deepest = pp.h
	}

	id := ins.md.CellIDFor(pp.p.Pos, pp.h)
	cell, err := ins.cells.GetOrLoad(ctx, id)
	if err != nil {
		return nil, false, errors.Wrapf(err, "getting cell %s", id)
	}

	if cell.Grid.SetBit(ins.md.SubCellSlot(pp.p.Pos, id)) {
		cell.Points = append(cell.Points, pp.p)
		cell.NumberOfPoints++
		return nil, false, nil
	}
	if cell.OverflowOpen() && (*cell.Overflow < ins.md.CellPointOverflowLimit || ins.md.IsDeepestHierarchy(pp.h)) {
		cell.OverflowPoints = append(cell.OverflowPoints, pp.p)
		*cell.Overflow++
		ins.stats.OverflowAccepted++
		return nil, false, nil
	}

	ins.stats.Cascades++
	return cell.closeOverflow(), true, nil
}
