package cellstore

import (
	"context"
	"sort"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
)

// HierarchyReport summarizes the cells of one hierarchy.
type HierarchyReport struct {
	Hierarchy      uint32
	Cells          int
	Points         uint64
	MeanPoints     float64
	MaxPoints      float64
	ClosedOverflow int
}

// VerifyReport is the result of Verify. Problems lists every cell that could not be read or
// breaks a cell invariant, and a point total that disagrees with the metadata.
type VerifyReport struct {
	Hierarchies []HierarchyReport
	Cells       uint64
	Points      uint64
	Problems    []error
}

// Err combines the problems into one error, or returns nil when there are none.
func (r *VerifyReport) Err() error {
	return multierr.Combine(r.Problems...)
}

// Verify reads every cell of the index in store with up to workers reads at once and checks
// it against md. The returned error is only set when the walk itself could not complete.
func Verify(ctx context.Context, store *DirStore, md *lod.Metadata, workers int, logger logging.Logger) (*VerifyReport, error) {
	if workers < 1 {
		workers = 1
	}
	var (
		cells  = atomic.NewUint64(0)
		points = atomic.NewUint64(0)

		mu       sync.Mutex
		problems []error
		counts   = make([][]float64, md.Hierarchies)
		closed   = make([]int, md.Hierarchies)
	)
	addProblem := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		problems = append(problems, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for h := uint32(0); h < md.Hierarchies; h++ {
		ids, err := store.ListCells(h)
		if err != nil {
			return nil, multierr.Combine(errors.Wrapf(err, "listing hierarchy %d", h), g.Wait())
		}
		for _, id := range ids {
			id := id
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				c, err := store.LoadCell(gctx, id, md.SubGridDimension)
				if err == nil {
					err = c.CheckInvariants(md, id)
				}
				if err != nil {
					logger.Debugw("bad cell", "cell", id.String(), "error", err)
					addProblem(errors.Wrapf(err, "cell %s", id))
					return nil
				}
				n := c.TotalPoints()
				cells.Inc()
				points.Add(uint64(n))
				mu.Lock()
				counts[id.Hierarchy] = append(counts[id.Hierarchy], float64(n))
				if !c.OverflowOpen() {
					closed[id.Hierarchy]++
				}
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &VerifyReport{Cells: cells.Load(), Points: points.Load(), Problems: problems}
	for h := range counts {
		hr := HierarchyReport{Hierarchy: uint32(h), Cells: len(counts[h]), ClosedOverflow: closed[h]}
		if len(counts[h]) > 0 {
			sum, _ := stats.Sum(counts[h])
			hr.Points = uint64(sum)
			hr.MeanPoints, _ = stats.Mean(counts[h])
			hr.MaxPoints, _ = stats.Max(counts[h])
		}
		report.Hierarchies = append(report.Hierarchies, hr)
	}
	sort.Slice(report.Problems, func(i, j int) bool {
		return report.Problems[i].Error() < report.Problems[j].Error()
	})
	if len(problems) == 0 && report.Points != md.NumberOfPoints {
		report.Problems = append(report.Problems, errors.Errorf(
			"cells hold %d points but metadata records %d", report.Points, md.NumberOfPoints))
	}
	return report, nil
}
