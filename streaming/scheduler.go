// Package streaming decides, frame by frame, which cells of a converted index must be resident
// for a camera and loads them in the background, nearest first.
package streaming

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"go.viam.com/lodcloud/cellstore"
	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
	"go.viam.com/lodcloud/spatialmath"
	"go.viam.com/lodcloud/utils"
)

// Config tunes a Scheduler.
type Config struct {
	// MaxConcurrentLoads bounds the loads in flight at once.
	MaxConcurrentLoads int
	// MissingCacheSize bounds how many absent cells are remembered.
	MissingCacheSize int
	// StreamingDistanceFactor scales a hierarchy's cell size into its streaming distance.
	StreamingDistanceFactor float64
	// MaxCandidatesPerLevel bounds the cells considered per hierarchy per frame.
	MaxCandidatesPerLevel int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentLoads:      10,
		MissingCacheSize:        1024,
		StreamingDistanceFactor: 4,
		MaxCandidatesPerLevel:   4096,
	}
}

// Validate checks the settings.
func (cfg Config) Validate() error {
	if cfg.MaxConcurrentLoads < 1 {
		return errors.Errorf("max concurrent loads must be positive, got %d", cfg.MaxConcurrentLoads)
	}
	if cfg.MissingCacheSize < 1 {
		return errors.Errorf("missing cell cache size must be positive, got %d", cfg.MissingCacheSize)
	}
	if !(cfg.StreamingDistanceFactor > 0) {
		return errors.Errorf("streaming distance factor must be positive, got %v", cfg.StreamingDistanceFactor)
	}
	if cfg.MaxCandidatesPerLevel < 1 {
		return errors.Errorf("max candidates per level must be positive, got %d", cfg.MaxCandidatesPerLevel)
	}
	return nil
}

type loadRequest struct {
	slot int
	id   lod.CellID
}

type loadResult struct {
	slot int
	id   lod.CellID
	cell *lod.Cell
	err  error
}

// candidate is a visible cell and its squared distance to the camera.
type candidate struct {
	id    lod.CellID
	dist2 float64
}

// FrameStats describes the scheduler state after an Update.
type FrameStats struct {
	Visible  int
	Loaded   int
	InFlight int
	Queued   int
	Missing  int
}

// Scheduler keeps the cells visible from the latest camera resident. Update, Loaded and Cell must
// be called from one goroutine; only the source is used concurrently, by the load workers.
type Scheduler struct {
	md      *lod.Metadata
	source  cellstore.Source
	cfg     Config
	logger  logging.Logger
	metrics *metrics

	loaded      map[lod.CellID]*lod.Cell
	inFlight    map[int]lod.CellID
	inFlightIDs map[lod.CellID]int
	freeSlots   []int
	queue       []candidate
	wanted      map[lod.CellID]struct{}
	missing     *missingCells
	onUnload    func(lod.CellID, *lod.Cell)

	pool    *utils.WorkerPool[loadRequest]
	results chan loadResult
}

// NewScheduler starts the load workers for an index. Metrics are registered on reg when it is
// not nil.
func NewScheduler(
	md *lod.Metadata,
	source cellstore.Source,
	cfg Config,
	reg prometheus.Registerer,
	logger logging.Logger,
) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, errors.Wrap(err, "registering streaming metrics")
	}
	s := &Scheduler{
		md:          md,
		source:      source,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		loaded:      map[lod.CellID]*lod.Cell{},
		inFlight:    map[int]lod.CellID{},
		inFlightIDs: map[lod.CellID]int{},
		wanted:      map[lod.CellID]struct{}{},
		missing:     newMissingCells(cfg.MissingCacheSize),
		// Abandoned loads keep running, so queues leave room for a second round.
		results: make(chan loadResult, 2*cfg.MaxConcurrentLoads),
	}
	for slot := cfg.MaxConcurrentLoads - 1; slot >= 0; slot-- {
		s.freeSlots = append(s.freeSlots, slot)
	}
	s.pool = utils.NewWorkerPool(cfg.MaxConcurrentLoads, 2*cfg.MaxConcurrentLoads, s.load)
	return s, nil
}

// OnUnload sets a function called with each cell that leaves view, so the renderer can release
// whatever it built from it.
func (s *Scheduler) OnUnload(f func(lod.CellID, *lod.Cell)) {
	s.onUnload = f
}

// Loaded returns the ids of the resident cells.
func (s *Scheduler) Loaded() []lod.CellID {
	ids := make([]lod.CellID, 0, len(s.loaded))
	for id := range s.loaded {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// Cell returns a resident cell.
func (s *Scheduler) Cell(id lod.CellID) (*lod.Cell, bool) {
	c, ok := s.loaded[id]
	return c, ok
}

// Stats returns the current queue and residency sizes.
func (s *Scheduler) Stats() FrameStats {
	return FrameStats{
		Visible:  len(s.wanted),
		Loaded:   len(s.loaded),
		InFlight: len(s.inFlight),
		Queued:   len(s.queue),
		Missing:  s.missing.len(),
	}
}

// Update runs one frame for the camera: it works out which cells are visible, releases the ones
// that are not, collects finished loads and starts new ones. It never blocks on I/O and never
// reports a failure for an individual cell.
func (s *Scheduler) Update(ctx context.Context, camera spatialmath.Camera) (FrameStats, error) {
	frustum, err := spatialmath.NewFrustum(camera)
	if err != nil {
		return FrameStats{}, err
	}
	s.apply(ctx, s.visibleCells(frustum))
	return s.Stats(), nil
}

// ResetMissing forgets every cell remembered as absent, e.g. after the index has grown.
func (s *Scheduler) ResetMissing() {
	s.missing.clear()
}

// Close stops the load workers and releases every resident cell.
func (s *Scheduler) Close() error {
	s.pool.Stop()
	for _, id := range s.Loaded() {
		s.unload(id)
	}
	s.metrics.inFlightLoads.Set(0)
	s.metrics.queuedCells.Set(0)
	return nil
}

// visibleCells lists, hierarchy by hierarchy, the cells inside that hierarchy's streaming
// frustum. Coarse hierarchies stream further than fine ones.
func (s *Scheduler) visibleCells(frustum *spatialmath.Frustum) []candidate {
	camera := frustum.Camera()
	var out []candidate
	for h := uint32(0); h < s.md.Hierarchies; h++ {
		far := math.Min(camera.Far, s.cfg.StreamingDistanceFactor*s.md.CellSize(h))
		levelFrustum := frustum.Truncated(far)
		region, ok := levelFrustum.Bounds().Intersect(s.md.BoundingBox)
		if !ok {
			continue
		}
		lo := s.md.CellIndex(region.Min, h)
		hi := s.md.CellIndex(region.Max, h)
		lo, hi = s.limitRange(lo, hi, s.md.CellIndex(camera.Position, h), h)
		for z := lo[2]; z <= hi[2]; z++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for x := lo[0]; x <= hi[0]; x++ {
					id := lod.CellID{Hierarchy: h, Index: lod.IVec3{x, y, z}}
					if levelFrustum.CullsBox(s.md.CellBounds(id)) {
						continue
					}
					out = append(out, candidate{id: id, dist2: distance2(camera.Position, s.md.CellCenter(id))})
				}
			}
		}
	}
	return out
}

// limitRange shrinks an index range holding more than MaxCandidatesPerLevel cells to a cube
// around the camera's cell, clamped into the original range.
func (s *Scheduler) limitRange(lo, hi, around lod.IVec3, h uint32) (lod.IVec3, lod.IVec3) {
	count := 1.0
	for i := 0; i < 3; i++ {
		count *= float64(hi[i]-lo[i]) + 1
	}
	limit := s.cfg.MaxCandidatesPerLevel
	if count <= float64(limit) {
		return lo, hi
	}
	half := int32(math.Cbrt(float64(limit))) / 2
	var newLo, newHi lod.IVec3
	for i := 0; i < 3; i++ {
		c := utils.Clamp(around[i], lo[i], hi[i])
		newLo[i] = utils.Clamp(c-half, lo[i], hi[i])
		newHi[i] = utils.Clamp(c+half, lo[i], hi[i])
	}
	s.logger.Debugw("limiting streaming candidates", "hierarchy", h, "cells", count, "limit", limit)
	return newLo, newHi
}

// apply makes the candidates the wanted set for this frame.
func (s *Scheduler) apply(ctx context.Context, candidates []candidate) {
	wanted := make(map[lod.CellID]struct{}, len(candidates))
	var queue []candidate
	for _, c := range candidates {
		if s.missing.has(c.id) {
			continue
		}
		if _, dup := wanted[c.id]; dup {
			continue
		}
		wanted[c.id] = struct{}{}
		if _, ok := s.loaded[c.id]; ok {
			continue
		}
		if _, ok := s.inFlightIDs[c.id]; ok {
			continue
		}
		queue = append(queue, c)
	}
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].dist2 != queue[j].dist2 {
			return queue[i].dist2 < queue[j].dist2
		}
		return lessID(queue[i].id, queue[j].id)
	})
	s.wanted = wanted
	s.queue = queue

	for _, id := range s.Loaded() {
		if _, ok := wanted[id]; !ok {
			s.unload(id)
		}
	}
	// Loads for cells that left view keep running, but their slots go back to the pool and
	// their results will be discarded.
	for slot, id := range s.inFlight {
		if _, ok := wanted[id]; !ok {
			s.releaseSlot(slot, id)
		}
	}

	s.poll()
	s.dispatch(ctx)

	s.metrics.loadedCells.Set(float64(len(s.loaded)))
	s.metrics.inFlightLoads.Set(float64(len(s.inFlight)))
	s.metrics.queuedCells.Set(float64(len(s.queue)))
}

func (s *Scheduler) unload(id lod.CellID) {
	c := s.loaded[id]
	delete(s.loaded, id)
	s.metrics.unloads.Inc()
	if s.onUnload != nil {
		s.onUnload(id, c)
	}
}

func (s *Scheduler) releaseSlot(slot int, id lod.CellID) {
	delete(s.inFlight, slot)
	delete(s.inFlightIDs, id)
	s.freeSlots = append(s.freeSlots, slot)
}

// poll handles every finished load without waiting for more.
func (s *Scheduler) poll() {
	for {
		select {
		case res, ok := <-s.results:
			if !ok {
				panic("streaming results channel closed")
			}
			s.handleResult(res)
		default:
			return
		}
	}
}

func (s *Scheduler) handleResult(res loadResult) {
	expected, ok := s.inFlight[res.slot]
	if !ok || expected != res.id {
		s.metrics.countLoad(resultStale)
		s.logger.Debugw("discarding stale cell load", "cell", res.id.String(), "slot", res.slot)
		return
	}
	s.releaseSlot(res.slot, res.id)
	if _, ok := s.wanted[res.id]; !ok {
		s.metrics.countLoad(resultStale)
		return
	}

	switch {
	case res.err == nil:
		s.loaded[res.id] = res.cell
		s.metrics.countLoad(resultLoaded)
	case errors.Is(res.err, cellstore.ErrNotFound):
		s.missing.add(res.id)
		s.metrics.countLoad(resultMissing)
	default:
		// Treated as absent for now; the cell is requested again while it stays in view.
		s.logger.Warnw("cannot load cell", "cell", res.id.String(), "error", res.err)
		s.metrics.countLoad(resultFailed)
	}
}

// dispatch starts queued loads, nearest first, while slots are free.
func (s *Scheduler) dispatch(ctx context.Context) {
	next := 0
	for next < len(s.queue) && len(s.freeSlots) > 0 {
		c := s.queue[next]
		if _, ok := s.loaded[c.id]; ok {
			next++
			continue
		}
		if _, ok := s.inFlightIDs[c.id]; ok {
			next++
			continue
		}
		slot := s.freeSlots[len(s.freeSlots)-1]
		if !s.pool.Submit(loadRequest{slot: slot, id: c.id}) {
			// Workers are still busy with abandoned loads; try again next frame.
			break
		}
		s.freeSlots = s.freeSlots[:len(s.freeSlots)-1]
		s.inFlight[slot] = c.id
		s.inFlightIDs[c.id] = slot
		next++
	}
	s.queue = s.queue[next:]
}

// load runs on a worker goroutine.
func (s *Scheduler) load(ctx context.Context, req loadRequest) {
	cell, err := s.source.LoadCell(ctx, req.id, s.md.SubGridDimension)
	select {
	case s.results <- loadResult{slot: req.slot, id: req.id, cell: cell, err: err}:
	case <-ctx.Done():
	}
}

func distance2(a, b r3.Vector) float64 {
	return a.Sub(b).Norm2()
}

func lessID(a, b lod.CellID) bool {
	if a.Hierarchy != b.Hierarchy {
		return a.Hierarchy < b.Hierarchy
	}
	for i := 2; i >= 0; i-- {
		if a.Index[i] != b.Index[i] {
			return a.Index[i] < b.Index[i]
		}
	}
	return false
}

func sortIDs(ids []lod.CellID) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}
