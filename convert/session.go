// Package convert turns point cloud files into an on-disk level of detail index.
package convert

import (
	"context"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"go.viam.com/lodcloud/cellstore"
	"go.viam.com/lodcloud/config"
	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
	"go.viam.com/lodcloud/pointcloud"
)

// FileResult is the outcome of converting one input file. Err is nil on success; otherwise
// PointsConverted counts the points added before the failure.
type FileResult struct {
	Path            string
	PointsConverted uint64
	Err             error
}

// Progress is reported after every batch.
type Progress struct {
	Path           string
	FileIndex      int
	FileCount      int
	PointsDone     uint64
	PointsTotal    uint64
	IndexPoints    uint64
	IndexHierarchy uint32
}

// SourceOpener opens an input file. pointcloud.NewSourceFromFile is used unless replaced.
type SourceOpener func(path string, logger logging.Logger) (pointcloud.BatchedSource, error)

// Session converts files into one index directory. Files are appended to whatever the
// directory already holds. A session must not be used concurrently and the directory must not
// be read while a session is open.
type Session struct {
	runID    uuid.UUID
	cfg      config.ConvertConfig
	store    *cellstore.DirStore
	cache    *cellstore.WriteCache
	md       *lod.Metadata
	inserter *lod.Inserter
	logger   logging.Logger

	open        SourceOpener
	onProgress  func(Progress)
	progressLog *rate.Sometimes
}

// NewSession opens or creates the index in outDir.
func NewSession(ctx context.Context, outDir string, cfg config.ConvertConfig, logger logging.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	runID := uuid.New()
	logger = logger.Sublogger("convert")
	store, err := cellstore.NewDirStore(outDir, logger)
	if err != nil {
		return nil, err
	}

	md, err := store.LoadMetadata(ctx)
	switch {
	case err == nil:
		logger.Infow("appending to existing index", "run", runID.String(), "dir", outDir,
			"points", humanize.Comma(int64(md.NumberOfPoints)), "hierarchies", md.Hierarchies)
		if md.SubGridDimension != cfg.SubGridDimension || md.MaxCellSize != cfg.MaxCellSize ||
			md.MaxHierarchies != cfg.MaxHierarchies {
			logger.Warnw("index parameters differ from configuration, keeping the index's",
				"sub_grid_dimension", md.SubGridDimension, "max_cell_size", md.MaxCellSize,
				"max_hierarchies", md.MaxHierarchies)
		}
	case errors.Is(err, cellstore.ErrNotFound):
		md = cfg.Metadata()
		logger.Infow("creating index", "run", runID.String(), "dir", outDir,
			"sub_grid_dimension", md.SubGridDimension, "max_cell_size", md.MaxCellSize)
	default:
		return nil, errors.Wrapf(err, "reading index metadata in %q", outDir)
	}

	cache, err := cellstore.NewWriteCache(store, md.SubGridDimension, cfg.CacheCapacity, logger)
	if err != nil {
		return nil, err
	}
	inserter := lod.NewInserter(md, cache, store)
	return &Session{
		runID:       runID,
		cfg:         cfg,
		store:       store,
		cache:       cache,
		md:          md,
		inserter:    inserter,
		logger:      logger,
		open:        pointcloud.NewSourceFromFile,
		// At most one progress line per interval however small the batches are.
		progressLog: &rate.Sometimes{Interval: 5 * time.Second},
	}, nil
}

// RunID identifies the session in logs.
func (s *Session) RunID() uuid.UUID {
	return s.runID
}

// Metadata is the index metadata as updated so far.
func (s *Session) Metadata() *lod.Metadata {
	return s.md
}

// SetSourceOpener replaces how input files are opened.
func (s *Session) SetSourceOpener(open SourceOpener) {
	s.open = open
}

// OnProgress sets a function called after every batch.
func (s *Session) OnProgress(f func(Progress)) {
	s.onProgress = f
}

// Run converts the files in order. A file that fails is reported in its result and the next file
// is still converted. Cells and metadata are written out at the end even when files failed; the
// returned error only reports that final write or cancellation. If points displaced by an
// interrupted cascade still cannot be placed, the cells are flushed but the metadata is left as it
// was so it never counts points no cell holds.
func (s *Session) Run(ctx context.Context, files []string) ([]FileResult, error) {
	start := time.Now()
	results := make([]FileResult, 0, len(files))
	for i, fn := range files {
		if ctx.Err() != nil {
			results = append(results, FileResult{Path: fn, Err: ctx.Err()})
			continue
		}
		res := s.convertFile(ctx, i, len(files), fn)
		if res.Err != nil {
			s.logger.Errorw("conversion failed", "run", s.runID.String(), "file", fn,
				"converted", humanize.Comma(int64(res.PointsConverted)), "error", res.Err)
		}
		results = append(results, res)
	}

	var closeErr error
	if flushErr := s.inserter.Flush(context.Background()); flushErr != nil {
		closeErr = multierr.Combine(
			errors.Wrap(flushErr, "placing cascaded points, metadata not written"),
			s.cache.Flush(),
		)
	} else {
		closeErr = s.cache.Close(s.md)
	}
	failed := lo.Filter(results, func(r FileResult, _ int) bool { return r.Err != nil })
	converted := lo.SumBy(results, func(r FileResult) uint64 { return r.PointsConverted })
	stats := s.inserter.Stats()
	cacheStats := s.cache.Stats()
	s.logger.Infow("conversion finished",
		"run", s.runID.String(),
		"files", len(files),
		"failed", len(failed),
		"points", humanize.Comma(int64(converted)),
		"index_points", humanize.Comma(int64(s.md.NumberOfPoints)),
		"hierarchies", s.md.Hierarchies,
		"cascades", stats.Cascades,
		"cell_saves", cacheStats.Saves,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	if closeErr != nil {
		return results, errors.Wrap(closeErr, "writing index")
	}
	return results, ctx.Err()
}

func (s *Session) convertFile(ctx context.Context, index, count int, fn string) FileResult {
	res := FileResult{Path: fn}
	if info, err := os.Stat(fn); err == nil {
		s.logger.Infow("converting", "run", s.runID.String(), "file", fn, "size", humanize.Bytes(uint64(info.Size())))
	}
	src, err := s.open(fn, s.logger)
	if err != nil {
		res.Err = errors.Wrapf(err, "opening %q", fn)
		return res
	}
	defer func() {
		if err := src.Close(); err != nil {
			s.logger.Warnw("cannot close source", "file", fn, "error", err)
		}
	}()

	total := src.TotalPoints()
	for src.RemainingPoints() > 0 {
		batch, err := src.Batch(s.cfg.BatchSize)
		for _, p := range batch {
			if addErr := s.inserter.AddPoint(ctx, p, 0); addErr != nil {
				if errors.Is(addErr, lod.ErrCascadeDeferred) {
					res.PointsConverted++
				}
				res.Err = addErr
				return res
			}
			res.PointsConverted++
		}
		if err != nil {
			res.Err = err
			return res
		}
		if len(batch) == 0 {
			break
		}
		s.progressLog.Do(func() {
			s.logger.Infow("progress", "file", fn,
				"done", humanize.Comma(int64(res.PointsConverted)), "total", humanize.Comma(int64(total)),
				"index_points", humanize.Comma(int64(s.md.NumberOfPoints)), "hierarchies", s.md.Hierarchies)
		})
		if s.onProgress != nil {
			s.onProgress(Progress{
				Path:           fn,
				FileIndex:      index,
				FileCount:      count,
				PointsDone:     res.PointsConverted,
				PointsTotal:    total,
				IndexPoints:    s.md.NumberOfPoints,
				IndexHierarchy: s.md.Hierarchies,
			})
		}
	}
	if res.PointsConverted != total {
		s.logger.Warnw("source ended early", "file", fn, "declared", total, "read", res.PointsConverted)
	}
	return res
}
