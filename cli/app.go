// Package cli contains the lodcloud command line application.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/lodcloud/cellstore"
	"go.viam.com/lodcloud/config"
	"go.viam.com/lodcloud/convert"
	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
	"go.viam.com/lodcloud/pointcloud"
	"go.viam.com/lodcloud/spatialmath"
	"go.viam.com/lodcloud/streaming"
	"go.viam.com/lodcloud/utils"
)

const (
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"

	convertFlagOut           = "out"
	convertFlagBatchSize     = "batch-size"
	convertFlagCacheCapacity = "cache-capacity"

	verifyFlagWorkers = "workers"

	streamFlagSource        = "source"
	streamFlagPosition      = "position"
	streamFlagForward       = "forward"
	streamFlagUp            = "up"
	streamFlagFOV           = "fov"
	streamFlagAspect        = "aspect"
	streamFlagNear          = "near"
	streamFlagFar           = "far"
	streamFlagFrames        = "frames"
	streamFlagFrameInterval = "frame-interval"
	streamFlagUntilSettled  = "until-settled"
	streamFlagMetrics       = "metrics-address"
)

// appState is shared by the commands of one app run.
type appState struct {
	cfg       *config.Config
	logger    logging.Logger
	logCloser io.Closer
}

// NewApp returns a new app with the lodcloud commands, Writer set to out, and ErrWriter set to
// errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	state := &appState{}
	return &cli.App{
		Name:            "lodcloud",
		Usage:           "build and stream level of detail point cloud indexes",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    generalFlagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: state.before,
		After:  state.after,
		Commands: []*cli.Command{
			{
				Name:      "convert",
				Usage:     "add point cloud files to an index, creating it if needed",
				ArgsUsage: "<file or directory>...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     convertFlagOut,
						Aliases:  []string{"o"},
						Usage:    "index `DIR`",
						Required: true,
					},
					&cli.IntFlag{
						Name:  convertFlagBatchSize,
						Usage: "points read from a file at a time (overrides config)",
					},
					&cli.IntFlag{
						Name:  convertFlagCacheCapacity,
						Usage: "cells held in memory while converting (overrides config)",
					},
				},
				Action: state.convertAction,
			},
			{
				Name:      "info",
				Usage:     "print the metadata of an index",
				ArgsUsage: "<directory or url>",
				Action:    state.infoAction,
			},
			{
				Name:      "verify",
				Usage:     "read every cell of a local index and check it",
				ArgsUsage: "<directory>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  verifyFlagWorkers,
						Usage: "cells read at once",
						Value: runtime.NumCPU(),
					},
				},
				Action: state.verifyAction,
			},
			{
				Name:  "stream",
				Usage: "stream an index from a fixed camera without rendering and report residency",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     streamFlagSource,
						Usage:    "index directory, http(s) url or bucket url",
						Required: true,
					},
					&cli.StringFlag{
						Name:  streamFlagPosition,
						Usage: "camera position `X,Y,Z`",
						Value: "0,0,0",
					},
					&cli.StringFlag{
						Name:  streamFlagForward,
						Usage: "camera view direction `X,Y,Z`",
						Value: "0,0,1",
					},
					&cli.StringFlag{
						Name:  streamFlagUp,
						Usage: "camera up direction `X,Y,Z`",
						Value: "0,1,0",
					},
					&cli.Float64Flag{
						Name:  streamFlagFOV,
						Usage: "vertical field of view in degrees",
						Value: 60,
					},
					&cli.Float64Flag{
						Name:  streamFlagAspect,
						Usage: "viewport width over height",
						Value: 16.0 / 9.0,
					},
					&cli.Float64Flag{
						Name:  streamFlagNear,
						Usage: "near clip distance",
						Value: 0.1,
					},
					&cli.Float64Flag{
						Name:  streamFlagFar,
						Usage: "far clip distance",
						Value: 10000,
					},
					&cli.IntFlag{
						Name:  streamFlagFrames,
						Usage: "number of frames to run",
						Value: 600,
					},
					&cli.DurationFlag{
						Name:  streamFlagFrameInterval,
						Usage: "time between frames",
						Value: 16 * time.Millisecond,
					},
					&cli.BoolFlag{
						Name:  streamFlagUntilSettled,
						Usage: "stop as soon as nothing is queued or loading",
					},
					&cli.StringFlag{
						Name:  streamFlagMetrics,
						Usage: "serve prometheus metrics on `ADDRESS` (overrides config)",
					},
				},
				Action: state.streamAction,
			},
		},
	}
}

func (st *appState) before(c *cli.Context) error {
	cfg := config.Default()
	if fn := c.String(generalFlagConfig); fn != "" {
		var err error
		cfg, err = config.LoadFile(fn)
		if err != nil {
			return err
		}
	}
	st.cfg = cfg
	st.logger, st.logCloser = cfg.Log.NewLogger("lodcloud", c.Bool(generalFlagDebug))
	return nil
}

func (st *appState) after(c *cli.Context) error {
	if st.logger == nil {
		return nil
	}
	goutils.UncheckedError(st.logger.Sync())
	return st.logCloser.Close()
}

func (st *appState) convertAction(c *cli.Context) error {
	cfg := st.cfg.Convert
	if c.IsSet(convertFlagBatchSize) {
		cfg.BatchSize = c.Int(convertFlagBatchSize)
	}
	if c.IsSet(convertFlagCacheCapacity) {
		cfg.CacheCapacity = c.Int(convertFlagCacheCapacity)
	}
	files, err := expandInputs(c.Args().Slice())
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no input files given")
	}

	session, err := convert.NewSession(c.Context, c.String(convertFlagOut), cfg, st.logger)
	if err != nil {
		return err
	}
	session.OnProgress(func(p convert.Progress) {
		st.logger.Debugw("progress",
			"file", fmt.Sprintf("%d/%d", p.FileIndex+1, p.FileCount),
			"points", fmt.Sprintf("%s/%s", humanize.Comma(int64(p.PointsDone)), humanize.Comma(int64(p.PointsTotal))),
			"hierarchies", p.IndexHierarchy)
	})
	results, err := session.Run(c.Context, files)
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(c.App.Writer, "FAILED %s after %s points: %v\n", r.Path, humanize.Comma(int64(r.PointsConverted)), r.Err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "ok     %s: %s points\n", r.Path, humanize.Comma(int64(r.PointsConverted)))
	}
	if err != nil {
		return err
	}
	md := session.Metadata()
	fmt.Fprintf(c.App.Writer, "index %s now holds %s points in %d hierarchies\n",
		c.String(convertFlagOut), humanize.Comma(int64(md.NumberOfPoints)), md.Hierarchies)

	failed := lo.CountBy(results, func(r convert.FileResult) bool { return r.Err != nil })
	if failed > 0 {
		return errors.Errorf("%d of %d files failed to convert", failed, len(results))
	}
	return nil
}

// expandInputs replaces directories with the supported files directly inside them.
func expandInputs(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil || !info.IsDir() {
			// A missing file is reported by the conversion itself.
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && pointcloud.SupportedExtension(e.Name()) {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	return files, nil
}

func (st *appState) infoAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("info needs exactly one index directory or url")
	}
	src, err := cellstore.OpenSource(c.Context, c.Args().First(), st.logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(src.Close)
	md, err := src.LoadMetadata(c.Context)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "source:              %s\n", c.Args().First())
	fmt.Fprintf(w, "format version:      %d\n", md.FormatVersion)
	fmt.Fprintf(w, "points:              %s\n", humanize.Comma(int64(md.NumberOfPoints)))
	fmt.Fprintf(w, "hierarchies:         %d\n", md.Hierarchies)
	fmt.Fprintf(w, "max hierarchies:     %d\n", md.MaxHierarchies)
	fmt.Fprintf(w, "cell point limit:    %s (+%s overflow)\n",
		humanize.Comma(int64(md.CellPointLimit)), humanize.Comma(int64(md.CellPointOverflowLimit)))
	fmt.Fprintf(w, "sub grid dimension:  %d\n", md.SubGridDimension)
	if md.BoundingBox.IsEmpty() {
		fmt.Fprintf(w, "bounding box:        empty\n")
	} else {
		fmt.Fprintf(w, "bounding box:        %s\n", md.BoundingBox)
	}
	for h := uint32(0); h < md.Hierarchies; h++ {
		fmt.Fprintf(w, "  h_%-3d cell size %s\n", h, humanize.Ftoa(md.CellSize(h)))
	}
	return nil
}

func (st *appState) verifyAction(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return errors.New("verify needs exactly one index directory")
	}
	dir := c.Args().First()
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	store, err := cellstore.NewDirStore(dir, st.logger)
	if err != nil {
		return err
	}
	md, err := store.LoadMetadata(c.Context)
	if err != nil {
		return err
	}
	report, err := cellstore.Verify(c.Context, store, md, c.Int(verifyFlagWorkers), st.logger)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Hierarchy", "Cell size", "Cells", "Points", "Mean/cell", "Max/cell", "Overflow closed"})
	for _, hr := range report.Hierarchies {
		t.AppendRow(table.Row{
			hr.Hierarchy,
			humanize.Ftoa(md.CellSize(hr.Hierarchy)),
			humanize.Comma(int64(hr.Cells)),
			humanize.Comma(int64(hr.Points)),
			humanize.FtoaWithDigits(hr.MeanPoints, 1),
			humanize.Comma(int64(hr.MaxPoints)),
			hr.ClosedOverflow,
		})
	}
	t.AppendFooter(table.Row{"", "", humanize.Comma(int64(report.Cells)), humanize.Comma(int64(report.Points)), "", "", ""})
	t.Render()

	for _, p := range report.Problems {
		fmt.Fprintf(c.App.Writer, "problem: %v\n", p)
	}
	if len(report.Problems) > 0 {
		return errors.Errorf("%d problems found in %s", len(report.Problems), dir)
	}
	fmt.Fprintf(c.App.Writer, "index %s is consistent\n", dir)
	return nil
}

func parseVector(s string) (r3.Vector, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return r3.Vector{}, errors.Errorf("vector %q must be X,Y,Z", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return r3.Vector{}, errors.Wrapf(err, "vector %q", s)
		}
		v[i] = f
	}
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}, nil
}

func cameraFromFlags(c *cli.Context) (spatialmath.Camera, error) {
	var cam spatialmath.Camera
	var err error
	if cam.Position, err = parseVector(c.String(streamFlagPosition)); err != nil {
		return cam, err
	}
	if cam.Forward, err = parseVector(c.String(streamFlagForward)); err != nil {
		return cam, err
	}
	if cam.Up, err = parseVector(c.String(streamFlagUp)); err != nil {
		return cam, err
	}
	cam.FovY = utils.DegToRad(c.Float64(streamFlagFOV))
	cam.Aspect = c.Float64(streamFlagAspect)
	cam.Near = c.Float64(streamFlagNear)
	cam.Far = c.Float64(streamFlagFar)
	return cam, cam.Validate()
}

func (st *appState) streamAction(c *cli.Context) error {
	scfg := st.cfg.Stream
	if c.IsSet(streamFlagMetrics) {
		scfg.MetricsAddress = c.String(streamFlagMetrics)
	}
	cam, err := cameraFromFlags(c)
	if err != nil {
		return err
	}

	src, err := cellstore.OpenSource(c.Context, c.String(streamFlagSource), st.logger)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(src.Close)
	md, err := src.LoadMetadata(c.Context)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	if scfg.MetricsAddress != "" {
		defer serveMetrics(scfg.MetricsAddress, reg, st.logger)()
	}

	sched, err := streaming.NewScheduler(md, src, scfg.SchedulerConfig(), reg, st.logger.Sublogger("streaming"))
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(sched.Close)

	var unloads int
	sched.OnUnload(func(lod.CellID, *lod.Cell) { unloads++ })

	stats, err := runFrames(c.Context, sched, cam, c.Int(streamFlagFrames), c.Duration(streamFlagFrameInterval),
		c.Bool(streamFlagUntilSettled))
	if err != nil {
		return err
	}
	var residentPoints int
	for _, id := range sched.Loaded() {
		if cell, ok := sched.Cell(id); ok {
			residentPoints += cell.TotalPoints()
		}
	}
	fmt.Fprintf(c.App.Writer, "visible %d, loaded %d, in flight %d, queued %d, missing %d\n",
		stats.Visible, stats.Loaded, stats.InFlight, stats.Queued, stats.Missing)
	fmt.Fprintf(c.App.Writer, "resident points %s, unloaded %d cells\n", humanize.Comma(int64(residentPoints)), unloads)
	return nil
}

func runFrames(
	ctx context.Context,
	sched *streaming.Scheduler,
	cam spatialmath.Camera,
	frames int,
	interval time.Duration,
	untilSettled bool,
) (streaming.FrameStats, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var stats streaming.FrameStats
	for i := 0; i < frames; i++ {
		var err error
		stats, err = sched.Update(ctx, cam)
		if err != nil {
			return stats, err
		}
		if untilSettled && stats.Queued == 0 && stats.InFlight == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-ticker.C:
		}
	}
	return stats, nil
}

// serveMetrics serves reg until the returned function is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Infow("serving metrics", "address", addr)
	goutils.PanicCapturingGo(func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server stopped", "error", err)
		}
	})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		goutils.UncheckedError(srv.Shutdown(ctx))
	}
}
