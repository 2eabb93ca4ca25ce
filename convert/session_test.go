package convert

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/lodcloud/cellstore"
	"go.viam.com/lodcloud/config"
	"go.viam.com/lodcloud/logging"
	"go.viam.com/lodcloud/pointcloud"
)

const threePointPCD = `VERSION .7
FIELDS x y z rgb
SIZE 4 4 4 4
TYPE F F F I
COUNT 1 1 1 1
WIDTH 3
HEIGHT 1
VIEWPOINT 0 0 0 1 0 0 0
POINTS 3
DATA ascii
1.5 2 3 16711680
-1 0 0.25 65280
4 5 6 255
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	fn := filepath.Join(dir, name)
	test.That(t, os.WriteFile(fn, []byte(content), 0o600), test.ShouldBeNil)
	return fn
}

func testConfig() config.ConvertConfig {
	cfg := config.Default().Convert
	cfg.BatchSize = 2
	cfg.CacheCapacity = 4
	return cfg
}

func TestRunContinuesPastFailedFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	inDir := t.TempDir()
	outDir := t.TempDir()

	good1 := writeFile(t, inDir, "a.pcd", threePointPCD)
	broken := writeFile(t, inDir, "b.pcd", "this is not a point cloud\n")
	good2 := writeFile(t, inDir, "c.pcd", threePointPCD)
	missing := filepath.Join(inDir, "d.pcd")

	s, err := NewSession(ctx, outDir, testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	var progress []Progress
	s.OnProgress(func(p Progress) { progress = append(progress, p) })

	results, err := s.Run(ctx, []string{good1, broken, good2, missing})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(results), test.ShouldEqual, 4)
	test.That(t, results[0].Err, test.ShouldBeNil)
	test.That(t, results[0].PointsConverted, test.ShouldEqual, uint64(3))
	test.That(t, results[1].Err, test.ShouldNotBeNil)
	test.That(t, results[2].Err, test.ShouldBeNil)
	test.That(t, results[2].PointsConverted, test.ShouldEqual, uint64(3))
	test.That(t, results[3].Err, test.ShouldNotBeNil)
	test.That(t, results[3].Path, test.ShouldEqual, missing)

	// Two batches per good file.
	test.That(t, len(progress), test.ShouldEqual, 4)
	test.That(t, progress[3].FileIndex, test.ShouldEqual, 2)
	test.That(t, progress[3].IndexPoints, test.ShouldEqual, uint64(6))

	store, err := cellstore.NewDirStore(outDir, logger)
	test.That(t, err, test.ShouldBeNil)
	md, err := store.LoadMetadata(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, md.NumberOfPoints, test.ShouldEqual, uint64(6))
	test.That(t, md.Hierarchies, test.ShouldEqual, uint32(1))
	test.That(t, md.BoundingBox.Min.X, test.ShouldEqual, -1.0)
	test.That(t, md.BoundingBox.Max.Z, test.ShouldEqual, 6.0)

	id := md.CellIDFor(pointcloud.NewPoint(0, 0, 0, pointcloud.White).Pos, 0)
	c, err := store.LoadCell(ctx, id, md.SubGridDimension)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.TotalPoints(), test.ShouldEqual, 6)
	test.That(t, c.CheckInvariants(md, id), test.ShouldBeNil)
}

func TestSessionAppendsToExistingIndex(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	inDir := t.TempDir()
	outDir := t.TempDir()
	fn := writeFile(t, inDir, "a.pcd", threePointPCD)

	s, err := NewSession(ctx, outDir, testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = s.Run(ctx, []string{fn})
	test.That(t, err, test.ShouldBeNil)

	cfg := testConfig()
	cfg.SubGridDimension = 16
	s2, err := NewSession(ctx, outDir, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s2.RunID(), test.ShouldNotEqual, s.RunID())
	test.That(t, s2.Metadata().NumberOfPoints, test.ShouldEqual, uint64(3))
	test.That(t, s2.Metadata().SubGridDimension, test.ShouldEqual, uint32(128))

	_, err = s2.Run(ctx, []string{fn})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s2.Metadata().NumberOfPoints, test.ShouldEqual, uint64(6))
}

type failingSource struct {
	pointcloud.BatchedSource
	failAfter uint64
	read      uint64
}

func (f *failingSource) Batch(maxCount int) ([]pointcloud.Point, error) {
	if f.read >= f.failAfter {
		return nil, errors.New("disk on fire")
	}
	pts, err := f.BatchedSource.Batch(maxCount)
	f.read += uint64(len(pts))
	return pts, err
}

func TestRunReportsPartialFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	pts := make([]pointcloud.Point, 10)
	for i := range pts {
		pts[i] = pointcloud.NewPoint(float64(i)*10, 0, 0, color.NRGBA{A: 255})
	}
	s, err := NewSession(ctx, t.TempDir(), testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	s.SetSourceOpener(func(path string, logger logging.Logger) (pointcloud.BatchedSource, error) {
		return &failingSource{BatchedSource: pointcloud.NewSliceSource(pts), failAfter: 4}, nil
	})

	results, err := s.Run(ctx, []string{"fake"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results[0].Err, test.ShouldBeError, errors.New("disk on fire"))
	test.That(t, results[0].PointsConverted, test.ShouldEqual, uint64(4))
	test.That(t, s.Metadata().NumberOfPoints, test.ShouldEqual, uint64(4))
}

func TestRunCanceled(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := NewSession(context.Background(), t.TempDir(), testConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	results, err := s.Run(ctx, []string{"a.pcd", "b.pcd"})
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, len(results), test.ShouldEqual, 2)
	test.That(t, errors.Is(results[1].Err, context.Canceled), test.ShouldBeTrue)
}

func TestNewSessionRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 0
	_, err := NewSession(context.Background(), t.TempDir(), cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
