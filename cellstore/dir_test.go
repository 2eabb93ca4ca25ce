package cellstore

import (
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/lodcloud/lod"
	"go.viam.com/lodcloud/logging"
	"go.viam.com/lodcloud/pointcloud"
)

func writeRaw(root, key string, data []byte) error {
	fn := filepath.Join(root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fn), 0o750); err != nil {
		return err
	}
	return os.WriteFile(fn, data, 0o600)
}

func TestLayout(t *testing.T) {
	id := lod.CellID{Hierarchy: 3, Index: lod.IVec3{-1, 0, 12}}
	test.That(t, CellKey(id), test.ShouldEqual, "h_3/c_-1_0_12.bin")
	test.That(t, CellPath("/data/idx", id), test.ShouldEqual, filepath.Join("/data/idx", "h_3", "c_-1_0_12.bin"))
	test.That(t, HierarchyPath("/data/idx", 0), test.ShouldEqual, filepath.Join("/data/idx", "h_0"))
	test.That(t, MetadataPath("/data/idx"), test.ShouldEqual, filepath.Join("/data/idx", "metadata.json"))
}

// buildIndex writes a small index with one cell and returns it.
func buildIndex(t *testing.T, dir string) (*lod.Metadata, lod.CellID, *lod.Cell) {
	t.Helper()
	ds, err := NewDirStore(dir, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	md := lod.DefaultMetadata()
	md.SubGridDimension = 4
	id := lod.CellID{Hierarchy: 1, Index: lod.IVec3{2, -3, 0}}
	c := lod.NewCell(md.SubGridDimension)
	center := md.CellCenter(id)
	for i := 0; i < 3; i++ {
		p := pointcloud.NewPoint(center.X-float64(i)*125, center.Y, center.Z, color.NRGBA{uint8(i), 0, 0, 255})
		test.That(t, c.Grid.SetBit(md.SubCellSlot(p.Pos, id)), test.ShouldBeTrue)
		c.Points = append(c.Points, p)
		c.NumberOfPoints++
		md.BoundingBox.Extend(p.Pos)
	}
	md.Hierarchies = 2
	md.NumberOfPoints = 3

	test.That(t, ds.EnsureHierarchy(0), test.ShouldBeNil)
	test.That(t, ds.SaveCell(id, c), test.ShouldBeNil)
	test.That(t, ds.SaveMetadata(md), test.ShouldBeNil)
	return md, id, c
}

func checkSource(t *testing.T, src Source, md *lod.Metadata, id lod.CellID, want *lod.Cell) {
	t.Helper()
	ctx := context.Background()
	readMD, err := src.LoadMetadata(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, readMD, test.ShouldResemble, md)

	c, err := src.LoadCell(ctx, id, md.SubGridDimension)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Points, test.ShouldResemble, want.Points)
	test.That(t, c.Grid.Equal(want.Grid), test.ShouldBeTrue)
	test.That(t, c.CheckInvariants(md, id), test.ShouldBeNil)

	_, err = src.LoadCell(ctx, lod.CellID{Hierarchy: 1, Index: lod.IVec3{9, 9, 9}}, md.SubGridDimension)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestDirStore(t *testing.T) {
	dir := t.TempDir()
	md, id, c := buildIndex(t, dir)

	_, err := os.Stat(filepath.Join(dir, "h_0"))
	test.That(t, err, test.ShouldBeNil)
	src, err := OpenSource(context.Background(), dir, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer src.Close()
	checkSource(t, src, md, id, c)

	empty, err := NewDirStore(filepath.Join(dir, "other"), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = empty.LoadMetadata(context.Background())
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeTrue)
}

func TestDirStoreMalformedCell(t *testing.T) {
	dir := t.TempDir()
	logger, logs := logging.NewObservedTestLogger(t)
	ds, err := NewDirStore(dir, logger)
	test.That(t, err, test.ShouldBeNil)
	id := lod.CellID{Index: lod.IVec3{1, 1, 1}}
	test.That(t, writeRaw(dir, CellKey(id), []byte{0, 0, 0, 1, 9}), test.ShouldBeNil)

	_, err = ds.LoadCell(context.Background(), id, 2)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeFalse)
	test.That(t, logs.FilterMessage("cannot decode cell").Len(), test.ShouldEqual, 1)
}

func TestHTTPSource(t *testing.T) {
	dir := t.TempDir()
	md, id, c := buildIndex(t, dir)
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer srv.Close()

	src, err := OpenSource(context.Background(), srv.URL+"/", logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, ok := src.(*HTTPSource)
	test.That(t, ok, test.ShouldBeTrue)
	defer src.Close()
	checkSource(t, src, md, id, c)
}

func TestHTTPSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := NewHTTPSource(srv.URL, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	_, err = src.LoadCell(context.Background(), lod.CellID{}, 2)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrNotFound), test.ShouldBeFalse)
	test.That(t, err.Error(), test.ShouldContainSubstring, "500")

	_, err = NewHTTPSource("ftp://example.com", nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBucketSource(t *testing.T) {
	dir := t.TempDir()
	md, id, c := buildIndex(t, dir)

	src, err := NewBucketSource(context.Background(), "file://"+filepath.ToSlash(dir), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer src.Close()
	checkSource(t, src, md, id, c)
}

func TestOpenSourceSchemes(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	src, err := OpenSource(ctx, "file:///tmp/index", logger)
	test.That(t, err, test.ShouldBeNil)
	ds, ok := src.(*DirStore)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ds.Root(), test.ShouldEqual, "/tmp/index")

	src, err = OpenSource(ctx, "https://example.com/clouds/a", logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok = src.(*HTTPSource)
	test.That(t, ok, test.ShouldBeTrue)

	_, err = OpenSource(ctx, "nosuchscheme://bucket/index", logger)
	test.That(t, err, test.ShouldNotBeNil)
}
