package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

const smallPCD = `VERSION .7
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

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := NewApp(&out, &errOut)
	err := app.RunContext(context.Background(), append([]string{"lodcloud"}, args...))
	return out.String(), err
}

func TestConvertInfoStream(t *testing.T) {
	inDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "index")
	test.That(t, os.WriteFile(filepath.Join(inDir, "scan.pcd"), []byte(smallPCD), 0o600), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(inDir, "notes.txt"), []byte("ignored"), 0o600), test.ShouldBeNil)

	cfgFile := filepath.Join(t.TempDir(), "lodcloud.toml")
	test.That(t, os.WriteFile(cfgFile, []byte("[convert]\nbatch_size = 1\n"), 0o600), test.ShouldBeNil)

	out, err := runApp(t, "--config", cfgFile, "convert", "--out", outDir, inDir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "scan.pcd: 3 points")
	test.That(t, out, test.ShouldContainSubstring, "now holds 3 points in 1 hierarchies")

	out, err = runApp(t, "info", outDir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "points:              3\n")
	test.That(t, out, test.ShouldContainSubstring, "hierarchies:         1\n")
	test.That(t, out, test.ShouldContainSubstring, "sub grid dimension:  128\n")

	out, err = runApp(t, "verify", "--workers", "2", outDir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "is consistent")

	out, err = runApp(t, "stream",
		"--source", outDir,
		"--position", "0,0,-20",
		"--forward", "0,0,1",
		"--far", "1000",
		"--frames", "2000",
		"--frame-interval", "5ms",
		"--until-settled",
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldContainSubstring, "visible 1, loaded 1, in flight 0, queued 0, missing 0")
	test.That(t, out, test.ShouldContainSubstring, "resident points 3")
}

func TestConvertReportsFailedFiles(t *testing.T) {
	outDir := t.TempDir()
	out, err := runApp(t, "convert", "--out", outDir, filepath.Join(outDir, "nope.pcd"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "1 of 1 files failed")
	test.That(t, out, test.ShouldContainSubstring, "FAILED")
}

func TestInfoMissingIndex(t *testing.T) {
	_, err := runApp(t, "info", t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBadFlags(t *testing.T) {
	_, err := runApp(t, "convert", "--out", t.TempDir())
	test.That(t, err, test.ShouldBeError, "no input files given")

	_, err = runApp(t, "stream", "--source", t.TempDir(), "--position", "1,2")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must be X,Y,Z")

	_, err = runApp(t, "stream", "--source", t.TempDir(), "--near", "5", "--far", "1")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseVector(t *testing.T) {
	v, err := parseVector(" 1, -2.5,3e2")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.X, test.ShouldEqual, 1.0)
	test.That(t, v.Y, test.ShouldEqual, -2.5)
	test.That(t, v.Z, test.ShouldEqual, 300.0)

	_, err = parseVector("a,b,c")
	test.That(t, err, test.ShouldNotBeNil)
}
