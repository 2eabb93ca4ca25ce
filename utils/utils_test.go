package utils

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

func TestWorkerPool(t *testing.T) {
	results := make(chan int, 16)
	pool := NewWorkerPool(3, 16, func(ctx context.Context, job int) {
		results <- job * 2
	})

	for i := 0; i < 10; i++ {
		test.That(t, pool.Submit(i), test.ShouldBeTrue)
	}
	sum := 0
	for i := 0; i < 10; i++ {
		select {
		case r := <-results:
			sum += r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for worker results")
		}
	}
	test.That(t, sum, test.ShouldEqual, 90)

	pool.Stop()
	test.That(t, pool.Context().Err(), test.ShouldNotBeNil)
	test.That(t, pool.Submit(1), test.ShouldBeFalse)
}

func TestWorkerPoolStopWaitsForRunningJob(t *testing.T) {
	var started, finished atomic.Int32
	pool := NewWorkerPool(1, 1, func(ctx context.Context, job int) {
		started.Add(1)
		<-ctx.Done()
		finished.Add(1)
	})
	test.That(t, pool.Submit(1), test.ShouldBeTrue)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, started.Load(), test.ShouldEqual, int32(1))
	})

	pool.Stop()
	test.That(t, finished.Load(), test.ShouldEqual, int32(1))
	test.That(t, pool.Submit(2), test.ShouldBeFalse)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cell.bin")

	test.That(t, WriteFileAtomic(path, []byte("first"), 0o644), test.ShouldBeNil)
	test.That(t, WriteFileAtomic(path, []byte("second"), 0o644), test.ShouldBeNil)
	rd, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(rd), test.ShouldEqual, "second")

	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(entries), test.ShouldEqual, 1)
}

func TestClamp(t *testing.T) {
	test.That(t, Clamp(5, 0, 3), test.ShouldEqual, 3)
	test.That(t, Clamp(-1, 0, 3), test.ShouldEqual, 0)
	test.That(t, Clamp(2.5, 0.0, 3.0), test.ShouldEqual, 2.5)
	test.That(t, Float64AlmostEqual(DegToRad(180), 3.14159265, 1e-6), test.ShouldBeTrue)
}
