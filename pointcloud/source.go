package pointcloud

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/logging"
)

// BatchedSource produces the points of one input file a batch at a time, so arbitrarily large
// clouds can be converted without holding them in memory.
type BatchedSource interface {
	// TotalPoints is the number of points the source declares.
	TotalPoints() uint64
	// RemainingPoints is the number of points not yet returned by Batch.
	RemainingPoints() uint64
	// Batch returns up to maxCount points. It may return fewer. An empty batch with no
	// remaining points signals the end of the source.
	Batch(maxCount int) ([]Point, error)
	// Close releases the underlying file.
	Close() error
}

// NewSourceFromFile opens a batched source for the given file, choosing a reader by extension.
func NewSourceFromFile(fn string, logger logging.Logger) (BatchedSource, error) {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".pcd":
		return NewPCDSource(fn, logger)
	case ".las":
		return NewLASSource(fn, logger)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// SupportedExtension reports whether NewSourceFromFile has a reader for the file.
func SupportedExtension(fn string) bool {
	switch strings.ToLower(filepath.Ext(fn)) {
	case ".pcd", ".las":
		return true
	default:
		return false
	}
}

type sliceSource struct {
	points []Point
	next   int
}

// NewSliceSource returns a source over points already in memory.
func NewSliceSource(points []Point) BatchedSource {
	return &sliceSource{points: points}
}

func (s *sliceSource) TotalPoints() uint64 {
	return uint64(len(s.points))
}

func (s *sliceSource) RemainingPoints() uint64 {
	return uint64(len(s.points) - s.next)
}

func (s *sliceSource) Batch(maxCount int) ([]Point, error) {
	end := s.next + maxCount
	if end > len(s.points) {
		end = len(s.points)
	}
	batch := s.points[s.next:end]
	s.next = end
	return batch, nil
}

func (s *sliceSource) Close() error {
	return nil
}
