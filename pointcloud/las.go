package pointcloud

import (
	"fmt"
	"image/color"

	"github.com/edaniels/lidario"

	"go.viam.com/lodcloud/logging"
)

// Positions beyond this magnitude cannot be stored as float32 without visible loss.
const maxPreciseFloat32 = float64(1 << 24)

type lasSource struct {
	lf      *lidario.LasFile
	next    int
	total   int
	colored bool
	warned  bool
	logger  logging.Logger
}

// NewLASSource opens a LAS file. Point formats carrying RGB keep their color; others are white.
func NewLASSource(fn string, logger logging.Logger) (BatchedSource, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	switch lf.Header.PointFormatID {
	case 2, 3, 5:
		return &lasSource{lf: lf, total: lf.Header.NumberPoints, colored: true, logger: logger}, nil
	default:
		return &lasSource{lf: lf, total: lf.Header.NumberPoints, logger: logger}, nil
	}
}

func (s *lasSource) TotalPoints() uint64 {
	return uint64(s.total)
}

func (s *lasSource) RemainingPoints() uint64 {
	return uint64(s.total - s.next)
}

func (s *lasSource) Batch(maxCount int) ([]Point, error) {
	end := s.next + maxCount
	if end > s.total {
		end = s.total
	}
	batch := make([]Point, 0, end-s.next)
	for ; s.next < end; s.next++ {
		p, err := s.lf.LasPoint(s.next)
		if err != nil {
			return batch, err
		}
		data := p.PointData()
		x, y, z := data.X, data.Y, data.Z
		if !s.warned && (abs(x) > maxPreciseFloat32 || abs(y) > maxPreciseFloat32 || abs(z) > maxPreciseFloat32) {
			s.warned = true
			s.logger.Warnw("potential floating point lossiness for LAS point",
				"point", fmt.Sprintf("(%f, %f, %f)", x, y, z), "limit", maxPreciseFloat32)
		}

		c := White
		if rgb := p.RgbData(); s.colored && rgb != nil {
			c = color.NRGBA{uint8(rgb.Red / 256), uint8(rgb.Green / 256), uint8(rgb.Blue / 256), 255}
		}
		batch = append(batch, NewPoint(x, y, z, c))
	}
	return batch, nil
}

func (s *lasSource) Close() error {
	return s.lf.Close()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
