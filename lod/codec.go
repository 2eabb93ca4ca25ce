package lod

import (
	"bufio"
	"encoding/binary"
	"image/color"
	"io"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/lodcloud/pointcloud"
)

// PointRecordSize is the encoded size of one point: three float32 coordinates and RGBA.
const PointRecordSize = 16

// ErrMalformedCell is wrapped by errors for cell data that cannot be decoded.
var ErrMalformedCell = errors.New("malformed cell")

// WriteCell encodes a cell. All numbers are big-endian. Overflow points are only written while
// the overflow is open.
func WriteCell(w io.Writer, c *Cell) error {
	bw := bufio.NewWriter(w)
	var scratch [PointRecordSize]byte

	binary.BigEndian.PutUint32(scratch[:4], c.NumberOfPoints)
	if _, err := bw.Write(scratch[:4]); err != nil {
		return err
	}
	if c.Overflow != nil {
		scratch[0] = 1
		binary.BigEndian.PutUint32(scratch[1:5], *c.Overflow)
		if _, err := bw.Write(scratch[:5]); err != nil {
			return err
		}
	} else if err := bw.WriteByte(0); err != nil {
		return err
	}
	if _, err := c.Grid.WriteTo(bw); err != nil {
		return err
	}

	writePoints := func(pts []pointcloud.Point) error {
		for _, p := range pts {
			encodePoint(scratch[:], p)
			if _, err := bw.Write(scratch[:]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := writePoints(c.Points); err != nil {
		return err
	}
	if c.Overflow != nil {
		if err := writePoints(c.OverflowPoints); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadCell decodes a cell written by WriteCell. The grid size comes from the index metadata since
// cell files do not record it.
func ReadCell(r io.Reader, subGridDimension uint32) (*Cell, error) {
	br := bufio.NewReader(r)
	d := int(subGridDimension)
	slots := d * d * d
	var scratch [PointRecordSize]byte

	if _, err := io.ReadFull(br, scratch[:5]); err != nil {
		return nil, malformed(err, "reading header")
	}
	c := &Cell{}
	c.NumberOfPoints = binary.BigEndian.Uint32(scratch[:4])
	switch scratch[4] {
	case 0:
	case 1:
		if _, err := io.ReadFull(br, scratch[:4]); err != nil {
			return nil, malformed(err, "reading overflow count")
		}
		overflow := binary.BigEndian.Uint32(scratch[:4])
		c.Overflow = &overflow
	default:
		return nil, errors.Wrapf(ErrMalformedCell, "invalid overflow flag %d", scratch[4])
	}
	if int64(c.NumberOfPoints) > int64(slots) {
		return nil, errors.Wrapf(ErrMalformedCell, "%d points do not fit %d slots", c.NumberOfPoints, slots)
	}

	grid, err := ReadBitGrid(br, slots)
	if err != nil {
		return nil, malformed(err, "reading grid")
	}
	c.Grid = grid

	c.Points, err = readPoints(br, c.NumberOfPoints)
	if err != nil {
		return nil, err
	}
	if c.Overflow != nil {
		c.OverflowPoints, err = readPoints(br, *c.Overflow)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func readPoints(r io.Reader, n uint32) ([]pointcloud.Point, error) {
	var scratch [PointRecordSize]byte
	// n comes from the file, so only trust it as far as the data backs it up.
	pts := make([]pointcloud.Point, 0, min(n, 1<<16))
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(r, scratch[:]); err != nil {
			return nil, malformed(err, "reading point %d of %d", i, n)
		}
		pts = append(pts, decodePoint(scratch[:]))
	}
	return pts, nil
}

func encodePoint(buf []byte, p pointcloud.Point) {
	binary.BigEndian.PutUint32(buf[0:], math.Float32bits(float32(p.Pos.X)))
	binary.BigEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Pos.Y)))
	binary.BigEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Pos.Z)))
	buf[12], buf[13], buf[14], buf[15] = p.Color.R, p.Color.G, p.Color.B, p.Color.A
}

func decodePoint(buf []byte) pointcloud.Point {
	return pointcloud.NewPoint(
		float64(math.Float32frombits(binary.BigEndian.Uint32(buf[0:]))),
		float64(math.Float32frombits(binary.BigEndian.Uint32(buf[4:]))),
		float64(math.Float32frombits(binary.BigEndian.Uint32(buf[8:]))),
		color.NRGBA{R: buf[12], G: buf[13], B: buf[14], A: buf[15]},
	)
}

func malformed(err error, format string, args ...interface{}) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.Wrapf(ErrMalformedCell, format+": truncated", args...)
	}
	return errors.Wrapf(err, format, args...)
}
