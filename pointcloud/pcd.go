package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/lodcloud/logging"
)

// PCDType is the data encoding of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

type pcdFieldType int

const (
	pcdPointOnly  pcdFieldType = 3
	pcdPointColor pcdFieldType = 4
)

type pcdValType string

const (
	pcdValFloat pcdValType = "F"
	pcdValInt   pcdValType = "I"
	pcdValUInt  pcdValType = "U"
)

type pcdHeader struct {
	fields pcdFieldType
	size   []uint64
	type_  []pcdValType //nolint:revive
	count  []uint64
	width  uint64
	height uint64
	points uint64
	data   PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	tokens := strings.Fields(value)
	if field != name {
		return fmt.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return fmt.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch strings.Join(tokens, " ") {
		case "x y z":
			header.fields = pcdPointOnly
		case "x y z rgb", "x y z rgba":
			header.fields = pcdPointColor
		default:
			return fmt.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		if len(tokens) != int(header.fields) {
			return fmt.Errorf("unexpected number of fields in SIZE line")
		}
		header.size = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.size[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid SIZE field %s", token)
			}
			if header.size[i] != 4 {
				return fmt.Errorf("unsupported SIZE %d, only 4 byte fields are supported", header.size[i])
			}
		}
	case "TYPE":
		if len(tokens) != int(header.fields) {
			return fmt.Errorf("unexpected number of fields in TYPE line")
		}
		header.type_ = make([]pcdValType, len(tokens))
		for i, token := range tokens {
			header.type_[i] = pcdValType(token)
			switch header.type_[i] {
			case pcdValFloat, pcdValInt, pcdValUInt:
			default:
				return fmt.Errorf("invalid TYPE field %s", token)
			}
		}
		for i := 0; i < 3; i++ {
			if header.type_[i] != pcdValFloat {
				return fmt.Errorf("position fields must have TYPE F, got %s", header.type_[i])
			}
		}
	case "COUNT":
		if len(tokens) != int(header.fields) {
			return fmt.Errorf("unexpected number of fields in COUNT line")
		}
		header.count = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.count[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid COUNT field %s: %w", token, err)
			}
			if header.count[i] != 1 {
				return fmt.Errorf("unsupported COUNT %d, only scalar fields are supported", header.count[i])
			}
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid WIDTH field %s: %w", value, err)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid HEIGHT field %s: %w", value, err)
		}
	case "VIEWPOINT":
		// The viewpoint pose is not applied; points are indexed in the frame they are stored in.
		if len(tokens) != 7 {
			return fmt.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
	case "POINTS":
		var points uint64
		points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid POINTS field %s: %w", value, err)
		}
		if points != header.width*header.height {
			return fmt.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", points, header.width*header.height)
		}
		header.points = points
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return fmt.Errorf("unsupported pcd data type %s", value)
		}
	}

	return nil
}

func readPCDHeader(in *bufio.Reader) (pcdHeader, error) {
	header := pcdHeader{}
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return header, fmt.Errorf("error reading header line %d: %w", headerLineCount, err)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return header, err
		}
		headerLineCount++
	}
	if header.data == PCDCompressed {
		return header, errors.New("compressed pcd not yet supported")
	}
	return header, nil
}

type pcdSource struct {
	file      io.Closer
	in        *bufio.Reader
	header    pcdHeader
	remaining uint64
}

// NewPCDSource opens an ascii or binary pcd file whose fields are `x y z` or `x y z rgb`.
func NewPCDSource(fn string, logger logging.Logger) (BatchedSource, error) {
	//nolint:gosec
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	src, err := newPCDSource(f, f, logger)
	if err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "reading pcd header of %q", fn), f.Close())
	}
	return src, nil
}

// NewPCDSourceFromReader reads a pcd stream. Closing the source does not close the reader.
func NewPCDSourceFromReader(r io.Reader, logger logging.Logger) (BatchedSource, error) {
	return newPCDSource(r, nil, logger)
}

func newPCDSource(r io.Reader, closer io.Closer, logger logging.Logger) (*pcdSource, error) {
	in := bufio.NewReader(r)
	header, err := readPCDHeader(in)
	if err != nil {
		return nil, err
	}
	logger.Debugw("opened pcd source", "points", header.points, "colored", header.fields == pcdPointColor,
		"binary", header.data == PCDBinary)
	return &pcdSource{file: closer, in: in, header: header, remaining: header.points}, nil
}

func (s *pcdSource) TotalPoints() uint64 {
	return s.header.points
}

func (s *pcdSource) RemainingPoints() uint64 {
	return s.remaining
}

func (s *pcdSource) Batch(maxCount int) ([]Point, error) {
	n := uint64(maxCount)
	if n > s.remaining {
		n = s.remaining
	}
	batch := make([]Point, 0, n)
	for i := uint64(0); i < n; i++ {
		var p Point
		var err error
		switch s.header.data {
		case PCDAscii:
			p, err = s.readASCIIPoint()
		case PCDBinary:
			p, err = s.readBinaryPoint()
		default:
			err = fmt.Errorf("unsupported pcd data type %v", s.header.data)
		}
		if err != nil {
			index := s.header.points - s.remaining
			// Nothing after a short or malformed record can be trusted.
			s.remaining = 0
			return batch, errors.Wrapf(err, "reading pcd point %d", index)
		}
		batch = append(batch, p)
		s.remaining--
	}
	return batch, nil
}

func (s *pcdSource) readASCIIPoint() (Point, error) {
	line, err := s.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return Point{}, err
	}
	tokens := strings.Fields(line)
	if len(tokens) != int(s.header.fields) {
		return Point{}, fmt.Errorf("unexpected number of fields %d", len(tokens))
	}
	var pos [3]float64
	for j := 0; j < 3; j++ {
		pos[j], err = strconv.ParseFloat(tokens[j], 64)
		if err != nil {
			return Point{}, fmt.Errorf("invalid field %s: %w", tokens[j], err)
		}
	}
	c := White
	if s.header.fields == pcdPointColor {
		packed, err := parseASCIIColor(tokens[3], s.header.type_[3])
		if err != nil {
			return Point{}, err
		}
		c = pcdIntToColor(packed)
	}
	return NewPoint(pos[0], pos[1], pos[2], c), nil
}

// parseASCIIColor handles both integer packed colors and the PCL convention of a float whose bit
// pattern is the packed color.
func parseASCIIColor(token string, typ pcdValType) (uint32, error) {
	if typ != pcdValFloat {
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid color field %s: %w", token, err)
		}
		return uint32(v), nil
	}
	f, err := strconv.ParseFloat(token, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color field %s: %w", token, err)
	}
	return math.Float32bits(float32(f)), nil
}

func (s *pcdSource) readBinaryPoint() (Point, error) {
	var buf [16]byte
	width := 4 * int(s.header.fields)
	if _, err := io.ReadFull(s.in, buf[:width]); err != nil {
		return Point{}, err
	}
	x := math.Float32frombits(binary.LittleEndian.Uint32(buf[0:]))
	y := math.Float32frombits(binary.LittleEndian.Uint32(buf[4:]))
	z := math.Float32frombits(binary.LittleEndian.Uint32(buf[8:]))
	c := White
	if s.header.fields == pcdPointColor {
		c = pcdIntToColor(binary.LittleEndian.Uint32(buf[12:]))
	}
	return NewPoint(float64(x), float64(y), float64(z), c), nil
}

func (s *pcdSource) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func pcdIntToColor(c uint32) color.NRGBA {
	r := uint8(0xFF & (c >> 16))
	g := uint8(0xFF & (c >> 8))
	b := uint8(0xFF & (c >> 0))
	return color.NRGBA{r, g, b, 255}
}

// ColorToPCDInt packs a color the way pcd `rgb` fields store it.
func ColorToPCDInt(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}
