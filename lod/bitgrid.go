package lod

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/pkg/errors"
)

const wordBits = 32

// BitGrid is a fixed capacity set of occupancy bits. Its capacity is a multiple of 32 and never
// changes after construction.
type BitGrid struct {
	words []uint32
}

// NewBitGrid returns a grid able to hold at least n bits.
func NewBitGrid(n int) *BitGrid {
	if n < 0 {
		panic(fmt.Sprintf("negative bit grid capacity %d", n))
	}
	return &BitGrid{words: make([]uint32, wordCount(n))}
}

func wordCount(n int) int {
	return (n + wordBits - 1) / wordBits
}

// Capacity is the number of addressable bits.
func (g *BitGrid) Capacity() int {
	return len(g.words) * wordBits
}

func (g *BitGrid) locate(i int) (int, uint32) {
	if i < 0 || i >= g.Capacity() {
		panic(fmt.Sprintf("bit index %d out of range [0, %d)", i, g.Capacity()))
	}
	return i / wordBits, uint32(1) << (uint(i) % wordBits)
}

// SetBit sets bit i and reports whether it was previously unset.
func (g *BitGrid) SetBit(i int) bool {
	w, mask := g.locate(i)
	if g.words[w]&mask != 0 {
		return false
	}
	g.words[w] |= mask
	return true
}

// IsBitSet reports whether bit i is set.
func (g *BitGrid) IsBitSet(i int) bool {
	w, mask := g.locate(i)
	return g.words[w]&mask != 0
}

// UnsetBit clears bit i.
func (g *BitGrid) UnsetBit(i int) {
	w, mask := g.locate(i)
	g.words[w] &^= mask
}

// Count returns the number of set bits.
func (g *BitGrid) Count() int {
	n := 0
	for _, w := range g.words {
		n += bits.OnesCount32(w)
	}
	return n
}

// WriteTo writes the grid as big-endian 32-bit words.
func (g *BitGrid) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 4*len(g.words))
	for i, word := range g.words {
		binary.BigEndian.PutUint32(buf[4*i:], word)
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadBitGrid reads a grid of at least n bits written by WriteTo.
func ReadBitGrid(r io.Reader, n int) (*BitGrid, error) {
	g := NewBitGrid(n)
	buf := make([]byte, 4*len(g.words))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "reading occupancy grid")
	}
	for i := range g.words {
		g.words[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	return g, nil
}

// Clone returns an independent copy of the grid.
func (g *BitGrid) Clone() *BitGrid {
	words := make([]uint32, len(g.words))
	copy(words, g.words)
	return &BitGrid{words: words}
}

// Equal reports whether both grids have the same capacity and bits.
func (g *BitGrid) Equal(o *BitGrid) bool {
	if len(g.words) != len(o.words) {
		return false
	}
	for i := range g.words {
		if g.words[i] != o.words[i] {
			return false
		}
	}
	return true
}
