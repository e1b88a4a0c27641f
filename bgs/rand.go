package bgs

import (
	"math"
	"math/rand/v2"

	"github.com/nvr-ai/go-lbsp/lbsp"
)

// RandSource is the randomness a model draws from. *rand.Rand satisfies it.
type RandSource interface {
	// IntN returns a uniform value in [0, n); n > 0.
	IntN(n int) int
}

// NewRandSource returns a PCG-backed source; the same seed gives the same segmentation.
func NewRandSource(seed uint64) RandSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// draw returns a large uniform value meant to be reduced with several moduli.
func draw(r RandSource) int {
	return r.IntN(math.MaxInt32)
}

// oneIn reports an event of probability 1/n; n < 1 counts as 1.
func oneIn(r RandSource, n int) bool {
	if n <= 1 {
		return true
	}
	return r.IntN(n) == 0
}

// samplePattern weights the 7x7 neighborhood used to pick initialization samples, rows
// first. The weights sum to 512.
var samplePattern = [7][7]int{
	{2, 4, 6, 7, 6, 4, 2},
	{4, 8, 12, 14, 12, 8, 4},
	{6, 12, 21, 25, 21, 12, 6},
	{7, 14, 25, 28, 25, 14, 7},
	{6, 12, 21, 25, 21, 12, 6},
	{4, 8, 12, 14, 12, 8, 4},
	{2, 4, 6, 7, 6, 4, 2},
}

const samplePatternTotal = 512

var (
	neighbors3x3 = ring(1)
	neighbors5x5 = ring(2)
)

func ring(r int) [][2]int {
	var out [][2]int
	for dy := r; dy >= -r; dy-- {
		for dx := -r; dx <= r; dx++ {
			if dx != 0 || dy != 0 {
				out = append(out, [2]int{dx, dy})
			}
		}
	}
	return out
}

// SamplePosition picks a position around (x, y) following the 7x7 Gaussian-like pattern,
// clamped so that a full descriptor patch fits.
func SamplePosition(r RandSource, x, y, width, height int) (int, int) {
	left := 1 + r.IntN(samplePatternTotal)
	sx, sy := 0, 0
scan:
	for sx = 0; sx < 7; sx++ {
		for sy = 0; sy < 7; sy++ {
			left -= samplePattern[sy][sx]
			if left <= 0 {
				break scan
			}
		}
	}
	return clampBorder(x+sx-3, width), clampBorder(y+sy-3, height)
}

// Neighbor3x3 picks one of the 8 neighbors of (x, y), clamped like SamplePosition.
func Neighbor3x3(r RandSource, x, y, width, height int) (int, int) {
	o := neighbors3x3[r.IntN(len(neighbors3x3))]
	return clampBorder(x+o[0], width), clampBorder(y+o[1], height)
}

// Neighbor5x5 picks one of the 24 neighbors of (x, y) within distance 2, clamped like
// SamplePosition.
func Neighbor5x5(r RandSource, x, y, width, height int) (int, int) {
	o := neighbors5x5[r.IntN(len(neighbors5x5))]
	return clampBorder(x+o[0], width), clampBorder(y+o[1], height)
}

func clampBorder(v, size int) int {
	if v < lbsp.Radius {
		return lbsp.Radius
	}
	if v > size-lbsp.Radius-1 {
		return size - lbsp.Radius - 1
	}
	return v
}
