package lbsp

import "github.com/chewxy/math32"

const (
	// ColorMaxRange is the largest per-channel color distance.
	ColorMaxRange = 255
	// DescMaxRange is the largest per-channel descriptor distance.
	DescMaxRange = DescBits
)

var popcount8 [256]uint8

func init() {
	for i := range popcount8 {
		n := uint8(0)
		for v := i; v != 0; v >>= 1 {
			n += uint8(v & 1)
		}
		popcount8[i] = n
	}
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

// L1 returns the sum of absolute channel differences over the first n channels.
func L1(a, b [3]uint8, n int) int {
	d := 0
	for c := 0; c < n; c++ {
		d += AbsDiff(a[c], b[c])
	}
	return d
}

// CDist returns the color distortion of curr with respect to bg, truncated to an integer:
// the distance from curr to the line through the origin and bg. When bg is black the
// distortion is the norm of curr.
func CDist(curr, bg [3]uint8, n int) int {
	var currSqr float32
	skip := true
	for c := 0; c < n; c++ {
		currSqr += float32(curr[c]) * float32(curr[c])
		if bg[c] > 0 {
			skip = false
		}
	}
	if skip {
		return int(math32.Sqrt(currSqr))
	}
	var bgSqr, mix float32
	for c := 0; c < n; c++ {
		bgSqr += float32(bg[c]) * float32(bg[c])
		mix += float32(curr[c]) * float32(bg[c])
	}
	distort := currSqr - (mix*mix)/bgSqr
	if distort <= 0 {
		return 0
	}
	return int(math32.Sqrt(distort))
}

// CMixDist combines an L1 distance and a color distortion into one brightness-tolerant
// distance.
func CMixDist(l1, cdist int) int {
	return l1/2 + cdist*4
}

// ColorMix returns CMixDist(L1(curr, bg), CDist(curr, bg)).
func ColorMix(curr, bg [3]uint8, n int) int {
	return CMixDist(L1(curr, bg, n), CDist(curr, bg, n))
}

// Popcount returns the number of set bits in d.
func Popcount(d uint16) int {
	return int(popcount8[d&0xff]) + int(popcount8[d>>8])
}

// PopcountN returns the total number of set bits over the first n channels.
func PopcountN(d [3]uint16, n int) int {
	total := 0
	for c := 0; c < n; c++ {
		total += Popcount(d[c])
	}
	return total
}

// Hamming returns the number of differing bits between a and b.
func Hamming(a, b uint16) int {
	return Popcount(a ^ b)
}

// HammingN returns the Hamming distance summed over the first n channels.
func HammingN(a, b [3]uint16, n int) int {
	total := 0
	for c := 0; c < n; c++ {
		total += Hamming(a[c], b[c])
	}
	return total
}

// GDist returns the L1 distance between the per-channel bit counts of a and b.
func GDist(a, b [3]uint16, n int) int {
	total := 0
	for c := 0; c < n; c++ {
		d := Popcount(a[c]) - Popcount(b[c])
		if d < 0 {
			d = -d
		}
		total += d
	}
	return total
}

// L1Sum returns the masked L1 distance between two interleaved float frames. A pixel is
// counted when mask is nil or its mask byte is non-zero.
//
// Arguments:
//   - a, b: Interleaved float frames of identical layout.
//   - channels: Number of interleaved channels.
//   - mask: Optional per-pixel mask.
//
// Returns:
//   - float32: The sum over counted pixels.
func L1Sum(a, b []float32, channels int, mask []byte) float32 {
	var total float32
	for px := 0; px*channels < len(a); px++ {
		if mask != nil && mask[px] == 0 {
			continue
		}
		for c := 0; c < channels; c++ {
			total += math32.Abs(a[px*channels+c] - b[px*channels+c])
		}
	}
	return total
}

// CDistSum returns the masked color distortion summed over two interleaved float frames,
// with a as the current value and b as the reference.
func CDistSum(a, b []float32, channels int, mask []byte) float32 {
	var total float32
	for px := 0; px*channels < len(a); px++ {
		if mask != nil && mask[px] == 0 {
			continue
		}
		total += cdistFloat(a[px*channels:px*channels+channels], b[px*channels:px*channels+channels])
	}
	return total
}

func cdistFloat(curr, bg []float32) float32 {
	var currSqr, bgSqr, mix float32
	skip := true
	for c := range curr {
		currSqr += curr[c] * curr[c]
		if bg[c] > 0 {
			skip = false
		}
	}
	if skip {
		return math32.Sqrt(currSqr)
	}
	for c := range curr {
		bgSqr += bg[c] * bg[c]
		mix += curr[c] * bg[c]
	}
	distort := currSqr - (mix*mix)/bgSqr
	if distort <= 0 {
		return 0
	}
	return math32.Sqrt(distort)
}
