package lbsp

const (
	// PatchSize is the side length of the square patch a descriptor is computed over.
	PatchSize = 5
	// Radius is the patch half size; no descriptor may be computed closer to a border.
	Radius = PatchSize / 2
	// DescBits is the number of bits in one channel's descriptor.
	DescBits = 16
)

// dbcross lists the (dx, dy) offsets compared against the reference value. Entry i
// drives bit 15-i of the descriptor.
var dbcross = [DescBits][2]int{
	{-1, 1}, {1, -1}, {1, 1}, {-1, -1},
	{1, 0}, {0, -1}, {-1, 0}, {0, 1},
	{-2, -2}, {2, 2}, {2, -2}, {-2, 2},
	{0, 2}, {0, -2}, {2, 0}, {-2, 0},
}

// Feature is the appearance of one pixel: its color and its LBSP descriptor, one entry per
// channel. Only the first Channels entries of the owning frame are meaningful.
type Feature struct {
	Color [3]uint8
	Desc  [3]uint16
}

// Compute returns the 16-bit descriptor of channel c at (x, y). A bit is set when the
// neighbor differs from ref by more than t.
//
// The caller guarantees (x, y) is at least Radius pixels away from every border.
//
// Arguments:
//   - img: The frame to read the patch from.
//   - x, y: The patch center.
//   - c: The channel to read.
//   - ref: The reference intensity (the pixel's own value for intra descriptors, a model
//     color for inter descriptors).
//   - t: The similarity threshold.
//
// Returns:
//   - uint16: The descriptor bits.
func Compute(img Image, x, y, c int, ref, t uint8) uint16 {
	step := img.Step()
	ch := img.Channels
	var desc uint16
	for i, o := range dbcross {
		v := img.Data[(y+o[1])*step+(x+o[0])*ch+c]
		if AbsDiff(v, ref) > int(t) {
			desc |= 1 << (DescBits - 1 - i)
		}
	}
	return desc
}

// ComputeAll returns the descriptor of every channel, each channel using its own
// threshold looked up from lut with that channel's reference value.
func ComputeAll(img Image, x, y int, ref [3]uint8, lut *ThresholdLUT) (desc [3]uint16) {
	for c := 0; c < img.Channels; c++ {
		desc[c] = Compute(img, x, y, c, ref[c], lut.At(ref[c]))
	}
	return desc
}

// ComputeUniform returns the descriptor of every channel using a single threshold.
func ComputeUniform(img Image, x, y int, ref [3]uint8, t uint8) (desc [3]uint16) {
	for c := 0; c < img.Channels; c++ {
		desc[c] = Compute(img, x, y, c, ref[c], t)
	}
	return desc
}

// Extract returns the intra feature of pixel (x, y): its own color and the descriptor
// computed with that color as the reference.
func Extract(img Image, x, y int, lut *ThresholdLUT) Feature {
	color := img.Color(x, y)
	return Feature{Color: color, Desc: ComputeAll(img, x, y, color, lut)}
}
