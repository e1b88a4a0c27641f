// Package lbsp - Local binary similarity patterns (LBSP) and the color/descriptor distances
// used by the word-consensus background models.
//
// Everything in this package is pure: descriptors are computed from an interleaved 8-bit
// frame view and a threshold table, and no state is kept between calls except inside
// ThresholdLUT, which the owning model adapts once per frame.
package lbsp

// Image is a read-only view on an interleaved 8-bit frame (1 or 3 channels, row-major,
// no padding between rows).
type Image struct {
	Data     []byte
	Width    int
	Height   int
	Channels int
}

// NewImage wraps raw interleaved bytes.
//
// Arguments:
//   - data: The pixel bytes, len(data) must be width*height*channels.
//   - width: Frame width in pixels.
//   - height: Frame height in pixels.
//   - channels: 1 for grayscale or 3 for BGR.
//
// Returns:
//   - Image: The frame view.
func NewImage(data []byte, width, height, channels int) Image {
	return Image{Data: data, Width: width, Height: height, Channels: channels}
}

// Step returns the number of bytes per row.
func (im Image) Step() int {
	return im.Width * im.Channels
}

// Offset returns the byte offset of the first channel of pixel (x, y).
func (im Image) Offset(x, y int) int {
	return (y*im.Width + x) * im.Channels
}

// Color returns the channel values of pixel (x, y). Unused channels are zero.
func (im Image) Color(x, y int) (c [3]uint8) {
	off := im.Offset(x, y)
	copy(c[:im.Channels], im.Data[off:off+im.Channels])
	return c
}

// Inside reports whether (x, y) lies far enough from every border for a full patch.
func (im Image) Inside(x, y int) bool {
	return x >= Radius && y >= Radius && x < im.Width-Radius && y < im.Height-Radius
}
