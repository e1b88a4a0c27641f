// Package framelevel - Frame-wide scene analysis for the adaptive background models.
//
// The Analyzer keeps long-term (LT) and short-term (ST) running means of a heavily
// downsampled copy of the input. Their divergence signals a sudden scene change (lights
// switched on, camera bumped) that per-pixel feedback would take too long to absorb. The
// Governor turns that signal into cooldown-gated partial model resets, and the CameraTracker
// estimates global frame displacement with sparse optical flow.
package framelevel

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-lbsp/lbsp"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DownsampleRatio is the linear downsampling factor of the analysis frames.
const DownsampleRatio = 8

// Analyzer maintains the downsampled LT/ST means of a frame sequence.
type Analyzer struct {
	size     image.Point
	channels int
	lt       []float32
	st       []float32
	// mask marks the downsampled pixels that count, core the ones fully inside the ROI
	mask      []byte
	core      []byte
	maskCount int
	small     gocv.Mat
}

// NewAnalyzer builds an analyzer for frames of the given size.
//
// Arguments:
//   - width, height: Full-resolution frame size.
//   - channels: 1 or 3.
//   - roi: Full-resolution 8UC1 ROI; an empty Mat means the whole frame counts.
//   - widen: Count every downsampled pixel touched by the frame, not only those the ROI
//     covers.
//
// Returns:
//   - *Analyzer: The analyzer with both means at zero.
//   - error: When the frame is smaller than one analysis cell.
func NewAnalyzer(width, height, channels int, roi gocv.Mat, widen bool) (*Analyzer, error) {
	size := image.Pt(width/DownsampleRatio, height/DownsampleRatio)
	if size.X == 0 || size.Y == 0 {
		return nil, errors.Errorf("framelevel: frame %dx%d is too small to analyze", width, height)
	}
	a := &Analyzer{
		size:     size,
		channels: channels,
		lt:       make([]float32, size.X*size.Y*channels),
		st:       make([]float32, size.X*size.Y*channels),
		mask:     make([]byte, size.X*size.Y),
		core:     make([]byte, size.X*size.Y),
		small:    gocv.NewMat(),
	}

	if roi.Empty() {
		for i := range a.mask {
			a.mask[i], a.core[i] = 255, 255
		}
	} else {
		down := gocv.NewMat()
		defer down.Close()
		if err := gocv.Resize(roi, &down, size, 0, 0, gocv.InterpolationArea); err != nil {
			return nil, errors.Wrap(err, "framelevel: downsample roi")
		}
		copy(a.mask, down.ToBytes())
		for i, v := range a.mask {
			if v == 255 {
				a.core[i] = 255
			}
			if widen {
				a.mask[i] = v | 127
			}
		}
	}
	for _, v := range a.mask {
		if v != 0 {
			a.maskCount++
		}
	}
	if a.maskCount == 0 {
		a.maskCount = 1
	}
	return a, nil
}

// Size returns the downsampled frame size.
func (a *Analyzer) Size() image.Point { return a.size }

// Means returns the LT and ST means, interleaved by channel. The slices are owned by the
// analyzer.
func (a *Analyzer) Means() (lt, st []float32) { return a.lt, a.st }

// Downsample resizes src to the analysis size with area interpolation and widens it to
// float32.
func (a *Analyzer) Downsample(src gocv.Mat) ([]float32, error) {
	if err := gocv.Resize(src, &a.small, a.size, 0, 0, gocv.InterpolationArea); err != nil {
		return nil, errors.Wrap(err, "framelevel: downsample")
	}
	raw := a.small.ToBytes()
	if len(raw) != len(a.lt) {
		return nil, errors.Errorf("framelevel: downsampled %d values, expected %d", len(raw), len(a.lt))
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// Seed sets both means to the downsampled frame.
func (a *Analyzer) Seed(frame gocv.Mat) error {
	cur, err := a.Downsample(frame)
	if err != nil {
		return err
	}
	copy(a.lt, cur)
	copy(a.st, cur)
	return nil
}

// Accumulate folds the downsampled frame into both means with the given rolling factors.
func (a *Analyzer) Accumulate(frame gocv.Mat, ltFactor, stFactor float32) error {
	cur, err := a.Downsample(frame)
	if err != nil {
		return err
	}
	for i, v := range cur {
		a.lt[i] = a.lt[i]*(1-ltFactor) + v*ltFactor
		a.st[i] = a.st[i]*(1-stFactor) + v*stFactor
	}
	return nil
}

// ColorDiffRatio returns the mean ST/LT difference per downsampled pixel: half the absolute
// difference for one channel, the largest channel difference for three. Every pixel counts
// and each term is truncated to an integer.
func (a *Analyzer) ColorDiffRatio() float32 {
	total := 0
	n := a.size.X * a.size.Y
	for px := 0; px < n; px++ {
		if a.channels == 1 {
			total += int(math32.Abs(a.st[px]-a.lt[px])) / 2
			continue
		}
		best := 0
		for c := 0; c < a.channels; c++ {
			d := int(math32.Abs(a.st[px*a.channels+c] - a.lt[px*a.channels+c]))
			if d > best {
				best = d
			}
		}
		total += best
	}
	return float32(total) / float32(n)
}

// L1Ratio returns the L1 distance between the LT and ST means over the counted pixels,
// divided by their number.
func (a *Analyzer) L1Ratio() float32 {
	return lbsp.L1Sum(a.lt, a.st, a.channels, a.mask) / float32(a.maskCount)
}

// CompareLT returns the L1 and color distortion ratios between the LT mean and a
// full-resolution image, restricted to cells fully inside the ROI.
func (a *Analyzer) CompareLT(img gocv.Mat) (l1, cdist float32, err error) {
	cur, err := a.Downsample(img)
	if err != nil {
		return 0, 0, err
	}
	n := float32(a.maskCount)
	return lbsp.L1Sum(a.lt, cur, a.channels, a.core) / n, lbsp.CDistSum(a.lt, cur, a.channels, a.core) / n, nil
}

// Close releases the native scratch matrix.
func (a *Analyzer) Close() error {
	return a.small.Close()
}
