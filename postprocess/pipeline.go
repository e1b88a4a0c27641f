// Package postprocess - Morphological clean-up of raw foreground masks using OpenCV (via gocv).
//
// The Pipeline turns the raw per-pixel classification into the final mask and keeps the
// masks the background models feed back into their next frame:
//
//	raw ──┬─► close(3x3) ──┬─► fill holes ─────────┐
//	      │                └─► erode x3 ───────────┤
//	      └────────────────────────────────────────┴─► OR ─► median ─► final
//	                                                                     │
//	                                                        dilate x3 ◄──┘
//
// The blink map marks pixels whose raw label flipped in the current or previous frame and
// that lie away from the dilated final foreground.
//
// Note: You must call Close() when finished to release native resources.
package postprocess

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Iterations is the number of erode and dilate passes of the full pipeline.
const Iterations = 3

// Pipeline holds the OpenCV matrices reused across frames of one model.
type Pipeline struct {
	width        int
	height       int
	medianKernel int

	kernel         gocv.Mat // 3x3 rectangle shared by every morphology step
	rawLast        gocv.Mat // previous raw mask
	blinkLast      gocv.Mat // previous raw XOR
	blinkCurr      gocv.Mat
	blinks         gocv.Mat
	preFlood       gocv.Mat
	combined       gocv.Mat
	final          gocv.Mat
	dilated        gocv.Mat
	dilatedInverse gocv.Mat
}

// NewPipeline constructs a pipeline for width x height masks.
//
// Arguments:
//   - width, height: Mask dimensions.
//   - medianKernel: Median blur aperture, an odd number greater than 1.
//
// Returns:
//   - *Pipeline: The pipeline with every state mask cleared.
//   - error: When the shape or kernel is invalid.
func NewPipeline(width, height, medianKernel int) (*Pipeline, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("postprocess: invalid mask size %dx%d", width, height)
	}
	if medianKernel < 3 || medianKernel%2 == 0 {
		return nil, errors.Errorf("postprocess: median kernel must be odd and >= 3, got %d", medianKernel)
	}
	p := &Pipeline{
		width:          width,
		height:         height,
		medianKernel:   medianKernel,
		kernel:         gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
		blinkCurr:      gocv.NewMat(),
		blinks:         gocv.NewMat(),
		preFlood:       gocv.NewMat(),
		combined:       gocv.NewMat(),
		final:          gocv.NewMat(),
		dilated:        gocv.NewMat(),
		dilatedInverse: gocv.NewMat(),
	}
	var err error
	if p.rawLast, err = p.zeros(); err != nil {
		return nil, err
	}
	if p.blinkLast, err = p.zeros(); err != nil {
		p.rawLast.Close()
		return nil, err
	}
	if err := p.Reset(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) zeros() (gocv.Mat, error) {
	m, err := gocv.NewMatFromBytes(p.height, p.width, gocv.MatTypeCV8UC1, make([]byte, p.width*p.height))
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "postprocess: allocate mask")
	}
	return m, nil
}

// Size returns the mask dimensions.
func (p *Pipeline) Size() (int, int) { return p.width, p.height }

// MedianKernel returns the median blur aperture.
func (p *Pipeline) MedianKernel() int { return p.medianKernel }

// Reset clears the raw history, the blink map and the last final mask, and marks every pixel
// as outside the dilated foreground.
func (p *Pipeline) Reset() error {
	zero := gocv.NewScalar(0, 0, 0, 0)
	p.rawLast.SetTo(zero)
	p.blinkLast.SetTo(zero)
	for _, m := range []*gocv.Mat{&p.blinks, &p.final, &p.dilated} {
		z, err := p.zeros()
		if err != nil {
			return err
		}
		m.Close()
		*m = z
	}
	return gocv.BitwiseNot(p.dilated, &p.dilatedInverse)
}

// Run post-processes one raw mask and updates the blink and dilated masks.
//
// Arguments:
//   - raw: Row-major 0/255 raw foreground mask of width*height bytes.
//
// Returns:
//   - []byte: The final mask.
//   - error: When an OpenCV operation fails.
func (p *Pipeline) Run(raw []byte) ([]byte, error) {
	rawMat, err := p.fromBytes(raw)
	if err != nil {
		return nil, err
	}
	defer rawMat.Close()

	if err := gocv.BitwiseXor(rawMat, p.rawLast, &p.blinkCurr); err != nil {
		return nil, errors.Wrap(err, "postprocess: blink xor")
	}
	if err := gocv.BitwiseOr(p.blinkCurr, p.blinkLast, &p.blinks); err != nil {
		return nil, errors.Wrap(err, "postprocess: blink or")
	}
	if err := p.blinkCurr.CopyTo(&p.blinkLast); err != nil {
		return nil, errors.Wrap(err, "postprocess: keep blink")
	}
	if err := rawMat.CopyTo(&p.rawLast); err != nil {
		return nil, errors.Wrap(err, "postprocess: keep raw")
	}

	if err := gocv.MorphologyEx(rawMat, &p.preFlood, gocv.MorphClose, p.kernel); err != nil {
		return nil, errors.Wrap(err, "postprocess: close")
	}
	holes, err := p.fromBytes(FillHoles(p.preFlood.ToBytes(), p.width, p.height))
	if err != nil {
		return nil, err
	}
	defer holes.Close()
	for i := 0; i < Iterations; i++ {
		if err := gocv.Erode(p.preFlood, &p.preFlood, p.kernel); err != nil {
			return nil, errors.Wrap(err, "postprocess: erode")
		}
	}

	if err := gocv.BitwiseOr(rawMat, holes, &p.combined); err != nil {
		return nil, errors.Wrap(err, "postprocess: or holes")
	}
	if err := gocv.BitwiseOr(p.combined, p.preFlood, &p.combined); err != nil {
		return nil, errors.Wrap(err, "postprocess: or eroded")
	}
	if err := gocv.MedianBlur(p.combined, &p.final, p.medianKernel); err != nil {
		return nil, errors.Wrap(err, "postprocess: median")
	}

	if err := p.final.CopyTo(&p.dilated); err != nil {
		return nil, errors.Wrap(err, "postprocess: copy final")
	}
	for i := 0; i < Iterations; i++ {
		if err := gocv.Dilate(p.dilated, &p.dilated, p.kernel); err != nil {
			return nil, errors.Wrap(err, "postprocess: dilate")
		}
	}

	// the blink map is masked by both the previous and the current dilated foreground
	if err := gocv.BitwiseAnd(p.blinks, p.dilatedInverse, &p.blinks); err != nil {
		return nil, errors.Wrap(err, "postprocess: mask blinks")
	}
	if err := gocv.BitwiseNot(p.dilated, &p.dilatedInverse); err != nil {
		return nil, errors.Wrap(err, "postprocess: invert dilated")
	}
	if err := gocv.BitwiseAnd(p.blinks, p.dilatedInverse, &p.blinks); err != nil {
		return nil, errors.Wrap(err, "postprocess: mask blinks")
	}

	return p.final.ToBytes(), nil
}

// Median runs the median blur alone, for models without feedback.
func (p *Pipeline) Median(raw []byte) ([]byte, error) {
	rawMat, err := p.fromBytes(raw)
	if err != nil {
		return nil, err
	}
	defer rawMat.Close()
	if err := gocv.MedianBlur(rawMat, &p.final, p.medianKernel); err != nil {
		return nil, errors.Wrap(err, "postprocess: median")
	}
	return p.final.ToBytes(), nil
}

// Blinks returns a copy of the current blink map.
func (p *Pipeline) Blinks() []byte { return p.blinks.ToBytes() }

// Final returns a copy of the last final mask.
func (p *Pipeline) Final() []byte { return p.final.ToBytes() }

// DilatedInverse returns the inverted dilated final mask. The Mat is owned by the pipeline.
func (p *Pipeline) DilatedInverse() gocv.Mat { return p.dilatedInverse }

func (p *Pipeline) fromBytes(b []byte) (gocv.Mat, error) {
	if len(b) != p.width*p.height {
		return gocv.NewMat(), errors.Errorf("postprocess: mask has %d bytes, expected %d", len(b), p.width*p.height)
	}
	m, err := gocv.NewMatFromBytes(p.height, p.width, gocv.MatTypeCV8UC1, b)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "postprocess: wrap mask")
	}
	return m, nil
}

// Close releases every native matrix.
func (p *Pipeline) Close() error {
	for _, m := range []*gocv.Mat{
		&p.kernel, &p.rawLast, &p.blinkLast, &p.blinkCurr, &p.blinks,
		&p.preFlood, &p.combined, &p.final, &p.dilated, &p.dilatedInverse,
	} {
		if err := m.Close(); err != nil {
			return errors.Wrap(err, "postprocess: close")
		}
	}
	return nil
}
