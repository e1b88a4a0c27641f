// Package bgs - LBSP-based background subtraction models.
//
// Three models share the same frame handling, ROI rules and descriptor extraction:
//
//   - LOBSTER keeps a fixed set of color+descriptor samples per pixel and labels a pixel as
//     background when enough samples match under fixed thresholds.
//   - SuBSENSE uses the same sample consensus but drives thresholds and update rates with
//     per-pixel feedback, and reacts to scene-wide changes with partial resets.
//   - PAWCS replaces samples with weighted words kept in a local dictionary per pixel and a
//     global dictionary shared by the whole frame.
//
// Each call to Apply runs in two phases. Intra-frame descriptors are first extracted for
// every pixel of the ROI in parallel; the match and update pass then runs serially in
// raster order, so that a neighbor written by one pixel is seen by every later pixel of the
// same frame and results are reproducible for a fixed seed.
//
// Usage:
//
//	sub, err := bgs.NewSuBSENSE(bgs.DefaultSuBSENSEConfig())
//	if err != nil {
//	    return err
//	}
//	defer sub.Close()
//
//	if err := sub.Initialize(first, gocv.NewMat()); err != nil {
//	    return err
//	}
//	mask := gocv.NewMat()
//	defer mask.Close()
//	for frame := range frames {
//	    if err := sub.Apply(frame, &mask, 0); err != nil {
//	        return err
//	    }
//	}
package bgs

import (
	"log"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Frame and ROI precondition failures. Returned errors wrap one of these.
var (
	ErrEmptyFrame        = errors.New("bgs: empty frame")
	ErrNotContinuous     = errors.New("bgs: frame data is not continuous")
	ErrUnsupportedFormat = errors.New("bgs: unsupported frame type, expected 8UC1 or 8UC3")
	ErrROISizeMismatch   = errors.New("bgs: roi size does not match the frame")
	ErrInvalidROI        = errors.New("bgs: roi must be 8UC1 and hold only 0 and 255")
	ErrEmptyROI          = errors.New("bgs: roi has no usable pixel")
	ErrNotInitialized    = errors.New("bgs: model is not initialized")
	ErrFrameMismatch     = errors.New("bgs: frame does not match the initialized model")
)

// Logger receives lifecycle and warning messages of every model.
var Logger = log.Default()

// Subtractor segments a video stream into background and foreground.
type Subtractor interface {
	// Initialize (re)builds the model from a first frame. An empty roi means the full frame.
	Initialize(frame, roi gocv.Mat) error
	// Apply classifies frame into fgMask (8UC1, 0 or 255) and updates the model. An override
	// <= 0 keeps the model's own update rates.
	Apply(frame gocv.Mat, fgMask *gocv.Mat, learningRateOverride float64) error
	// BackgroundImage reconstructs the current background appearance.
	BackgroundImage() (gocv.Mat, error)
	// Close releases native resources.
	Close() error
}

// Model is a Subtractor with runtime controls.
type Model interface {
	Subtractor
	// SetROI replaces the ROI; an initialized model is rebuilt from its own background image.
	SetROI(roi gocv.Mat) error
	// SetAutomaticModelReset toggles frame-level partial resets.
	SetAutomaticModelReset(enabled bool)
	// BackgroundDescriptorsImage reconstructs the background descriptors, one 16-bit value
	// per channel.
	BackgroundDescriptorsImage() (gocv.Mat, error)
	// Name identifies the model in logs and reports.
	Name() string
}
