package bgs

import (
	"math"
	"sync"

	"github.com/nvr-ai/go-lbsp/dictionary"
	"github.com/nvr-ai/go-lbsp/lbsp"
	"github.com/nvr-ai/go-lbsp/postprocess"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// LOBSTERConfig holds the fixed thresholds of the LOBSTER model.
type LOBSTERConfig struct {
	// RelLBSPThreshold is the descriptor threshold as a fraction of the reference intensity.
	RelLBSPThreshold float32 `json:"rel_lbsp_threshold"`
	// LBSPThresholdOffset is added to every descriptor threshold.
	LBSPThresholdOffset int `json:"lbsp_threshold_offset"`
	// DescDistThreshold is the largest per-channel Hamming distance of a matching sample.
	DescDistThreshold int `json:"desc_dist_threshold"`
	// ColorDistThreshold is the largest per-channel color distance of a matching sample.
	ColorDistThreshold int `json:"color_dist_threshold"`
	// Samples is the number of samples kept per pixel.
	Samples int `json:"samples"`
	// RequiredSamples is the number of matches that make a pixel background.
	RequiredSamples int `json:"required_samples"`
	// LearningRate is the inverse probability of a model update on a background pixel.
	LearningRate int `json:"learning_rate"`
	// MedianKernel is the median blur aperture of the output mask.
	MedianKernel int `json:"median_kernel"`
	// Seed seeds the model's random source.
	Seed uint64 `json:"seed"`
}

// DefaultLOBSTERConfig returns the reference LOBSTER settings.
func DefaultLOBSTERConfig() LOBSTERConfig {
	return LOBSTERConfig{
		RelLBSPThreshold:    0.365,
		LBSPThresholdOffset: 0,
		DescDistThreshold:   4,
		ColorDistThreshold:  30,
		Samples:             35,
		RequiredSamples:     2,
		LearningRate:        16,
		MedianKernel:        9,
		Seed:                1,
	}
}

// Validate checks the configuration ranges.
func (c LOBSTERConfig) Validate() error {
	switch {
	case c.RelLBSPThreshold < 0:
		return errors.New("lobster: rel_lbsp_threshold must be >= 0")
	case c.LBSPThresholdOffset < 0 || c.LBSPThresholdOffset > 255:
		return errors.New("lobster: lbsp_threshold_offset must be in [0, 255]")
	case c.DescDistThreshold < 0 || c.ColorDistThreshold < 0:
		return errors.New("lobster: distance thresholds must be >= 0")
	case c.Samples <= 0 || c.RequiredSamples <= 0 || c.RequiredSamples > c.Samples:
		return errors.Errorf("lobster: need 0 < required_samples (%d) <= samples (%d)", c.RequiredSamples, c.Samples)
	case c.LearningRate <= 0:
		return errors.New("lobster: learning_rate must be > 0")
	case c.MedianKernel < 3 || c.MedianKernel%2 == 0:
		return errors.New("lobster: median_kernel must be odd and >= 3")
	}
	return nil
}

// LOBSTER is the sample-consensus model with fixed thresholds.
type LOBSTER struct {
	mu     sync.Mutex
	config LOBSTERConfig
	sampleModel
	post *postprocess.Pipeline
	raw  []byte
}

// NewLOBSTER constructs an uninitialized LOBSTER model.
func NewLOBSTER(config LOBSTERConfig) (*LOBSTER, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	l := &LOBSTER{config: config}
	l.rand = NewRandSource(config.Seed)
	return l, nil
}

// Name returns "lobster".
func (l *LOBSTER) Name() string { return "lobster" }

// Initialize builds the sample sets from frame.
func (l *LOBSTER) Initialize(frame, roi gocv.Mat) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initialize(frame, roi)
}

func (l *LOBSTER) initialize(frame, roi gocv.Mat) error {
	img, err := frameImage(frame)
	if err != nil {
		return err
	}
	warnGrayscale(l.Name(), img)

	roiSrc, err := l.resolveROI(roi, img.Width, img.Height)
	if err != nil {
		return err
	}
	defer roiSrc.Close()
	roiBytes, count, err := prepareROI(roiSrc, img.Width, img.Height, false)
	if err != nil {
		return err
	}

	l.setup(img, roiBytes, count)
	divisor := float32(1)
	if img.Channels == 1 {
		divisor = 2
	}
	l.lut = lbsp.NewThresholdLUT(l.config.RelLBSPThreshold, l.config.LBSPThresholdOffset, divisor, lbsp.FloorFixed)
	l.samples = dictionary.NewArena[dictionary.Sample](len(l.pixels), l.config.Samples)
	l.fillSamples(img, nil, nil)
	l.checkBootstrap()

	if l.post != nil {
		l.post.Close()
	}
	if l.post, err = postprocess.NewPipeline(img.Width, img.Height, l.config.MedianKernel); err != nil {
		return err
	}
	l.raw = make([]byte, img.Width*img.Height)
	l.initialized = true
	Logger.Printf("🦞 lobster: initialized %dx%dx%d, %d model pixels", img.Width, img.Height, img.Channels, len(l.pixels))
	return nil
}

// Apply segments frame into fgMask and updates the samples.
func (l *LOBSTER) Apply(frame gocv.Mat, fgMask *gocv.Mat, learningRateOverride float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	img, err := l.checkFrame(frame)
	if err != nil {
		return err
	}
	if err := l.extract(img); err != nil {
		return err
	}

	rate := l.config.LearningRate
	if learningRateOverride > 0 {
		rate = int(math.Ceil(learningRateOverride))
	}
	clear(l.raw)

	for m, px := range l.pixels {
		x, y := l.xy(m)
		curr := l.intra[m]
		good := 0
		for slot := 0; slot < l.samples.Capacity() && good < l.config.RequiredSamples; slot++ {
			if l.matches(img, x, y, curr, l.samples.At(m, slot)) {
				good++
			}
		}
		if good < l.config.RequiredSamples {
			l.raw[px] = 255
			continue
		}
		if oneIn(l.rand, rate) {
			l.samples.Set(m, l.rand.IntN(l.samples.Capacity()), curr)
		}
		if oneIn(l.rand, rate) {
			nx, ny := Neighbor3x3(l.rand, x, y, l.width, l.height)
			if nm, ok := l.modelAt(nx, ny); ok {
				l.samples.Set(nm, l.rand.IntN(l.samples.Capacity()), curr)
			}
		}
	}

	final, err := l.post.Median(l.raw)
	if err != nil {
		return err
	}
	l.frameIndex++
	return writeMask(fgMask, final, l.width, l.height)
}

// matches compares the current observation with one sample under the fixed thresholds.
// The inter descriptor is recomputed on the current frame with the sample color as the
// reference.
func (l *LOBSTER) matches(img lbsp.Image, x, y int, curr lbsp.Feature, bg *dictionary.Sample) bool {
	if l.channels == 1 {
		if lbsp.AbsDiff(curr.Color[0], bg.Color[0]) > l.config.ColorDistThreshold/2 {
			return false
		}
		inter := lbsp.Compute(img, x, y, 0, bg.Color[0], l.lut.At(bg.Color[0]))
		return lbsp.Hamming(inter, bg.Desc[0]) <= l.config.DescDistThreshold
	}

	totColor, totDesc := l.config.ColorDistThreshold*3, l.config.DescDistThreshold*3
	sumColor, sumDesc := 0, 0
	for c := 0; c < 3; c++ {
		cd := lbsp.AbsDiff(curr.Color[c], bg.Color[c])
		if cd > totColor/2 {
			return false
		}
		inter := lbsp.Compute(img, x, y, c, bg.Color[c], l.lut.At(bg.Color[c]))
		dd := lbsp.Hamming(inter, bg.Desc[c])
		if dd > totDesc/2 {
			return false
		}
		sumColor += cd
		sumDesc += dd
	}
	return sumColor <= totColor && sumDesc <= totDesc
}

// BackgroundImage returns the mean of the samples.
func (l *LOBSTER) BackgroundImage() (gocv.Mat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return gocv.NewMat(), ErrNotInitialized
	}
	return l.meanImage()
}

// BackgroundDescriptorsImage returns the mean of the sample descriptors.
func (l *LOBSTER) BackgroundDescriptorsImage() (gocv.Mat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return gocv.NewMat(), ErrNotInitialized
	}
	return l.meanDescriptors()
}

// SetROI replaces the ROI. An initialized model is rebuilt from its background image.
func (l *LOBSTER) SetROI(roi gocv.Mat) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return l.storeROI(roi, roi.Cols(), roi.Rows())
	}
	if err := l.storeROI(roi, l.width, l.height); err != nil {
		return err
	}
	bg, err := l.meanImage()
	if err != nil {
		return err
	}
	defer bg.Close()
	return l.initialize(bg, roi)
}

// SetAutomaticModelReset is a no-op: LOBSTER has no frame-level analysis.
func (l *LOBSTER) SetAutomaticModelReset(bool) {}

// Close releases the post-processing matrices.
func (l *LOBSTER) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = false
	if l.post == nil {
		return nil
	}
	err := l.post.Close()
	l.post = nil
	return err
}
