package bgs

import (
	"math"
	"sync"

	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-lbsp/dictionary"
	"github.com/nvr-ai/go-lbsp/feedback"
	"github.com/nvr-ai/go-lbsp/framelevel"
	"github.com/nvr-ai/go-lbsp/lbsp"
	"github.com/nvr-ai/go-lbsp/postprocess"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Ghost detection bounds: a neighbor that has been foreground almost all the time while its
// appearance stays still is more likely a ghost than a real object.
const (
	ghostMaxLastDist = 0.01
	ghostMinRawSegm  = 0.995
)

// SuBSENSEConfig holds the base thresholds of the SuBSENSE model. Feedback constants are in
// feedback.SuBSENSEParams.
type SuBSENSEConfig struct {
	// RelLBSPThreshold is the descriptor threshold as a fraction of the reference intensity.
	RelLBSPThreshold float32 `json:"rel_lbsp_threshold"`
	// DescDistThresholdOffset is added to the R-driven descriptor threshold.
	DescDistThresholdOffset int `json:"desc_dist_threshold_offset"`
	// MinColorDistThreshold is the color threshold at R = 1.
	MinColorDistThreshold int `json:"min_color_dist_threshold"`
	// Samples is the number of samples kept per pixel.
	Samples int `json:"samples"`
	// RequiredSamples is the number of matches that make a pixel background.
	RequiredSamples int `json:"required_samples"`
	// SamplesForMovingAvgs is the long-term rolling window; the short-term one is a quarter.
	SamplesForMovingAvgs int `json:"samples_for_moving_avgs"`
	// Seed seeds the model's random source.
	Seed uint64 `json:"seed"`
}

// DefaultSuBSENSEConfig returns the reference SuBSENSE settings.
func DefaultSuBSENSEConfig() SuBSENSEConfig {
	return SuBSENSEConfig{
		RelLBSPThreshold:        0.333,
		DescDistThresholdOffset: 3,
		MinColorDistThreshold:   30,
		Samples:                 50,
		RequiredSamples:         2,
		SamplesForMovingAvgs:    100,
		Seed:                    1,
	}
}

// Validate checks the configuration ranges.
func (c SuBSENSEConfig) Validate() error {
	switch {
	case c.RelLBSPThreshold < 0:
		return errors.New("subsense: rel_lbsp_threshold must be >= 0")
	case c.DescDistThresholdOffset < 0 || c.MinColorDistThreshold <= 0:
		return errors.New("subsense: distance thresholds must be positive")
	case c.Samples <= 0 || c.RequiredSamples <= 0 || c.RequiredSamples > c.Samples:
		return errors.Errorf("subsense: need 0 < required_samples (%d) <= samples (%d)", c.RequiredSamples, c.Samples)
	case c.SamplesForMovingAvgs < 4:
		return errors.New("subsense: samples_for_moving_avgs must be >= 4")
	}
	return nil
}

// SuBSENSE is the sample-consensus model with pixel-level feedback.
type SuBSENSE struct {
	mu     sync.Mutex
	config SuBSENSEConfig
	sampleModel

	fb       *feedback.State
	post     *postprocess.Pipeline
	analyzer *framelevel.Analyzer
	governor framelevel.Governor

	raw    []byte
	lastFG []byte
	blinks []byte
	last   []lbsp.Feature

	lowerCap     float32
	upperCap     float32
	baseLowerCap int
	baseUpperCap int
	scaling      bool
	use3x3       bool
	medianKernel int
}

// NewSuBSENSE constructs an uninitialized SuBSENSE model.
func NewSuBSENSE(config SuBSENSEConfig) (*SuBSENSE, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &SuBSENSE{config: config}
	s.rand = NewRandSource(config.Seed)
	return s, nil
}

// Name returns "subsense".
func (s *SuBSENSE) Name() string { return "subsense" }

// Initialize builds the sample sets and control state from frame.
func (s *SuBSENSE) Initialize(frame, roi gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialize(frame, roi)
}

func (s *SuBSENSE) initialize(frame, roi gocv.Mat) error {
	img, err := frameImage(frame)
	if err != nil {
		return err
	}
	warnGrayscale(s.Name(), img)

	roiSrc, err := s.resolveROI(roi, img.Width, img.Height)
	if err != nil {
		return err
	}
	defer roiSrc.Close()
	roiBytes, count, err := prepareROI(roiSrc, img.Width, img.Height, true)
	if err != nil {
		return err
	}
	s.setup(img, roiBytes, count)

	params := feedback.SuBSENSEParams()
	total := img.Width * img.Height
	s.baseLowerCap, s.baseUpperCap = int(params.TLower), int(params.TUpper)
	if count >= total/2 && total >= qvgaArea {
		s.scaling = true
		s.governor = framelevel.Governor{Enabled: true}
		s.use3x3 = total <= qvgaArea*2
		s.medianKernel = oddKernel(min(int(math.Floor(float64(total)/qvgaArea+0.5))+9, 14))
		s.lowerCap, s.upperCap = params.TLower, params.TUpper
	} else {
		s.scaling = false
		s.governor = framelevel.Governor{}
		s.use3x3 = true
		s.medianKernel = 9
		s.lowerCap, s.upperCap = params.TLower*2, params.TUpper*2
	}

	divisor := float32(1)
	if img.Channels == 1 {
		divisor = 3
	}
	s.lut = lbsp.NewThresholdLUT(s.config.RelLBSPThreshold, 0, divisor, lbsp.FloorCeilQuarter)
	s.fb = feedback.NewState(len(s.pixels), params, s.lowerCap)

	if s.analyzer != nil {
		s.analyzer.Close()
		s.analyzer = nil
	}
	if s.scaling {
		if s.analyzer, err = framelevel.NewAnalyzer(img.Width, img.Height, img.Channels, gocv.NewMat(), false); err != nil {
			return err
		}
		if err := s.analyzer.Seed(frame); err != nil {
			return err
		}
	}

	if err := s.extract(img); err != nil {
		return err
	}
	s.last = append(s.last[:0], s.intra...)
	s.samples = dictionary.NewArena[dictionary.Sample](len(s.pixels), s.config.Samples)
	s.fillSamples(img, nil, nil)
	s.checkBootstrap()

	if s.post != nil {
		s.post.Close()
	}
	if s.post, err = postprocess.NewPipeline(img.Width, img.Height, s.medianKernel); err != nil {
		return err
	}
	s.raw = make([]byte, total)
	s.lastFG = make([]byte, total)
	s.blinks = make([]byte, total)
	s.initialized = true
	Logger.Printf("🧠 subsense: initialized %dx%dx%d, %d model pixels, median %d, 3x3 spread %v",
		img.Width, img.Height, img.Channels, len(s.pixels), s.medianKernel, s.use3x3)
	return nil
}

func oddKernel(k int) int {
	if k%2 == 0 {
		return k - 1
	}
	return k
}

// thresholds returns the color and descriptor thresholds of pixel m for the current
// channel count: per-channel and total for three channels.
func (s *SuBSENSE) thresholds(m int) (color, desc int) {
	r := s.fb.R[m]
	unstable := s.fb.Unstable[m]
	minColor := float32(s.config.MinColorDistThreshold)
	if unstable {
		color = int(r * minColor)
	} else {
		color = int(r*minColor - float32(s.config.MinColorDistThreshold/5))
	}
	desc = descThreshold(r, s.config.DescDistThresholdOffset, unstable)
	if s.channels == 1 {
		color /= 2
	}
	return color, desc
}

// descThreshold returns 2^round(R) + offset, plus offset again for unstable pixels.
func descThreshold(r float32, offset int, unstable bool) int {
	shift := int(math32.Floor(r + 0.5))
	if shift > 30 {
		shift = 30
	}
	d := 1<<shift + offset
	if unstable {
		d += offset
	}
	return d
}

// match compares the current observation with one sample. It returns the descriptor and
// combined distances of a match.
func (s *SuBSENSE) match(img lbsp.Image, x, y int, curr lbsp.Feature, bg *dictionary.Sample, colorThr, descThr int) (int, int, bool) {
	const scale = lbsp.ColorMaxRange / lbsp.DescMaxRange
	if s.channels == 1 {
		cd := lbsp.AbsDiff(curr.Color[0], bg.Color[0])
		if cd > colorThr {
			return 0, 0, false
		}
		inter := lbsp.Compute(img, x, y, 0, bg.Color[0], s.lut.At(bg.Color[0]))
		dd := (lbsp.Hamming(curr.Desc[0], bg.Desc[0]) + lbsp.Hamming(inter, bg.Desc[0])) / 2
		if dd > descThr {
			return 0, 0, false
		}
		sum := min((dd/4)*scale+cd, lbsp.ColorMaxRange)
		if sum > colorThr {
			return 0, 0, false
		}
		return dd, sum, true
	}

	totColor, totDesc := colorThr*3, descThr*3
	scColor, scDesc := totColor/2, totDesc/2
	sumDesc, sumAll := 0, 0
	for c := 0; c < 3; c++ {
		cd := lbsp.AbsDiff(curr.Color[c], bg.Color[c])
		if cd > scColor {
			return 0, 0, false
		}
		inter := lbsp.Compute(img, x, y, c, bg.Color[c], s.lut.At(bg.Color[c]))
		dd := (lbsp.Hamming(curr.Desc[c], bg.Desc[c]) + lbsp.Hamming(inter, bg.Desc[c])) / 2
		if dd > scDesc {
			return 0, 0, false
		}
		sum := min((dd/2)*scale+cd, lbsp.ColorMaxRange)
		if sum > scColor {
			return 0, 0, false
		}
		sumDesc += dd
		sumAll += sum
	}
	if sumDesc > totDesc || sumAll > totColor {
		return 0, 0, false
	}
	return sumDesc, sumAll, true
}

// Apply segments frame into fgMask and updates the samples and control state.
func (s *SuBSENSE) Apply(frame gocv.Mat, fgMask *gocv.Mat, learningRateOverride float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	img, err := s.checkFrame(frame)
	if err != nil {
		return err
	}
	if err := s.extract(img); err != nil {
		return err
	}

	s.frameIndex++
	window := uint64(s.config.SamplesForMovingAvgs)
	ltFactor := 1 / float32(min(s.frameIndex, window))
	stFactor := 1 / float32(min(s.frameIndex, window/4))
	colorRange := float32(lbsp.ColorMaxRange * s.channels)
	descRange := float32(lbsp.DescMaxRange * s.channels)
	required := s.config.RequiredSamples
	capacity := s.samples.Capacity()
	clear(s.raw)
	nonFlat := 0

	for m, px := range s.pixels {
		x, y := s.xy(m)
		curr := s.intra[m]
		last := s.last[m]
		colorThr, descThr := s.thresholds(m)
		s.fb.RefreshUnstable(m)

		lastDist := (float32(lbsp.L1(last.Color, curr.Color, s.channels))/colorRange +
			float32(lbsp.HammingN(last.Desc, curr.Desc, s.channels))/descRange) / 2
		s.fb.RecordLastDist(m, lastDist, stFactor)

		good := 0
		minDesc, minSum := int(descRange), int(colorRange)
		for slot := 0; slot < capacity && good < required; slot++ {
			dd, sum, ok := s.match(img, x, y, curr, s.samples.At(m, slot), colorThr, descThr)
			if !ok {
				continue
			}
			minDesc = min(minDesc, dd)
			minSum = min(minSum, sum)
			good++
		}

		norm := (float32(minSum)/colorRange + float32(minDesc)/descRange) / 2
		if good < required {
			norm = math32.Min(1, norm+float32(required-good)/float32(required))
			s.fb.RecordMatch(m, norm, true, ltFactor, stFactor)
			s.raw[px] = 255
			if s.governor.Cooldown > 0 && oneIn(s.rand, int(s.fb.Params().TLower)) {
				s.samples.Set(m, s.rand.IntN(capacity), curr)
			}
		} else {
			s.fb.RecordMatch(m, norm, false, ltFactor, stFactor)
			s.updateBackground(m, x, y, curr, learningRateOverride)
		}

		s.fb.UpdateSuBSENSE(m, feedback.Input{
			LastFG:   s.lastFG[px] != 0,
			CurrFG:   s.raw[px] != 0,
			Blink:    s.blinks[px] != 0,
			LowerCap: s.lowerCap,
			UpperCap: s.upperCap,
		})
		if !isFlat(curr.Desc, s.channels) {
			nonFlat++
		}
		s.last[m] = curr
	}

	final, err := s.post.Run(s.raw)
	if err != nil {
		return err
	}
	s.lastFG = final
	s.blinks = s.post.Blinks()
	s.fb.RecordFinal(final, s.pixels, ltFactor, stFactor)
	s.lut.Adapt(float32(nonFlat) / float32(len(s.pixels)))

	if s.scaling {
		if err := s.analyzeFrame(frame, ltFactor, stFactor); err != nil {
			return err
		}
	}
	return writeMask(fgMask, final, s.width, s.height)
}

// updateBackground refreshes the model of a background pixel and spreads its observation
// to a random neighbor.
func (s *SuBSENSE) updateBackground(m, x, y int, curr lbsp.Feature, override float64) {
	capacity := s.samples.Capacity()
	rate := int(math32.Ceil(s.fb.T[m]))
	if override > 0 {
		rate = int(math.Ceil(override))
	}
	if oneIn(s.rand, rate) {
		s.samples.Set(m, s.rand.IntN(capacity), curr)
	}

	use3x3 := s.use3x3 && !s.fb.Unstable[m]
	var nx, ny int
	if use3x3 {
		nx, ny = Neighbor3x3(s.rand, x, y, s.width, s.height)
	} else {
		nx, ny = Neighbor5x5(s.rand, x, y, s.width, s.height)
	}
	n := draw(s.rand)
	nm, ok := s.modelAt(nx, ny)
	if !ok {
		return
	}
	spread := rate/2 + 1
	if use3x3 {
		spread = rate
	}
	ghost := s.fb.RawSegmST[nm] > ghostMinRawSegm && s.fb.LastDist[nm] < ghostMaxLastDist &&
		n%max(int(s.lowerCap), 1) == 0
	if n%max(spread, 1) == 0 || ghost {
		s.samples.Set(nm, s.rand.IntN(capacity), curr)
	}
}

// analyzeFrame runs the downsampled scene-change analysis and the automatic reset.
func (s *SuBSENSE) analyzeFrame(frame gocv.Mat, ltFactor, stFactor float32) error {
	if err := s.analyzer.Accumulate(frame, ltFactor, stFactor); err != nil {
		return err
	}
	ratio := s.analyzer.ColorDiffRatio()
	threshold := float32(s.config.MinColorDistThreshold) / 2
	if s.governor.ObserveColorDiff(ratio, threshold, s.config.SamplesForMovingAvgs/4) {
		Logger.Printf("🔄 subsense: scene change (color diff %.2f), refreshing 10%% of the samples", ratio)
		s.refresh(0.1, false)
		s.fb.FillT(1)
	}
	s.lowerCap, s.upperCap = framelevel.LearningRateCaps(ratio, threshold,
		s.baseLowerCap, s.baseUpperCap, s.baseLowerCap, s.baseUpperCap)
	return nil
}

// refresh overwrites a fraction of every pixel's samples with last-frame observations drawn
// around it. Foreground pixels and foreground sources are skipped unless force is set.
func (s *SuBSENSE) refresh(fraction float32, force bool) {
	capacity := s.samples.Capacity()
	count, start := capacity, 0
	if fraction < 1 {
		count = int(fraction * float32(capacity))
		start = s.rand.IntN(capacity)
	}
	for m, px := range s.pixels {
		if !force && s.lastFG[px] != 0 {
			continue
		}
		x, y := s.xy(m)
		for i := start; i < start+count; i++ {
			sx, sy := SamplePosition(s.rand, x, y, s.width, s.height)
			sm, ok := s.modelAt(sx, sy)
			if !ok || (!force && s.lastFG[s.pixels[sm]] != 0) {
				continue
			}
			s.samples.Set(m, i%capacity, s.last[sm])
		}
	}
}

// BackgroundImage returns the mean of the samples.
func (s *SuBSENSE) BackgroundImage() (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return gocv.NewMat(), ErrNotInitialized
	}
	return s.meanImage()
}

// BackgroundDescriptorsImage returns the mean of the sample descriptors.
func (s *SuBSENSE) BackgroundDescriptorsImage() (gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return gocv.NewMat(), ErrNotInitialized
	}
	return s.meanDescriptors()
}

// SetROI replaces the ROI. An initialized model is rebuilt from its background image.
func (s *SuBSENSE) SetROI(roi gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return s.storeROI(roi, roi.Cols(), roi.Rows())
	}
	if err := s.storeROI(roi, s.width, s.height); err != nil {
		return err
	}
	bg, err := s.meanImage()
	if err != nil {
		return err
	}
	defer bg.Close()
	return s.initialize(bg, roi)
}

// SetAutomaticModelReset toggles the frame-level partial reset.
func (s *SuBSENSE) SetAutomaticModelReset(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.governor.Enabled = enabled
}

// Close releases the native resources.
func (s *SuBSENSE) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	var err error
	if s.post != nil {
		err = s.post.Close()
		s.post = nil
	}
	if s.analyzer != nil {
		if cerr := s.analyzer.Close(); err == nil {
			err = cerr
		}
		s.analyzer = nil
	}
	return err
}
