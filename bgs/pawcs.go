package bgs

import (
	"image"
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

// Word-consensus constants.
const (
	// pawcsBootstrapFrames is the warm-up window during which words are reinforced faster.
	pawcsBootstrapFrames = 500
	// pawcsWeightOffset keeps young words from outranking established ones.
	pawcsWeightOffset = pawcsBootstrapFrames * 2
	// pawcsMovingCameraOffset is the weight offset used while the camera is moving.
	pawcsMovingCameraOffset = 5
	pawcsOccIncr            = 1
	// pawcsMaxWeight stops occurrence growth of words that are already fully trusted.
	pawcsMaxWeight = float32(1)
	// pawcsResamplingRate is the global dictionary maintenance period.
	pawcsResamplingRate = 16
	// pawcsGlobalMapRatio is the downsampling factor of the global occupancy maps.
	pawcsGlobalMapRatio   = 2
	pawcsGlobalInitPasses = 2
	// pawcsGlobalBitsFactor divides the descriptor threshold for global bit-count matches.
	pawcsGlobalBitsFactor = 4
	// pawcsL1Threshold and pawcsCDistThreshold bound the frame-level distance ratios.
	pawcsL1Threshold    = 45
	pawcsCDistThreshold = pawcsL1Threshold / 10
	// pawcsResampleIterations is the number of draws from the 7x7 pattern per refreshed pixel.
	pawcsResampleIterations = 7 * 7 * 2
)

// PAWCSConfig holds the base thresholds of the PAWCS model. Feedback constants are in
// feedback.PAWCSParams.
type PAWCSConfig struct {
	// RelLBSPThreshold is the descriptor threshold as a fraction of the reference intensity.
	RelLBSPThreshold float32 `json:"rel_lbsp_threshold"`
	// DescDistThresholdOffset is added to the R-driven descriptor threshold.
	DescDistThresholdOffset int `json:"desc_dist_threshold_offset"`
	// MinColorDistThreshold is the color threshold at R = 1.
	MinColorDistThreshold int `json:"min_color_dist_threshold"`
	// MaxWords is the local dictionary size; the global dictionary holds up to half as many.
	MaxWords int `json:"max_words"`
	// SamplesForMovingAvgs is the long-term rolling window; the short-term one is a quarter.
	SamplesForMovingAvgs int `json:"samples_for_moving_avgs"`
	// Seed seeds the model's random source.
	Seed uint64 `json:"seed"`
	// CameraMotion turns on optical flow compensation of global camera translation.
	CameraMotion bool `json:"camera_motion"`
	// Tracker configures the optical flow tracker used when CameraMotion is set.
	Tracker framelevel.TrackerConfig `json:"tracker"`
}

// DefaultPAWCSConfig returns the reference PAWCS settings. Camera motion compensation is off.
func DefaultPAWCSConfig() PAWCSConfig {
	return PAWCSConfig{
		RelLBSPThreshold:        0.333,
		DescDistThresholdOffset: 2,
		MinColorDistThreshold:   20,
		MaxWords:                50,
		SamplesForMovingAvgs:    100,
		Seed:                    1,
		Tracker:                 framelevel.DefaultTrackerConfig(),
	}
}

// Validate checks the configuration ranges.
func (c PAWCSConfig) Validate() error {
	switch {
	case c.RelLBSPThreshold < 0:
		return errors.New("pawcs: rel_lbsp_threshold must be >= 0")
	case c.DescDistThresholdOffset < 0 || c.MinColorDistThreshold <= 0:
		return errors.New("pawcs: distance thresholds must be positive")
	case c.MaxWords < 2:
		return errors.Errorf("pawcs: max_words must be >= 2, got %d", c.MaxWords)
	case c.SamplesForMovingAvgs < 8:
		return errors.New("pawcs: samples_for_moving_avgs must be >= 8")
	case c.CameraMotion && (c.Tracker.MaxCorners <= 0 || c.Tracker.SustainFrames <= 0):
		return errors.New("pawcs: tracker needs max_corners and sustain_frames > 0")
	}
	return nil
}

// PAWCS is the word-consensus model: every pixel keeps a local dictionary of weighted words
// and the whole frame shares a global dictionary that backs up local decisions.
type PAWCS struct {
	mu     sync.Mutex
	config PAWCSConfig
	base

	local    *dictionary.Arena[dictionary.LocalWord]
	global   *dictionary.GlobalDictionary
	fb       *feedback.State
	post     *postprocess.Pipeline
	analyzer *framelevel.Analyzer
	governor framelevel.Governor
	tracker  *framelevel.CameraTracker

	raw        []byte
	lastFG     []byte
	blinks     []byte
	dilated    []byte
	dilatedInv []byte
	// illum counts down the frames during which a pixel takes illumination updates faster
	illum []byte
	last  []lbsp.Feature

	localWords   int
	globalWords  int
	medianKernel int
	weightOffset uint64
	movingCamera bool
}

// NewPAWCS constructs an uninitialized PAWCS model. Automatic model resets start enabled.
func NewPAWCS(config PAWCSConfig) (*PAWCS, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &PAWCS{config: config, weightOffset: pawcsWeightOffset}
	p.rand = NewRandSource(config.Seed)
	p.governor.Enabled = true
	return p, nil
}

// Name returns "pawcs".
func (p *PAWCS) Name() string { return "pawcs" }

// Initialize builds the local and global dictionaries from frame.
func (p *PAWCS) Initialize(frame, roi gocv.Mat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialize(frame, roi)
}

func (p *PAWCS) initialize(frame, roi gocv.Mat) error {
	img, err := frameImage(frame)
	if err != nil {
		return err
	}
	warnGrayscale(p.Name(), img)

	roiSrc, err := p.resolveROI(roi, img.Width, img.Height)
	if err != nil {
		return err
	}
	defer roiSrc.Close()
	roiBytes, count, err := prepareROI(roiSrc, img.Width, img.Height, true)
	if err != nil {
		return err
	}
	p.setup(img, roiBytes, count)

	total := img.Width * img.Height
	maxGlobal := p.config.MaxWords / 2
	p.localWords = p.config.MaxWords
	large := count >= total/2 && total >= qvgaArea
	if large {
		scale := float32(total) / qvgaArea
		p.medianKernel = oddKernel(min(int(math32.Floor(0.5+scale))+9, 13))
		p.globalWords = maxGlobal
	} else {
		scale := float64(count) / qvgaArea
		p.medianKernel = oddKernel(min(int(math.Floor(0.5+9*scale*2))+5, 9))
		p.globalWords = min(int(math.Pow(float64(maxGlobal)*scale, 2))+1, maxGlobal)
	}
	if img.Channels == 1 {
		p.localWords = max(p.localWords/2, 1)
		p.globalWords = max(p.globalWords/2, 1)
	}
	p.weightOffset = pawcsWeightOffset
	p.movingCamera = false
	p.governor.SinceReset, p.governor.Cooldown = 0, 0

	divisor := float32(1)
	if img.Channels == 1 {
		divisor = 3
	}
	p.lut = lbsp.NewThresholdLUT(p.config.RelLBSPThreshold, 0, divisor, lbsp.FloorQuarter)
	params := feedback.PAWCSParams()
	p.fb = feedback.NewState(len(p.pixels), params, params.TLower)

	if err := p.resetAnalyzer(roiBytes, large); err != nil {
		return err
	}
	if err := p.extract(img); err != nil {
		return err
	}
	p.last = append(p.last[:0], p.intra...)

	mapWidth, mapHeight := img.Width/pawcsGlobalMapRatio, img.Height/pawcsGlobalMapRatio
	lookup := make([]int, len(p.pixels))
	for m := range p.pixels {
		x, y := p.xy(m)
		lookup[m] = (y/pawcsGlobalMapRatio)*mapWidth + x/pawcsGlobalMapRatio
	}
	p.local = dictionary.NewArena[dictionary.LocalWord](len(p.pixels), p.localWords)
	p.global = dictionary.NewGlobalDictionary(p.globalWords, mapWidth, mapHeight, lookup)

	if p.post != nil {
		p.post.Close()
	}
	if p.post, err = postprocess.NewPipeline(img.Width, img.Height, p.medianKernel); err != nil {
		return err
	}
	p.raw = make([]byte, total)
	p.lastFG = make([]byte, total)
	p.blinks = make([]byte, total)
	p.dilated = make([]byte, total)
	p.dilatedInv = make([]byte, total)
	p.illum = make([]byte, total)

	if p.config.CameraMotion {
		if p.tracker == nil {
			p.tracker = framelevel.NewCameraTracker(p.config.Tracker)
		} else {
			p.tracker.Reset()
		}
	}

	p.refresh(1, 0, false)
	p.checkBootstrap()
	p.initialized = true
	Logger.Printf("🧠 pawcs: initialized %dx%dx%d, %d model pixels, %d local / %d global words, median %d",
		img.Width, img.Height, img.Channels, len(p.pixels), p.localWords, p.globalWords, p.medianKernel)
	return nil
}

// resetAnalyzer rebuilds the frame-level analyzer for the processed ROI. Frames smaller than
// one analysis cell run without frame-level analysis.
func (p *PAWCS) resetAnalyzer(roi []byte, widen bool) error {
	if p.analyzer != nil {
		p.analyzer.Close()
		p.analyzer = nil
	}
	if p.width < framelevel.DownsampleRatio || p.height < framelevel.DownsampleRatio {
		Logger.Printf("⚠️  pawcs: %dx%d frames are too small for frame-level analysis", p.width, p.height)
		return nil
	}
	rm, err := roiMat(roi, p.width, p.height)
	if err != nil {
		return err
	}
	defer rm.Close()
	p.analyzer, err = framelevel.NewAnalyzer(p.width, p.height, p.channels, rm, widen)
	return err
}

// checkBootstrap panics when a model pixel has no best word after the bootstrap pass.
func (p *PAWCS) checkBootstrap() {
	for m := range p.pixels {
		if !p.local.Populated(m, 0) {
			x, y := p.xy(m)
			panic(errors.Errorf("bgs: word model at (%d,%d) has an empty first slot after bootstrap", x, y))
		}
	}
}

// weightFn returns the local word weight at the current frame.
func (p *PAWCS) weightFn() func(*dictionary.LocalWord) float32 {
	now, offset := p.frameIndex, p.weightOffset
	return func(w *dictionary.LocalWord) float32 { return w.Weight(now, offset) }
}

// thresholds returns the color and descriptor thresholds of pixel m, totaled over channels
// for color frames.
func (p *PAWCS) thresholds(m int) (color, desc int) {
	r := p.fb.R[m]
	color = int(math32.Sqrt(r) * float32(p.config.MinColorDistThreshold))
	desc = descThreshold(r, p.config.DescDistThresholdOffset, p.fb.Unstable[m])
	if p.channels == 1 {
		return color / 2, desc
	}
	return color * 3, desc * 3
}

// colorDist returns the L1 distance for grayscale frames and the color-mix distance for color
// frames.
func (p *PAWCS) colorDist(a, b [3]uint8) int {
	if p.channels == 1 {
		return lbsp.AbsDiff(a[0], b[0])
	}
	return lbsp.ColorMix(a, b, 3)
}

// globalMatch accepts global words close to a feature by color and descriptor bit count.
func (p *PAWCS) globalMatch(color [3]uint8, bits, colorThr, descThr int) func(*dictionary.GlobalWord) bool {
	return func(w *dictionary.GlobalWord) bool {
		d := bits - w.Bits
		if d < 0 {
			d = -d
		}
		return d <= descThr/pawcsGlobalBitsFactor && p.colorDist(color, w.Color) <= colorThr
	}
}

// updateRate returns the local update period of pixel m.
func (p *PAWCS) updateRate(m int, flat bool, override float64) int {
	switch {
	case override > 0:
		return int(math.Ceil(override))
	case flat:
		return int(math32.Ceil(p.fb.T[m]+p.fb.Params().TLower)) / 2
	default:
		return int(math32.Ceil(p.fb.T[m]))
	}
}

// pawcsFrame carries the per-frame values shared by every pixel of one Apply.
type pawcsFrame struct {
	img           lbsp.Image
	override      float64
	bootstrapping bool
	ltFactor      float32
	stFactor      float32
	weight        func(*dictionary.LocalWord) float32
}

// Apply segments frame into fgMask and updates both dictionaries and the control state.
func (p *PAWCS) Apply(frame gocv.Mat, fgMask *gocv.Mat, learningRateOverride float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	img, err := p.checkFrame(frame)
	if err != nil {
		return err
	}
	if err := p.extract(img); err != nil {
		return err
	}

	p.frameIndex++
	bootstrapping := p.frameIndex <= pawcsBootstrapFrames
	ltWindow := uint64(p.config.SamplesForMovingAvgs)
	if bootstrapping {
		ltWindow /= 2
	}
	stWindow := ltWindow / 4
	globalRate := uint64(pawcsResamplingRate)
	if bootstrapping {
		globalRate /= 2
	}
	if p.tracker != nil {
		if err := p.compensateCamera(frame); err != nil {
			return err
		}
	}

	f := &pawcsFrame{
		img:           img,
		override:      learningRateOverride,
		bootstrapping: bootstrapping,
		ltFactor:      1 / float32(min(p.frameIndex, ltWindow)),
		stFactor:      1 / float32(min(p.frameIndex, stWindow)),
		weight:        p.weightFn(),
	}
	clear(p.raw)
	flat := 0
	for m := range p.pixels {
		if p.process(m, f) {
			flat++
		}
	}
	// spreading touches dictionaries that were already visited this frame
	if err := parallel(len(p.pixels), func(start, end int) error {
		for m := start; m < end; m++ {
			p.sortWords(m, f.weight)
		}
		return nil
	}); err != nil {
		return err
	}

	recalc := p.frameIndex%(globalRate<<5) == 0
	update := p.frameIndex%globalRate == 0
	var background []byte
	if update {
		if background, err = p.globalBackground(); err != nil {
			return err
		}
	}
	if err := p.global.Maintain(recalc, update, background); err != nil {
		return err
	}

	final, err := p.post.Run(p.raw)
	if err != nil {
		return err
	}
	p.lastFG = final
	p.blinks = p.post.Blinks()
	inv := p.post.DilatedInverse().ToBytes()
	for i, v := range inv {
		p.dilatedInv[i] = v
		p.dilated[i] = ^v
	}
	p.fb.RecordFinal(final, p.pixels, f.ltFactor, f.stFactor)
	p.lut.Adapt(float32(len(p.pixels)-flat) / float32(len(p.pixels)))

	if p.analyzer != nil {
		if err := p.analyzeFrame(frame, f.ltFactor, f.stFactor, int(stWindow), bootstrapping); err != nil {
			return err
		}
	}
	return writeMask(fgMask, final, p.width, p.height)
}

// process matches model pixel m against its local words, falls back on the global
// dictionary, updates both and the pixel's control state. It reports whether the pixel is
// flat.
func (p *PAWCS) process(m int, f *pawcsFrame) bool {
	px := p.pixels[m]
	x, y := p.xy(m)
	curr := p.intra[m]
	ch := p.channels
	now := p.frameIndex
	capacity := p.local.Capacity()
	border := p.isBorder(m)
	unstable := p.fb.Unstable[m]
	bits := lbsp.PopcountN(curr.Desc, ch)
	flat := isFlat(curr.Desc, ch)

	colorThr, descThr := p.thresholds(m)
	sumThr := f.weight(p.local.At(m, 0)) / (p.fb.R[m] * 2)
	occIncr := uint64(pawcsOccIncr + p.governor.Cooldown)
	if flat || f.bootstrapping {
		occIncr <<= 1
	}
	rate := p.updateRate(m, flat, f.override)
	initWeight := 1 / float32(p.weightOffset)
	colorRange := float32(lbsp.ColorMaxRange * ch)
	descRange := float32(lbsp.DescMaxRange * ch)
	minColor, minDesc := int(colorRange), int(descRange)

	var sum float32
	last := float32(math.MaxFloat32)
	slot := 0
	for ; slot < capacity && sum < sumThr; slot++ {
		w := p.local.At(m, slot)
		weight := f.weight(w)
		l1 := lbsp.L1(curr.Color, w.Color, ch)
		colorDist := p.colorDist(curr.Color, w.Color)
		intraDist := lbsp.HammingN(curr.Desc, w.Desc, ch)
		inter := lbsp.ComputeAll(f.img, x, y, w.Color, p.lut)
		descDist := (intraDist + lbsp.HammingN(inter, w.Desc, ch)) / 2

		if (!unstable || flat || border) && colorDist <= colorThr && l1 >= colorThr/2 &&
			intraDist <= descThr/2 && p.illuminationDraw(px, rate) {
			w.Feature = curr
			p.illum[px-1] = 1 & p.roi[px-1]
			p.illum[px+1] = 1 & p.roi[px+1]
			p.illum[px] = 2
		}
		if descDist <= descThr && colorDist <= colorThr {
			sum += weight
			w.Last = now
			if (p.lastFG[px] == 0 || p.movingCamera) && weight < pawcsMaxWeight {
				w.Occurrences += occIncr
			}
			minColor = min(minColor, colorDist)
			minDesc = min(minDesc, descDist)
		}
		if weight > last {
			p.local.Swap(m, slot, slot-1)
		} else {
			last = weight
		}
	}
	for ; slot < capacity; slot++ {
		weight := f.weight(p.local.At(m, slot))
		if weight > last {
			p.local.Swap(m, slot, slot-1)
		} else {
			last = weight
		}
	}

	if sum >= sumThr || border {
		norm := math32.Max(float32(minColor)/colorRange, float32(minDesc)/descRange)
		p.fb.RecordMatch(m, norm, false, f.ltFactor, f.stFactor)
		if oneIn(p.rand, rate) {
			gw, ok := p.global.Find(m, p.globalMatch(curr.Color, bits, colorThr, descThr))
			if ok || oneIn(p.rand, rate*2) {
				if !ok {
					gw = p.global.Word(p.global.Capacity() - 1)
					p.global.Assign(gw, curr, bits)
				}
				p.global.Reinforce(gw, m, sum)
			}
		}
	} else {
		norm := math32.Max(math32.Max(float32(minColor)/colorRange, float32(minDesc)/descRange), (sumThr-sum)/sumThr)
		p.fb.RecordMatch(m, norm, true, f.ltFactor, f.stFactor)
		fg := true
		if flat || oneIn(p.rand, rate) {
			if gw, ok := p.global.Find(m, p.globalMatch(curr.Color, bits, colorThr, descThr)); ok {
				div := float32(4)
				if flat {
					div = 2
				}
				fg = sum+p.global.OccupancyAt(gw, m)/div < sumThr
			}
		}
		if fg {
			p.raw[px] = 255
		}
		if sum < initWeight {
			p.local.Set(m, capacity-1, dictionary.NewLocalWord(curr, occIncr, now))
		}
	}

	if (p.raw[px] == 0 && oneIn(p.rand, rate)) || border || p.movingCamera {
		p.spread(m, curr, spreadParams{
			flat:     flat,
			border:   border,
			colorThr: colorThr,
			descThr:  descThr,
			sumThr:   sumThr,
			occIncr:  occIncr,
			rate:     rate,
		}, f)
	}

	if p.illum[px] > 0 {
		p.illum[px]--
	}
	p.fb.RefreshUnstable(m)
	p.fb.UpdatePAWCS(m, feedback.Input{
		LastFG:        p.lastFG[px] != 0,
		CurrFG:        p.raw[px] != 0,
		Blink:         p.blinks[px] != 0,
		Flat:          flat,
		Bootstrapping: f.bootstrapping,
	})
	p.last[m] = curr
	return flat
}

// illuminationDraw draws the illumination update event of pixel px. Pixels flagged by a
// recent update nearby draw about twice as often.
func (p *PAWCS) illuminationDraw(px, rate int) bool {
	if p.illum[px] != 0 {
		return oneIn(p.rand, rate/2+1)
	}
	return oneIn(p.rand, rate)
}

// sortWords finishes the reorder of model m so that weights are non-increasing by slot. It
// only touches the slot range of m.
func (p *PAWCS) sortWords(m int, weight func(*dictionary.LocalWord) float32) {
	for i := 0; i < p.local.Capacity() && !p.local.Sorted(m, weight); i++ {
		p.local.SortPass(m, weight)
	}
}

type spreadParams struct {
	flat     bool
	border   bool
	colorThr int
	descThr  int
	sumThr   float32
	occIncr  uint64
	rate     int
}

// spread reinforces the words of a random neighbor that match the current observation, and
// replaces its weakest word when none does. Neighbors outside the ROI are skipped.
func (p *PAWCS) spread(m int, curr lbsp.Feature, sp spreadParams, f *pawcsFrame) {
	x, y := p.xy(m)
	var nx, ny int
	if sp.flat || sp.border || p.movingCamera {
		nx, ny = Neighbor5x5(p.rand, x, y, p.width, p.height)
	} else {
		nx, ny = Neighbor3x3(p.rand, x, y, p.width, p.height)
	}
	nm, ok := p.modelAt(nx, ny)
	if !ok {
		return
	}
	ch := p.channels
	now := p.frameIndex
	capacity := p.local.Capacity()
	touch := func(w *dictionary.LocalWord, incr uint64) float32 {
		weight := f.weight(w)
		w.Last = now
		if weight < pawcsMaxWeight {
			w.Occurrences += incr
		}
		return weight
	}

	var sum float32
	for slot := 0; slot < capacity && sum < sp.sumThr; slot++ {
		w := p.local.At(nm, slot)
		l1 := lbsp.L1(curr.Color, w.Color, ch)
		colorDist, cdist := l1, 0
		if ch == 3 {
			cdist = lbsp.CDist(curr.Color, w.Color, 3)
			colorDist = lbsp.CMixDist(l1, cdist)
		}
		intraDist := lbsp.HammingN(curr.Desc, w.Desc, ch)
		incr := sp.occIncr
		if isFlat(w.Desc, ch) {
			incr *= 2
		}

		switch {
		case colorDist <= sp.colorThr && intraDist <= sp.descThr:
			sum += touch(w, incr)
		case p.raw[p.pixels[nm]] == 0 && sp.flat && (f.bootstrapping || oneIn(p.rand, sp.rate)):
			lastDesc := p.last[nm].Desc
			lastDist := lbsp.HammingN(curr.Desc, lastDesc, ch)
			if colorDist <= sp.colorThr && lastDist <= sp.descThr/2 {
				sum += touch(w, incr)
				w.Desc = curr.Desc
			} else if ch == 3 && isFlat(lastDesc, ch) && lastDist+intraDist <= sp.descThr &&
				cdist <= sp.colorThr/4 {
				sum += touch(w, incr)
				w.Color = curr.Color
			}
		}
	}
	if sum < 1/float32(p.weightOffset) {
		p.local.Set(nm, capacity-1, dictionary.NewLocalWord(curr, sp.occIncr, now))
	}
}

// globalBackground returns the dilated inverse of the last mask downsampled to the global
// occupancy map size.
func (p *PAWCS) globalBackground() ([]byte, error) {
	src, err := gocv.NewMatFromBytes(p.height, p.width, gocv.MatTypeCV8UC1, p.dilatedInv)
	if err != nil {
		return nil, errors.Wrap(err, "pawcs: wrap dilated mask")
	}
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	mw, mh := p.global.MapSize()
	if err := gocv.Resize(src, &dst, image.Pt(mw, mh), 0, 0, gocv.InterpolationNearestNeighbor); err != nil {
		return nil, errors.Wrap(err, "pawcs: downsample dilated mask")
	}
	return dst.ToBytes(), nil
}

// analyzeFrame runs the frame-level analysis: moving-camera detection every bootstrap
// window and the L1-driven automatic reset.
func (p *PAWCS) analyzeFrame(frame gocv.Mat, ltFactor, stFactor float32, cooldown int, bootstrapping bool) error {
	if err := p.analyzer.Accumulate(frame, ltFactor, stFactor); err != nil {
		return err
	}
	ratio := p.analyzer.L1Ratio()
	if !p.governor.EnableOnSpike(ratio, pawcsL1Threshold) && !p.movingCamera {
		p.governor.Tick()
		return nil
	}
	if p.frameIndex%pawcsBootstrapFrames == 0 {
		if err := p.checkMovingCamera(bootstrapping); err != nil {
			return err
		}
	}
	if p.governor.ObserveL1(ratio, pawcsL1Threshold, cooldown, bootstrapping) {
		Logger.Printf("🔄 pawcs: scene change (L1 ratio %.2f), resampling the model", ratio)
		p.refresh(p.weightOffset/8, 0, true)
		p.fb.FillT(1)
	}
	return nil
}

// checkMovingCamera compares the model background with the long-term frame mean and enters
// or leaves the moving-camera mode.
func (p *PAWCS) checkMovingCamera(bootstrapping bool) error {
	bg, err := p.backgroundImage()
	if err != nil {
		return err
	}
	defer bg.Close()
	l1, cdist, err := p.analyzer.CompareLT(bg)
	if err != nil {
		return err
	}
	switch {
	case p.movingCamera && l1 < pawcsL1Threshold/4 && cdist < pawcsCDistThreshold/4:
		Logger.Printf("📷 pawcs: background matches the scene again (L1 %.2f, cdist %.2f), leaving moving-camera mode", l1, cdist)
		p.weightOffset = pawcsWeightOffset
		p.movingCamera = false
		p.refresh(1, 1, true)
	case bootstrapping && !p.movingCamera && (l1 >= pawcsL1Threshold || cdist >= pawcsCDistThreshold):
		Logger.Printf("📷 pawcs: background diverges from the scene (L1 %.2f, cdist %.2f), entering moving-camera mode", l1, cdist)
		p.weightOffset = pawcsMovingCameraOffset
		p.movingCamera = true
		p.refresh(1, 1, true)
	}
	return nil
}

// MovingCamera reports whether the model runs in moving-camera mode.
func (p *PAWCS) MovingCamera() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.movingCamera
}

// backgroundImage returns the weight-normalized average color of every local dictionary.
// Pixels whose words all weigh zero use their best word.
func (p *PAWCS) backgroundImage() (gocv.Mat, error) {
	ch := p.channels
	weight := p.weightFn()
	out := make([]byte, p.width*p.height*ch)
	for m, px := range p.pixels {
		var total float32
		var color [3]float32
		for slot := 0; slot < p.local.Capacity(); slot++ {
			if !p.local.Populated(m, slot) {
				continue
			}
			w := p.local.At(m, slot)
			wt := weight(w)
			for c := 0; c < ch; c++ {
				color[c] += float32(w.Color[c]) * wt
			}
			total += wt
		}
		best := p.local.At(m, 0)
		for c := 0; c < ch; c++ {
			if total > 0 {
				out[px*ch+c] = roundByte(color[c] / total)
			} else {
				out[px*ch+c] = best.Color[c]
			}
		}
	}
	m, err := gocv.NewMatFromBytes(p.height, p.width, matType(ch), out)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "pawcs: wrap background")
	}
	return m, nil
}

// roundByte rounds half to even and clamps to [0, 255].
func roundByte(v float32) uint8 {
	r := math.RoundToEven(float64(v))
	switch {
	case r <= 0:
		return 0
	case r >= 255:
		return 255
	}
	return uint8(r)
}

// BackgroundImage returns the weight-normalized average of the local words.
func (p *PAWCS) BackgroundImage() (gocv.Mat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return gocv.NewMat(), ErrNotInitialized
	}
	return p.backgroundImage()
}

// BackgroundDescriptorsImage returns the descriptor of every pixel's best word.
func (p *PAWCS) BackgroundDescriptorsImage() (gocv.Mat, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return gocv.NewMat(), ErrNotInitialized
	}
	out := make([]uint16, p.width*p.height*p.channels)
	for m, px := range p.pixels {
		best := p.local.At(m, 0)
		for c := 0; c < p.channels; c++ {
			out[px*p.channels+c] = best.Desc[c]
		}
	}
	return descriptorMat(out, p.width, p.height, p.channels)
}

// SetROI replaces the ROI. An initialized model is rebuilt from its background image.
func (p *PAWCS) SetROI(roi gocv.Mat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return p.storeROI(roi, roi.Cols(), roi.Rows())
	}
	if err := p.storeROI(roi, p.width, p.height); err != nil {
		return err
	}
	bg, err := p.backgroundImage()
	if err != nil {
		return err
	}
	defer bg.Close()
	return p.initialize(bg, roi)
}

// SetAutomaticModelReset toggles the frame-level partial reset.
func (p *PAWCS) SetAutomaticModelReset(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.governor.Enabled = enabled
}

// Close releases the native resources.
func (p *PAWCS) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	var err error
	if p.post != nil {
		err = p.post.Close()
		p.post = nil
	}
	if p.analyzer != nil {
		if cerr := p.analyzer.Close(); err == nil {
			err = cerr
		}
		p.analyzer = nil
	}
	if p.tracker != nil {
		if cerr := p.tracker.Close(); err == nil {
			err = cerr
		}
		p.tracker = nil
	}
	return err
}
