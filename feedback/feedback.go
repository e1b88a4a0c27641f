// Package feedback - Pixel-level feedback control for the adaptive background models.
//
// Each model pixel carries three control variables that are adjusted after every frame from
// that pixel's own history, without any coupling between pixels:
//
//   - R, the distance threshold factor: scales the color and descriptor thresholds.
//   - T, the update period: a pixel refreshes its model with probability 1/T.
//   - v, the variation factor: grows while the pixel blinks and drives how fast R moves.
//
// The history is a set of rolling means over a long-term (LT) and a short-term (ST) window:
// the normalized minimal match distance, the raw segmentation and the post-processed
// segmentation.
package feedback

import "github.com/chewxy/math32"

// Params holds the feedback constants of one model family.
type Params struct {
	// RVar scales every change of R.
	RVar float32
	// VIncr is added to v while a pixel blinks.
	VIncr float32
	// VDecr is subtracted from v otherwise; it is also v's floor.
	VDecr float32
	// TDecr and TIncr scale the decrease and increase of T.
	TDecr float32
	TIncr float32
	// TLower and TUpper bound T.
	TLower float32
	TUpper float32
	// UnstableRatio is the raw-vs-final segmentation gap over which a pixel is unstable; it
	// also bounds the minimal distances that count as a marginal match.
	UnstableRatio float32
	// UnstableR is the R over which a pixel is unstable.
	UnstableR float32
	// InitialR and InitialV seed R and v.
	InitialR float32
	InitialV float32
}

// SuBSENSEParams returns the constants used by the sample-consensus model.
func SuBSENSEParams() Params {
	return Params{
		RVar:          0.01,
		VIncr:         1,
		VDecr:         0.1,
		TDecr:         0.25,
		TIncr:         0.5,
		TLower:        2,
		TUpper:        256,
		UnstableRatio: 0.1,
		UnstableR:     3,
		InitialR:      1,
		InitialV:      10,
	}
}

// PAWCSParams returns the constants used by the word-consensus model.
func PAWCSParams() Params {
	p := SuBSENSEParams()
	p.TLower = 1
	p.InitialR = 2
	return p
}

// Input carries the per-frame flags the control update depends on.
type Input struct {
	// LastFG is the pixel's post-processed label in the previous frame.
	LastFG bool
	// CurrFG is the pixel's raw label in the current frame.
	CurrFG bool
	// Blink marks pixels whose raw label keeps flipping away from foreground blobs.
	Blink bool
	// Flat marks pixels whose descriptor has almost no set bits.
	Flat bool
	// Bootstrapping is true during the model's warm-up window.
	Bootstrapping bool
	// LowerCap and UpperCap bound T for this frame.
	LowerCap float32
	UpperCap float32
}

// State is the struct-of-arrays control state of every pixel of a frame, indexed by linear
// pixel index.
type State struct {
	R []float32
	T []float32
	V []float32

	MinDistLT []float32
	MinDistST []float32
	RawSegmLT []float32
	RawSegmST []float32
	// FinalSegmLT and FinalSegmST hold the post-processed segmentation means.
	FinalSegmLT []float32
	FinalSegmST []float32
	// LastDist is the short-term mean distance between consecutive observations.
	LastDist []float32
	Unstable []bool

	params Params
}

// NewState allocates the state of pixels pixels and seeds it with Reset.
func NewState(pixels int, p Params, initialT float32) *State {
	s := &State{
		R:           make([]float32, pixels),
		T:           make([]float32, pixels),
		V:           make([]float32, pixels),
		MinDistLT:   make([]float32, pixels),
		MinDistST:   make([]float32, pixels),
		RawSegmLT:   make([]float32, pixels),
		RawSegmST:   make([]float32, pixels),
		FinalSegmLT: make([]float32, pixels),
		FinalSegmST: make([]float32, pixels),
		LastDist:    make([]float32, pixels),
		Unstable:    make([]bool, pixels),
		params:      p,
	}
	s.Reset(initialT)
	return s
}

// Params returns the constants the state was built with.
func (s *State) Params() Params { return s.params }

// Len returns the number of pixels.
func (s *State) Len() int { return len(s.R) }

// Reset seeds R, v and T and clears every rolling mean.
func (s *State) Reset(initialT float32) {
	for i := range s.R {
		s.R[i] = s.params.InitialR
		s.V[i] = s.params.InitialV
		s.T[i] = initialT
		s.MinDistLT[i] = 0
		s.MinDistST[i] = 0
		s.RawSegmLT[i] = 0
		s.RawSegmST[i] = 0
		s.FinalSegmLT[i] = 0
		s.FinalSegmST[i] = 0
		s.LastDist[i] = 0
		s.Unstable[i] = false
	}
}

// FillT sets T of every pixel.
func (s *State) FillT(v float32) {
	for i := range s.T {
		s.T[i] = v
	}
}

// MinDistBounds returns the smaller and larger of the LT and ST minimal distance means.
func (s *State) MinDistBounds(i int) (lo, hi float32) {
	return math32.Min(s.MinDistLT[i], s.MinDistST[i]), math32.Max(s.MinDistLT[i], s.MinDistST[i])
}

// RecordMatch folds the normalized minimal distance of the current frame into the rolling
// means, and moves the raw segmentation means toward fg.
//
// Arguments:
//   - i: The pixel index.
//   - minDist: The normalized minimal distance in [0, 1].
//   - fg: The raw label of the pixel.
//   - lt, st: The rolling factors (1/window) of the two horizons.
func (s *State) RecordMatch(i int, minDist float32, fg bool, lt, st float32) {
	s.MinDistLT[i] = s.MinDistLT[i]*(1-lt) + minDist*lt
	s.MinDistST[i] = s.MinDistST[i]*(1-st) + minDist*st
	s.RawSegmLT[i] *= 1 - lt
	s.RawSegmST[i] *= 1 - st
	if fg {
		s.RawSegmLT[i] += lt
		s.RawSegmST[i] += st
	}
}

// RecordLastDist folds the distance between consecutive observations into LastDist.
func (s *State) RecordLastDist(i int, dist, st float32) {
	s.LastDist[i] = s.LastDist[i]*(1-st) + dist*st
}

// RecordFinal folds a full-frame post-processed mask (0/255 per pixel) into the final
// segmentation means. pixels maps every state index to its linear pixel index in mask; nil
// means the state covers mask one to one.
func (s *State) RecordFinal(mask []byte, pixels []int, lt, st float32) {
	for i := range s.FinalSegmLT {
		px := i
		if pixels != nil {
			px = pixels[i]
		}
		v := float32(mask[px]) / 255
		s.FinalSegmLT[i] = s.FinalSegmLT[i]*(1-lt) + v*lt
		s.FinalSegmST[i] = s.FinalSegmST[i]*(1-st) + v*st
	}
}

// Relocate moves the state of pixel src(i) to pixel i. Pixels without a source are reseeded
// the way Reset seeds them, with T set to initialT.
func (s *State) Relocate(src func(i int) (int, bool), initialT float32) {
	next := NewState(s.Len(), s.params, initialT)
	for i := 0; i < s.Len(); i++ {
		from, ok := src(i)
		if !ok || from < 0 || from >= s.Len() {
			continue
		}
		next.R[i] = s.R[from]
		next.T[i] = s.T[from]
		next.V[i] = s.V[from]
		next.MinDistLT[i] = s.MinDistLT[from]
		next.MinDistST[i] = s.MinDistST[from]
		next.RawSegmLT[i] = s.RawSegmLT[from]
		next.RawSegmST[i] = s.RawSegmST[from]
		next.FinalSegmLT[i] = s.FinalSegmLT[from]
		next.FinalSegmST[i] = s.FinalSegmST[from]
		next.LastDist[i] = s.LastDist[from]
		next.Unstable[i] = s.Unstable[from]
	}
	*s = *next
}

// RefreshUnstable recomputes and returns whether pixel i is unstable: R is large, or the raw
// segmentation runs ahead of the post-processed one on either horizon.
func (s *State) RefreshUnstable(i int) bool {
	p := s.params
	u := s.R[i] > p.UnstableR ||
		s.RawSegmLT[i]-s.FinalSegmLT[i] > p.UnstableRatio ||
		s.RawSegmST[i]-s.FinalSegmST[i] > p.UnstableRatio
	s.Unstable[i] = u
	return u
}

// UpdateSuBSENSE applies the sample-consensus control law to pixel i.
func (s *State) UpdateSuBSENSE(i int, in Input) {
	p := s.params
	lo, hi := s.MinDistBounds(i)
	t, v := s.T[i], s.V[i]

	if in.LastFG || (lo < p.UnstableRatio && in.CurrFG) {
		if t < in.UpperCap {
			t += p.TIncr / (hi * v)
		}
	} else if t > in.LowerCap {
		t -= p.TDecr * v / hi
	}
	s.T[i] = clamp(t, in.LowerCap, in.UpperCap)

	if hi > p.UnstableRatio && in.Blink {
		v += p.VIncr
	} else if v > p.VDecr {
		switch {
		case in.LastFG:
			v -= p.VDecr / 4
		case s.Unstable[i]:
			v -= p.VDecr / 2
		default:
			v -= p.VDecr
		}
		v = math32.Max(v, p.VDecr)
	}
	s.V[i] = v

	s.updateR(i, lo)
}

// UpdatePAWCS applies the word-consensus control law to pixel i. T is bounded by the
// constant TLower/TUpper instead of the input caps.
func (s *State) UpdatePAWCS(i int, in Input) {
	p := s.params
	lo, hi := s.MinDistBounds(i)
	v := s.V[i]

	if in.LastFG || (lo < p.UnstableRatio && in.CurrFG) {
		s.T[i] = math32.Min(s.T[i]+p.TIncr/(hi*v), p.TUpper)
	} else {
		s.T[i] = math32.Max(s.T[i]-p.TDecr*v/hi, p.TLower)
	}
	if math32.IsNaN(s.T[i]) {
		s.T[i] = p.TLower
	}

	if hi > p.UnstableRatio && in.Blink {
		if in.Bootstrapping {
			v += p.VIncr * 2
		} else {
			v += p.VIncr
		}
	} else {
		factor := float32(1)
		switch {
		case in.Bootstrapping || in.Flat:
			factor = 2
		case in.LastFG:
			factor = 0.5
		}
		v = math32.Max(v-p.VDecr*factor, p.VDecr)
	}
	s.V[i] = v

	s.updateR(i, lo)
}

func (s *State) updateR(i int, lo float32) {
	p := s.params
	r := s.R[i]
	if r < math32.Pow(1+lo*2, 2) {
		r += p.RVar * (s.V[i] - p.VDecr)
	} else {
		r = math32.Max(r-p.RVar/s.V[i], 1)
	}
	s.R[i] = r
}

// clamp bounds v to [lo, hi]; NaN maps to lo.
func clamp(v, lo, hi float32) float32 {
	if !(v >= lo) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
