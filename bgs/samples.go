package bgs

import (
	"fmt"

	"github.com/nvr-ai/go-lbsp/dictionary"
	"github.com/nvr-ai/go-lbsp/lbsp"
	"gocv.io/x/gocv"
)

// sampleModel is the per-pixel sample set shared by LOBSTER and SuBSENSE.
type sampleModel struct {
	base
	samples *dictionary.Arena[dictionary.Sample]
}

// fillSamples populates every sample of the given models from positions drawn around each
// pixel in img. A nil models slice selects every model.
func (s *sampleModel) fillSamples(img lbsp.Image, models []int, keep func(m, slot int) bool) {
	n := s.samples.Capacity()
	fill := func(m int) {
		x, y := s.xy(m)
		for slot := 0; slot < n; slot++ {
			if keep != nil && keep(m, slot) {
				continue
			}
			sx, sy := SamplePosition(s.rand, x, y, s.width, s.height)
			s.samples.Set(m, slot, lbsp.Extract(img, sx, sy, s.lut))
		}
	}
	if models == nil {
		for m := range s.pixels {
			fill(m)
		}
		return
	}
	for _, m := range models {
		fill(m)
	}
}

// checkBootstrap panics when a model pixel lost its first sample.
func (s *sampleModel) checkBootstrap() {
	for m := range s.pixels {
		if !s.samples.Populated(m, 0) {
			x, y := s.xy(m)
			panic(fmt.Sprintf("bgs: sample model at (%d,%d) has an empty first slot after bootstrap", x, y))
		}
	}
}

// meanImage returns the rounded per-channel mean color of the samples.
func (s *sampleModel) meanImage() (gocv.Mat, error) {
	out := make([]byte, s.width*s.height*s.channels)
	n := s.samples.Capacity()
	for m, px := range s.pixels {
		var sum [3]int
		for slot := 0; slot < n; slot++ {
			w := s.samples.At(m, slot)
			for c := 0; c < s.channels; c++ {
				sum[c] += int(w.Color[c])
			}
		}
		for c := 0; c < s.channels; c++ {
			out[px*s.channels+c] = byte((sum[c]*2 + n) / (2 * n))
		}
	}
	return gocv.NewMatFromBytes(s.height, s.width, matType(s.channels), out)
}

// meanDescriptors returns the rounded per-channel mean descriptor value of the samples.
func (s *sampleModel) meanDescriptors() (gocv.Mat, error) {
	out := make([]uint16, s.width*s.height*s.channels)
	n := s.samples.Capacity()
	for m, px := range s.pixels {
		var sum [3]int
		for slot := 0; slot < n; slot++ {
			w := s.samples.At(m, slot)
			for c := 0; c < s.channels; c++ {
				sum[c] += int(w.Desc[c])
			}
		}
		for c := 0; c < s.channels; c++ {
			out[px*s.channels+c] = uint16((sum[c]*2 + n) / (2 * n))
		}
	}
	return descriptorMat(out, s.width, s.height, s.channels)
}
