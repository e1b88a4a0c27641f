package bgs

import (
	"github.com/nvr-ai/go-lbsp/dictionary"
	"github.com/nvr-ai/go-lbsp/lbsp"
	"gocv.io/x/gocv"
)

// refresh resamples the local dictionaries from the last observed features and rebuilds the
// global dictionary from the best local words.
//
// Arguments:
//   - baseOcc: Occurrence count of words created by the resampling.
//   - occDecr: Fraction of every existing word's occurrences removed first, in [0, 1].
//   - force: Also refresh pixels covered by the dilated foreground, and sample from them.
func (p *PAWCS) refresh(baseOcc uint64, occDecr float32, force bool) {
	now := p.frameIndex
	weight := p.weightFn()
	capacity := p.local.Capacity()
	for m, px := range p.pixels {
		if !force && p.dilated[px] != 0 {
			continue
		}
		colorThr, descThr := p.thresholds(m)
		if occDecr > 0 {
			for slot := 0; slot < capacity; slot++ {
				if p.local.Populated(m, slot) {
					w := p.local.At(m, slot)
					w.Occurrences -= uint64(occDecr * float32(w.Occurrences))
				}
			}
		}

		x, y := p.xy(m)
		for i := 0; i < pawcsResampleIterations; i++ {
			sx, sy := SamplePosition(p.rand, x, y, p.width, p.height)
			sm, ok := p.modelAt(sx, sy)
			if !ok || (!force && p.dilated[p.pixels[sm]] != 0) {
				continue
			}
			sample := p.last[sm]
			slot := p.findLocal(m, sample, colorThr, descThr)
			if slot < 0 {
				slot = capacity - 1
				p.local.Set(m, slot, dictionary.NewLocalWord(sample, baseOcc, now))
			} else {
				p.local.At(m, slot).Touch(now, pawcsOccIncr)
			}
			p.local.BubbleUp(m, slot, weight)
		}
		if !p.local.Populated(m, 0) {
			p.local.Set(m, 0, dictionary.NewLocalWord(p.last[m], max(baseOcc, 1), now))
		}
		p.fillLocal(m, colorThr)
		p.sortWords(m, weight)
	}
	p.refreshGlobal(force, weight)
}

// findLocal returns the first populated slot of model m matching f, or -1.
func (p *PAWCS) findLocal(m int, f lbsp.Feature, colorThr, descThr int) int {
	for slot := 0; slot < p.local.Capacity(); slot++ {
		if !p.local.Populated(m, slot) {
			continue
		}
		w := p.local.At(m, slot)
		if p.colorDist(f.Color, w.Color) <= colorThr && lbsp.HammingN(f.Desc, w.Desc, p.channels) <= descThr {
			return slot
		}
	}
	return -1
}

// fillLocal populates every empty slot of model m with a jittered copy of a heavier word.
// The copy gets a share of the reference's occurrences that shrinks with the slot index.
func (p *PAWCS) fillLocal(m, colorThr int) {
	capacity := p.local.Capacity()
	for slot := 1; slot < capacity; slot++ {
		if p.local.Populated(m, slot) {
			continue
		}
		ref := p.local.At(m, p.rand.IntN(slot))
		var offset int
		if p.channels == 1 {
			offset = p.rand.IntN(colorThr+1) - colorThr/2
		} else {
			offset = p.rand.IntN(colorThr/3+1) - colorThr/6
		}
		f := ref.Feature
		for c := 0; c < p.channels; c++ {
			f.Color[c] = clampByte(int(ref.Color[c]) + offset)
		}
		occ := uint64(float32(ref.Occurrences) * float32(capacity-slot) / float32(capacity))
		p.local.Set(m, slot, dictionary.NewLocalWord(f, max(occ, 1), p.frameIndex))
	}
}

// refreshGlobal projects the best local words of evenly spaced pixels into the global
// dictionary, over passes of increasing density, then re-ranks it for every pixel.
func (p *PAWCS) refreshGlobal(force bool, weight func(*dictionary.LocalWord) float32) {
	g := p.global
	step := max(p.width*p.height/g.Capacity(), 1)
	for pass := 0; pass < pawcsGlobalInitPasses; pass++ {
		for m, px := range p.pixels {
			if px%step != 0 || (!force && p.dilated[px] != 0) {
				continue
			}
			colorThr, descThr := p.thresholds(m)
			best := p.local.At(m, 0)
			bits := lbsp.PopcountN(best.Desc, p.channels)
			match := p.globalMatch(best.Color, bits, colorThr, descThr)
			rank := 0
			for ; rank < g.Capacity(); rank++ {
				if w := g.Word(rank); w.Populated() && match(w) {
					break
				}
			}
			if rank == g.Capacity() {
				rank--
				g.Assign(g.Word(rank), best.Feature, bits)
			}
			g.Reinforce(g.Word(rank), m, weight(best))
			g.BubbleUp(rank)
		}
		step = max(step/3, 1)
	}
	g.FillEmpty()
	for m := range p.pixels {
		g.SortPixel(m)
	}
}

// compensateCamera tracks frame against the previous one and, once a translation has been
// sustained, shifts every per-pixel state by it. Pixels whose source falls outside the ROI
// are reseeded from the current frame.
func (p *PAWCS) compensateCamera(frame gocv.Mat) error {
	shift, ok, err := p.tracker.Observe(frame)
	if err != nil || !ok {
		return err
	}
	sources := make([]int, len(p.pixels))
	for m := range p.pixels {
		x, y := p.xy(m)
		sx, sy := x-shift.X, y-shift.Y
		sources[m] = -1
		if sx < 0 || sy < 0 || sx >= p.width || sy >= p.height {
			continue
		}
		if sm, ok := p.modelAt(sx, sy); ok {
			sources[m] = sm
		}
	}
	src := func(m int) (int, bool) { return sources[m], sources[m] >= 0 }

	released := p.local.Relocate(src)
	p.global.RelocatePixels(src)
	p.fb.Relocate(src, p.fb.Params().TLower)
	weight := p.weightFn()
	last := make([]lbsp.Feature, len(p.last))
	for m, from := range sources {
		if from >= 0 {
			last[m] = p.last[from]
			continue
		}
		last[m] = p.intra[m]
		p.local.Set(m, 0, dictionary.NewLocalWord(p.intra[m], pawcsOccIncr, p.frameIndex))
		colorThr, _ := p.thresholds(m)
		p.fillLocal(m, colorThr)
		p.sortWords(m, weight)
	}
	p.last = last
	clear(p.illum)
	Logger.Printf("📷 pawcs: camera moved by (%d,%d), relocated the model, %d pixels reseeded",
		shift.X, shift.Y, released)
	return nil
}

func clampByte(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
