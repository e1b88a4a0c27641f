package lbsp

import (
	"math"

	"github.com/chewxy/math32"
)

const (
	// RatioMin is the descriptor-activity ratio under which thresholds are lowered.
	RatioMin = 0.1
	// RatioMax is the descriptor-activity ratio over which thresholds are raised.
	RatioMax = 0.5
)

// FloorRule selects the lower bound a threshold may be adapted down to.
type FloorRule int

const (
	// FloorFixed disables adaptation entirely.
	FloorFixed FloorRule = iota
	// FloorCeilQuarter bounds thresholds at offset+ceil(t*rel/4).
	FloorCeilQuarter
	// FloorQuarter bounds thresholds at (offset+t*rel)/4.
	FloorQuarter
)

// ThresholdLUT maps an intensity to the LBSP similarity threshold used for it.
//
// The table is model state: it is built once at initialization and may then be nudged one
// step per entry per frame by Adapt when descriptors become persistently too quiet or too
// noisy.
type ThresholdLUT struct {
	values    [256]uint8
	rel       float32
	offset    int
	floor     FloorRule
	lastRatio float32
}

// NewThresholdLUT builds the table values[t] = saturate((offset + t*rel) / divisor).
//
// Arguments:
//   - rel: Relative threshold, as a fraction of the intensity.
//   - offset: Absolute threshold offset.
//   - divisor: Scales the whole table down (grayscale models use a tighter table).
//   - floor: The adaptation rule; FloorFixed for a static table.
//
// Returns:
//   - *ThresholdLUT: The table.
func NewThresholdLUT(rel float32, offset int, divisor float32, floor FloorRule) *ThresholdLUT {
	l := &ThresholdLUT{rel: rel, offset: offset, floor: floor}
	for t := 0; t < 256; t++ {
		l.values[t] = saturate((float32(offset) + float32(t)*rel) / divisor)
	}
	return l
}

// At returns the threshold for intensity v.
func (l *ThresholdLUT) At(v uint8) uint8 {
	return l.values[v]
}

// Values returns a copy of the table.
func (l *ThresholdLUT) Values() [256]uint8 {
	return l.values
}

// Adapt moves every entry one step toward its floor when ratio and the previous frame's
// ratio are both under RatioMin, or one step toward its ceiling when both are over
// RatioMax.
//
// Arguments:
//   - ratio: The fraction of active (non-flat) descriptors in the current frame.
//
// Returns:
//   - bool: Whether the table changed.
func (l *ThresholdLUT) Adapt(ratio float32) bool {
	if l.floor == FloorFixed {
		return false
	}
	changed := false
	switch {
	case ratio < RatioMin && l.lastRatio < RatioMin:
		for t := 0; t < 256; t++ {
			if l.values[t] > l.floorAt(t) {
				l.values[t]--
				changed = true
			}
		}
	case ratio > RatioMax && l.lastRatio > RatioMax:
		ceiling := saturate(float32(l.offset) + 255*l.rel)
		for t := 0; t < 256; t++ {
			if l.values[t] < ceiling {
				l.values[t]++
				changed = true
			}
		}
	}
	l.lastRatio = ratio
	return changed
}

func (l *ThresholdLUT) floorAt(t int) uint8 {
	if l.floor == FloorCeilQuarter {
		return saturate(float32(l.offset) + math32.Ceil(float32(t)*l.rel/4))
	}
	return saturate((float32(l.offset) + float32(t)*l.rel) / 4)
}

// saturate rounds half to even and clamps to [0, 255].
func saturate(v float32) uint8 {
	r := math.RoundToEven(float64(v))
	if r <= 0 {
		return 0
	}
	if r >= 255 {
		return 255
	}
	return uint8(r)
}
