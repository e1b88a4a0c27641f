package bgs

import (
	"io"
	"log"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestMain(m *testing.M) {
	Logger = log.New(io.Discard, "", 0)
	os.Exit(m.Run())
}

const (
	testWidth  = 48
	testHeight = 40
)

// newFrame returns a frame filled by fill(x, y, c).
func newFrame(t *testing.T, width, height, channels int, fill func(x, y, c int) byte) gocv.Mat {
	t.Helper()
	data := make([]byte, width*height*channels)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			for c := 0; c < channels; c++ {
				data[(y*width+x)*channels+c] = fill(x, y, c)
			}
		}
	}
	m, err := gocv.NewMatFromBytes(height, width, matType(channels), data)
	require.NoError(t, err)
	return m
}

func uniform(t *testing.T, channels int, value byte) gocv.Mat {
	return newFrame(t, testWidth, testHeight, channels, func(int, int, int) byte { return value })
}

// withSquare draws a size x size square of value over a uniform background.
func withSquare(t *testing.T, channels int, bg, value byte, x0, y0, size int) gocv.Mat {
	return newFrame(t, testWidth, testHeight, channels, func(x, y, _ int) byte {
		if x >= x0 && x < x0+size && y >= y0 && y < y0+size {
			return value
		}
		return bg
	})
}

func newModels(t *testing.T) map[string]func() Model {
	t.Helper()
	return map[string]func() Model{
		"lobster": func() Model {
			m, err := NewLOBSTER(DefaultLOBSTERConfig())
			require.NoError(t, err)
			return m
		},
		"subsense": func() Model {
			m, err := NewSuBSENSE(DefaultSuBSENSEConfig())
			require.NoError(t, err)
			return m
		},
		"pawcs": func() Model {
			m, err := NewPAWCS(DefaultPAWCSConfig())
			require.NoError(t, err)
			return m
		},
	}
}

func countForeground(mask gocv.Mat) int {
	n := 0
	for _, v := range mask.ToBytes() {
		if v != 0 {
			n++
		}
	}
	return n
}

// countIn counts the foreground pixels of the size x size square at (x0, y0).
func countIn(mask gocv.Mat, x0, y0, size int) int {
	n := 0
	for y := y0; y < y0+size; y++ {
		for x := x0; x < x0+size; x++ {
			if mask.GetUCharAt(y, x) != 0 {
				n++
			}
		}
	}
	return n
}

// distanceFactor returns R at (x, y) for the models that run the feedback loop.
func distanceFactor(model Model, x, y int) (float32, bool) {
	switch m := model.(type) {
	case *SuBSENSE:
		if i, ok := m.modelAt(x, y); ok {
			return m.fb.R[i], true
		}
	case *PAWCS:
		if i, ok := m.modelAt(x, y); ok {
			return m.fb.R[i], true
		}
	}
	return 0, false
}

// modelHasColor reports whether a sample or populated local word at (x, y) has color.
func modelHasColor(model Model, x, y int, color [3]uint8) bool {
	var sm *sampleModel
	switch m := model.(type) {
	case *LOBSTER:
		sm = &m.sampleModel
	case *SuBSENSE:
		sm = &m.sampleModel
	case *PAWCS:
		i, ok := m.modelAt(x, y)
		if !ok {
			return false
		}
		for slot := 0; slot < m.local.Capacity(); slot++ {
			if m.local.Populated(i, slot) && m.local.At(i, slot).Color == color {
				return true
			}
		}
		return false
	default:
		return false
	}
	i, ok := sm.modelAt(x, y)
	if !ok {
		return false
	}
	for slot := 0; slot < sm.samples.Capacity(); slot++ {
		if sm.samples.At(i, slot).Color == color {
			return true
		}
	}
	return false
}

func TestStaticSceneIsBackground(t *testing.T) {
	for name, build := range newModels(t) {
		for _, channels := range []int{1, 3} {
			t.Run(name+"/"+map[int]string{1: "gray", 3: "color"}[channels], func(t *testing.T) {
				model := build()
				defer model.Close()

				frame := uniform(t, channels, 90)
				defer frame.Close()
				roi := gocv.NewMat()
				defer roi.Close()
				require.NoError(t, model.Initialize(frame, roi))

				mask := gocv.NewMat()
				defer mask.Close()
				for i := 0; i < 20; i++ {
					require.NoError(t, model.Apply(frame, &mask, 0))
				}
				assert.Equal(t, testHeight, mask.Rows())
				assert.Equal(t, testWidth, mask.Cols())
				assert.Equal(t, gocv.MatTypeCV8UC1, mask.Type())
				assert.Zero(t, countForeground(mask))
			})
		}
	}
}

func TestNewObjectIsForeground(t *testing.T) {
	for name, build := range newModels(t) {
		t.Run(name, func(t *testing.T) {
			model := build()
			defer model.Close()

			bg := uniform(t, 1, 60)
			defer bg.Close()
			roi := gocv.NewMat()
			defer roi.Close()
			require.NoError(t, model.Initialize(bg, roi))

			mask := gocv.NewMat()
			defer mask.Close()
			require.NoError(t, model.Apply(bg, &mask, 0))

			obj := withSquare(t, 1, 60, 220, 14, 12, 16)
			defer obj.Close()
			require.NoError(t, model.Apply(obj, &mask, 0))

			assert.Equal(t, uint8(255), mask.GetUCharAt(20, 22), "center of the object")
			assert.Equal(t, uint8(0), mask.GetUCharAt(36, 4), "far background")
		})
	}
}

func TestConstantSceneBackgroundImage(t *testing.T) {
	for name, build := range newModels(t) {
		t.Run(name, func(t *testing.T) {
			model := build()
			defer model.Close()

			frame := uniform(t, 3, 128)
			defer frame.Close()
			roi := gocv.NewMat()
			defer roi.Close()
			require.NoError(t, model.Initialize(frame, roi))
			mask := gocv.NewMat()
			defer mask.Close()
			for i := 0; i < 10; i++ {
				require.NoError(t, model.Apply(frame, &mask, 0))
			}

			bg, err := model.BackgroundImage()
			require.NoError(t, err)
			defer bg.Close()
			require.Equal(t, gocv.MatTypeCV8UC3, bg.Type())

			// words filling out a dictionary are copies of the observed color jittered by at most 14
			for y := lbspMargin; y < testHeight-lbspMargin; y++ {
				for x := lbspMargin; x < testWidth-lbspMargin; x++ {
					v := bg.GetVecbAt(y, x)
					for c := 0; c < 3; c++ {
						assert.InDelta(t, 128, int(v[c]), 14, "pixel (%d,%d) channel %d", x, y, c)
					}
				}
			}

			desc, err := model.BackgroundDescriptorsImage()
			require.NoError(t, err)
			defer desc.Close()
			assert.Equal(t, gocv.MatTypeCV16UC3, desc.Type())
		})
	}
}

// lbspMargin is the border band no model pixel lives in.
const lbspMargin = 2

func TestFramePreconditions(t *testing.T) {
	for name, build := range newModels(t) {
		t.Run(name, func(t *testing.T) {
			model := build()
			defer model.Close()
			empty := gocv.NewMat()
			defer empty.Close()
			frame := uniform(t, 1, 10)
			defer frame.Close()
			mask := gocv.NewMat()
			defer mask.Close()

			err := model.Apply(frame, &mask, 0)
			assert.True(t, errors.Is(err, ErrNotInitialized))
			_, err = model.BackgroundImage()
			assert.True(t, errors.Is(err, ErrNotInitialized))

			err = model.Initialize(empty, empty)
			assert.True(t, errors.Is(err, ErrEmptyFrame))

			float := gocv.NewMatWithSize(testHeight, testWidth, gocv.MatTypeCV32F)
			defer float.Close()
			err = model.Initialize(float, empty)
			assert.True(t, errors.Is(err, ErrUnsupportedFormat))

			require.NoError(t, model.Initialize(frame, empty))

			color := uniform(t, 3, 10)
			defer color.Close()
			err = model.Apply(color, &mask, 0)
			assert.True(t, errors.Is(err, ErrFrameMismatch))

			small := newFrame(t, 20, 20, 1, func(int, int, int) byte { return 10 })
			defer small.Close()
			err = model.Apply(small, &mask, 0)
			assert.True(t, errors.Is(err, ErrFrameMismatch))
		})
	}
}

func TestROIPreconditions(t *testing.T) {
	testCases := []struct {
		name       string
		roi        func(t *testing.T) gocv.Mat
		expected   error
		// banded models grow the roi by the descriptor radius before clearing the border
		skipBanded bool
	}{
		{
			name: "size mismatch",
			roi: func(t *testing.T) gocv.Mat {
				return newFrame(t, 10, 10, 1, func(int, int, int) byte { return 255 })
			},
			expected: ErrROISizeMismatch,
		},
		{
			name: "non binary values",
			roi: func(t *testing.T) gocv.Mat {
				return newFrame(t, testWidth, testHeight, 1, func(int, int, int) byte { return 127 })
			},
			expected: ErrInvalidROI,
		},
		{
			name: "wrong type",
			roi: func(t *testing.T) gocv.Mat {
				return newFrame(t, testWidth, testHeight, 3, func(int, int, int) byte { return 255 })
			},
			expected: ErrInvalidROI,
		},
		{
			name: "only the descriptor border",
			roi: func(t *testing.T) gocv.Mat {
				return newFrame(t, testWidth, testHeight, 1, func(x, _, _ int) byte {
					if x < lbspMargin {
						return 255
					}
					return 0
				})
			},
			expected:   ErrEmptyROI,
			skipBanded: true,
		},
		{
			name: "all zero",
			roi: func(t *testing.T) gocv.Mat {
				return newFrame(t, testWidth, testHeight, 1, func(int, int, int) byte { return 0 })
			},
			expected: ErrEmptyROI,
		},
	}

	for _, tc := range testCases {
		for name, build := range newModels(t) {
			if tc.skipBanded && name != "lobster" {
				continue
			}
			t.Run(tc.name+"/"+name, func(t *testing.T) {
				model := build()
				defer model.Close()
				frame := uniform(t, 1, 10)
				defer frame.Close()
				roi := tc.roi(t)
				defer roi.Close()

				err := model.Initialize(frame, roi)
				assert.True(t, errors.Is(err, tc.expected), "got %v", err)
			})
		}
	}
}

func TestSetROIBeforeInitialize(t *testing.T) {
	for name, build := range newModels(t) {
		t.Run(name, func(t *testing.T) {
			model := build()
			defer model.Close()

			roi := newFrame(t, testWidth, testHeight, 1, func(x, _, _ int) byte {
				if x < testWidth/2 {
					return 255
				}
				return 0
			})
			defer roi.Close()
			require.NoError(t, model.SetROI(roi))

			frame := uniform(t, 1, 40)
			defer frame.Close()
			empty := gocv.NewMat()
			defer empty.Close()
			require.NoError(t, model.Initialize(frame, empty))

			obj := withSquare(t, 1, 40, 200, 30, 10, 14)
			defer obj.Close()
			mask := gocv.NewMat()
			defer mask.Close()
			require.NoError(t, model.Apply(obj, &mask, 0))
			assert.Equal(t, uint8(0), mask.GetUCharAt(17, 40), "stored roi excludes the right half")
		})
	}
}

func TestSetROIRebuildsInitializedModel(t *testing.T) {
	for name, build := range newModels(t) {
		t.Run(name, func(t *testing.T) {
			model := build()
			defer model.Close()

			frame := uniform(t, 3, 70)
			defer frame.Close()
			empty := gocv.NewMat()
			defer empty.Close()
			require.NoError(t, model.Initialize(frame, empty))

			bad := newFrame(t, 8, 8, 1, func(int, int, int) byte { return 255 })
			defer bad.Close()
			assert.True(t, errors.Is(model.SetROI(bad), ErrROISizeMismatch))

			roi := newFrame(t, testWidth, testHeight, 1, func(_, y, _ int) byte {
				if y < testHeight/2 {
					return 255
				}
				return 0
			})
			defer roi.Close()
			require.NoError(t, model.SetROI(roi))

			mask := gocv.NewMat()
			defer mask.Close()
			require.NoError(t, model.Apply(frame, &mask, 0))
			for y := testHeight - 8; y < testHeight; y++ {
				for x := 0; x < testWidth; x++ {
					require.Equal(t, uint8(0), mask.GetUCharAt(y, x), "(%d,%d) is far outside the roi", x, y)
				}
			}
		})
	}
}

func TestSameSeedSameSegmentation(t *testing.T) {
	for name, build := range newModels(t) {
		t.Run(name, func(t *testing.T) {
			run := func() []byte {
				model := build()
				defer model.Close()
				textured := newFrame(t, testWidth, testHeight, 1, func(x, y, _ int) byte {
					return byte((x*37 + y*91) % 200)
				})
				defer textured.Close()
				empty := gocv.NewMat()
				defer empty.Close()
				require.NoError(t, model.Initialize(textured, empty))

				shifted := newFrame(t, testWidth, testHeight, 1, func(x, y, _ int) byte {
					return byte(((x+3)*37 + y*91) % 200)
				})
				defer shifted.Close()
				mask := gocv.NewMat()
				defer mask.Close()
				for i := 0; i < 3; i++ {
					require.NoError(t, model.Apply(shifted, &mask, 0))
				}
				return mask.ToBytes()
			}
			assert.Equal(t, run(), run())
		})
	}
}

func TestPrepareROI(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()

	roi, count, err := prepareROI(empty, 8, 8, false)
	require.NoError(t, err)
	assert.Equal(t, 64, count)
	assert.Equal(t, 16, countNonZero(roi), "only the 4x4 center fits a descriptor")

	half := newFrame(t, 12, 12, 1, func(x, _, _ int) byte {
		if x < 6 {
			return 255
		}
		return 0
	})
	defer half.Close()
	roi, _, err = prepareROI(half, 12, 12, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(roiInside), roi[5*12+4])
	assert.Equal(t, uint8(roiBorder), roi[5*12+6], "band outside the roi edge")
	assert.Equal(t, uint8(roiOutside), roi[5*12+9])
	assert.Equal(t, uint8(roiOutside), roi[0])
}

func TestIsFlat(t *testing.T) {
	testCases := []struct {
		name     string
		desc     [3]uint16
		channels int
		expected bool
	}{
		{name: "gray empty", desc: [3]uint16{0}, channels: 1, expected: true},
		{name: "gray one bit", desc: [3]uint16{1}, channels: 1, expected: true},
		{name: "gray two bits", desc: [3]uint16{3}, channels: 1, expected: false},
		{name: "color three bits", desc: [3]uint16{1, 1, 1}, channels: 3, expected: true},
		{name: "color four bits", desc: [3]uint16{3, 1, 1}, channels: 3, expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isFlat(tc.desc, tc.channels))
		})
	}
}

func TestPersistentChangeIsAbsorbed(t *testing.T) {
	const (
		x0, y0, size = 14, 12, 16
		cx, cy       = 22, 20
		maxFrames    = 300
		tolerance    = size * size / 10
	)
	changed := [3]uint8{140, 140, 140}

	tests := []struct {
		name     string
		absorbed bool
	}{
		// lobster only learns from background observations
		{name: "lobster", absorbed: false},
		{name: "subsense", absorbed: true},
		{name: "pawcs", absorbed: true},
	}

	models := newModels(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := models[tt.name]()
			defer model.Close()

			bg := uniform(t, 3, 60)
			defer bg.Close()
			obj := withSquare(t, 3, 60, 140, x0, y0, size)
			defer obj.Close()
			roi := gocv.NewMat()
			defer roi.Close()
			require.NoError(t, model.Initialize(bg, roi))

			mask := gocv.NewMat()
			defer mask.Close()
			for i := 0; i < 10; i++ {
				require.NoError(t, model.Apply(bg, &mask, 0))
			}
			baseR, hasR := distanceFactor(model, cx, cy)

			require.NoError(t, model.Apply(obj, &mask, 0))
			require.Equal(t, uint8(255), mask.GetUCharAt(cy, cx), "the change starts as foreground")
			require.Greater(t, countIn(mask, x0, y0, size), tolerance)

			peakR := baseR
			absorbedAt := 0
			for frame := 2; frame <= maxFrames; frame++ {
				require.NoError(t, model.Apply(obj, &mask, 0))
				if r, ok := distanceFactor(model, cx, cy); ok && r > peakR {
					peakR = r
				}
				if absorbedAt == 0 && countIn(mask, cx-4, cy-4, 8) == 0 && countIn(mask, x0, y0, size) <= tolerance {
					absorbedAt = frame
				}
				if absorbedAt > 0 && modelHasColor(model, cx, cy, changed) {
					break
				}
			}
			if hasR {
				assert.Greater(t, peakR, baseR, "R rises while the region is foreground")
			}

			if !tt.absorbed {
				assert.Zero(t, absorbedAt)
				assert.Equal(t, uint8(255), mask.GetUCharAt(cy, cx))
				assert.False(t, modelHasColor(model, cx, cy, changed))

				require.NoError(t, model.Apply(bg, &mask, 0))
				assert.Zero(t, countForeground(mask), "the old background is still the model")
				return
			}

			require.NotZero(t, absorbedAt, "region still foreground after %d frames", maxFrames)
			require.True(t, modelHasColor(model, cx, cy, changed), "the new color entered the model")
			for i := 0; i < 5; i++ {
				require.NoError(t, model.Apply(obj, &mask, 0))
			}
			assert.Equal(t, uint8(0), mask.GetUCharAt(cy, cx))
			assert.LessOrEqual(t, countIn(mask, x0, y0, size), tolerance)
		})
	}
}
