package bgs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestSuBSENSEConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(c *SuBSENSEConfig)
		valid  bool
	}{
		{name: "defaults", modify: func(*SuBSENSEConfig) {}, valid: true},
		{name: "negative relative threshold", modify: func(c *SuBSENSEConfig) { c.RelLBSPThreshold = -1 }},
		{name: "negative descriptor offset", modify: func(c *SuBSENSEConfig) { c.DescDistThresholdOffset = -1 }},
		{name: "more required than samples", modify: func(c *SuBSENSEConfig) { c.RequiredSamples = c.Samples + 1 }},
		{name: "tiny window", modify: func(c *SuBSENSEConfig) { c.SamplesForMovingAvgs = 2 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultSuBSENSEConfig()
			tc.modify(&c)
			if tc.valid {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestDescThreshold(t *testing.T) {
	testCases := []struct {
		name     string
		r        float32
		offset   int
		unstable bool
		expected int
	}{
		{name: "r of one", r: 1, offset: 3, expected: 5},
		{name: "rounds r", r: 2.5, offset: 3, expected: 11},
		{name: "unstable doubles the offset", r: 1, offset: 3, unstable: true, expected: 8},
		{name: "large r saturates", r: 100, offset: 0, expected: 1 << 30},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, descThreshold(tc.r, tc.offset, tc.unstable))
		})
	}
}

func TestOddKernel(t *testing.T) {
	assert.Equal(t, 9, oddKernel(9))
	assert.Equal(t, 13, oddKernel(14))
}

func TestSuBSENSESmallROIDoublesCaps(t *testing.T) {
	s, err := NewSuBSENSE(DefaultSuBSENSEConfig())
	require.NoError(t, err)
	defer s.Close()

	frame := uniform(t, 1, 50)
	defer frame.Close()
	roi := gocv.NewMat()
	defer roi.Close()
	require.NoError(t, s.Initialize(frame, roi))

	assert.False(t, s.scaling, "frames under QVGA run without frame-level analysis")
	assert.Nil(t, s.analyzer)
	assert.InDelta(t, 4, s.lowerCap, 1e-6)
	assert.InDelta(t, 512, s.upperCap, 1e-6)
	assert.Equal(t, 9, s.medianKernel)
	assert.True(t, s.use3x3)
	assert.InDelta(t, 4, s.fb.T[0], 1e-6, "T starts at the lower cap")
	assert.InDelta(t, 1, s.fb.R[0], 1e-6)
}

func TestSuBSENSEForegroundRaisesDistanceThreshold(t *testing.T) {
	s, err := NewSuBSENSE(DefaultSuBSENSEConfig())
	require.NoError(t, err)
	defer s.Close()

	bg := uniform(t, 1, 60)
	defer bg.Close()
	roi := gocv.NewMat()
	defer roi.Close()
	require.NoError(t, s.Initialize(bg, roi))

	mask := gocv.NewMat()
	defer mask.Close()
	require.NoError(t, s.Apply(bg, &mask, 0))

	obj := withSquare(t, 1, 60, 220, 14, 12, 16)
	defer obj.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Apply(obj, &mask, 0))
	}

	inside, ok := s.modelAt(22, 20)
	require.True(t, ok)
	outside, ok := s.modelAt(40, 34)
	require.True(t, ok)
	assert.Greater(t, s.fb.R[inside], float32(1))
	assert.InDelta(t, 1, s.fb.R[outside], 1e-6)
	assert.Greater(t, s.fb.RawSegmLT[inside], s.fb.RawSegmLT[outside])
}

func TestSuBSENSEStaticSceneSamplesMatchFrame(t *testing.T) {
	s, err := NewSuBSENSE(DefaultSuBSENSEConfig())
	require.NoError(t, err)
	defer s.Close()

	frame := newFrame(t, testWidth, testHeight, 3, func(x, y, c int) byte {
		return byte(40 + c*30)
	})
	defer frame.Close()
	roi := gocv.NewMat()
	defer roi.Close()
	require.NoError(t, s.Initialize(frame, roi))

	mask := gocv.NewMat()
	defer mask.Close()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Apply(frame, &mask, 1))
	}
	for m := range s.pixels {
		for slot := 0; slot < s.samples.Capacity(); slot++ {
			require.Equal(t, [3]uint8{40, 70, 100}, s.samples.At(m, slot).Color)
		}
	}
}

// recordingRand counts the bounds passed to IntN.
type recordingRand struct {
	RandSource
	calls map[int]int
}

func (r *recordingRand) IntN(n int) int {
	r.calls[n]++
	return r.RandSource.IntN(n)
}

func TestSuBSENSEUnstablePixelsSpreadOverFiveByFive(t *testing.T) {
	s, err := NewSuBSENSE(DefaultSuBSENSEConfig())
	require.NoError(t, err)
	defer s.Close()

	frame := uniform(t, 3, 90)
	defer frame.Close()
	roi := gocv.NewMat()
	defer roi.Close()
	require.NoError(t, s.Initialize(frame, roi))

	// R over the instability bound, with a flag left over from a calmer frame
	for m := range s.pixels {
		s.fb.R[m] = 5
		s.fb.Unstable[m] = false
	}
	rec := &recordingRand{RandSource: s.rand, calls: map[int]int{}}
	s.rand = rec

	mask := gocv.NewMat()
	defer mask.Close()
	require.NoError(t, s.Apply(frame, &mask, 0))

	require.Zero(t, countForeground(mask))
	assert.True(t, s.fb.Unstable[0])
	assert.Zero(t, rec.calls[len(neighbors3x3)], "no pixel spread over its 3x3 neighborhood")
	assert.Equal(t, len(s.pixels), rec.calls[len(neighbors5x5)])
}

func TestSuBSENSERefreshSkipsForeground(t *testing.T) {
	s, err := NewSuBSENSE(DefaultSuBSENSEConfig())
	require.NoError(t, err)
	defer s.Close()

	frame := uniform(t, 3, 60)
	defer frame.Close()
	roi := gocv.NewMat()
	defer roi.Close()
	require.NoError(t, s.Initialize(frame, roi))

	lit := [3]uint8{140, 140, 140}
	for m := range s.last {
		s.last[m].Color = lit
	}
	s.lastFG[10*testWidth+10] = 255

	s.refresh(0.1, false)

	refreshed := func(x, y int) int {
		m, ok := s.modelAt(x, y)
		require.True(t, ok)
		n := 0
		for slot := 0; slot < s.samples.Capacity(); slot++ {
			if s.samples.At(m, slot).Color == lit {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 5, refreshed(30, 30), "a tenth of the samples")
	assert.Zero(t, refreshed(10, 10), "foreground pixels keep their samples")
}

func TestSuBSENSESceneChangeResetsModel(t *testing.T) {
	if testing.Short() {
		t.Skip("runs QVGA frames")
	}
	const width, height = 320, 240

	config := DefaultSuBSENSEConfig()
	config.SamplesForMovingAvgs = 40
	s, err := NewSuBSENSE(config)
	require.NoError(t, err)
	defer s.Close()

	calm := newFrame(t, width, height, 3, func(int, int, int) byte { return 60 })
	defer calm.Close()
	lit := newFrame(t, width, height, 3, func(int, int, int) byte { return 160 })
	defer lit.Close()
	roi := gocv.NewMat()
	defer roi.Close()
	require.NoError(t, s.Initialize(calm, roi))
	require.True(t, s.scaling)

	mask := gocv.NewMat()
	defer mask.Close()
	for i := 0; i < config.SamplesForMovingAvgs; i++ {
		require.NoError(t, s.Apply(calm, &mask, 0))
	}
	require.Zero(t, s.governor.Cooldown)

	resetAt := 0
	for i := 1; i <= 10 && resetAt == 0; i++ {
		require.NoError(t, s.Apply(lit, &mask, 0))
		if s.governor.Cooldown > 0 {
			resetAt = i
		}
	}
	require.NotZero(t, resetAt, "no reset after the lights went on")
	for m := range s.pixels {
		require.Equal(t, float32(1), s.fb.T[m], "model pixel %d", m)
	}

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Apply(lit, &mask, 0))
	}
	assert.Less(t, countForeground(mask), width*height/20)
}
