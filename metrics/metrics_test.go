package metrics

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func maskOf(t *testing.T, rows, cols int, data []uint8) gocv.Mat {
	t.Helper()
	m, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC1, data)
	require.NoError(t, err)
	return m
}

func TestCompare(t *testing.T) {
	gt := maskOf(t, 2, 4, []uint8{
		LabelMotion, LabelMotion, LabelStatic, LabelStatic,
		LabelShadow, LabelOutside, LabelUnknown, LabelStatic,
	})
	defer gt.Close()
	res := maskOf(t, 2, 4, []uint8{
		255, 0, 255, 0,
		255, 255, 255, 0,
	})
	defer res.Close()

	c, err := Compare(gt, res)
	require.NoError(t, err)
	assert.Equal(t, Confusion{
		TruePositives:  1,
		FalseNegatives: 1,
		FalsePositives: 2,
		TrueNegatives:  2,
		ShadowErrors:   1,
	}, c)
	assert.Equal(t, 6, c.Total())
}

func TestCompareErrors(t *testing.T) {
	small := maskOf(t, 1, 2, []uint8{0, 0})
	defer small.Close()
	large := maskOf(t, 2, 2, []uint8{0, 0, 0, 0})
	defer large.Close()
	color := gocv.NewMatWithSize(1, 2, gocv.MatTypeCV8UC3)
	defer color.Close()
	empty := gocv.NewMat()
	defer empty.Close()

	testCases := []struct {
		name string
		gt   gocv.Mat
		res  gocv.Mat
	}{
		{name: "size", gt: small, res: large},
		{name: "type", gt: small, res: color},
		{name: "empty", gt: empty, res: small},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compare(tc.gt, tc.res)
			require.Error(t, err)
			assert.Equal(t, ErrMaskMismatch, errors.Cause(err))
		})
	}
}

func TestConfusionRates(t *testing.T) {
	c := Confusion{TruePositives: 30, FalseNegatives: 10, FalsePositives: 20, TrueNegatives: 940}

	assert.InDelta(t, 0.75, c.Recall(), 1e-12)
	assert.InDelta(t, 0.6, c.Precision(), 1e-12)
	assert.InDelta(t, 940.0/960.0, c.Specificity(), 1e-12)
	assert.InDelta(t, 20.0/960.0, c.FPR(), 1e-12)
	assert.InDelta(t, 0.25, c.FNR(), 1e-12)
	assert.InDelta(t, 3.0, c.PWC(), 1e-12)
	assert.InDelta(t, 2*0.6*0.75/1.35, c.FMeasure(), 1e-12)
}

func TestConfusionZeroDenominators(t *testing.T) {
	var c Confusion
	assert.Zero(t, c.Recall())
	assert.Zero(t, c.Precision())
	assert.Zero(t, c.Specificity())
	assert.Zero(t, c.PWC())
	assert.Zero(t, c.FMeasure())
}

func TestSequenceReport(t *testing.T) {
	var s Sequence
	s.AddConfusion(Confusion{TruePositives: 10, TrueNegatives: 90})
	s.AddConfusion(Confusion{TruePositives: 5, FalseNegatives: 5, FalsePositives: 0, TrueNegatives: 90})
	// no motion in this frame: counted in totals, not in the per-frame F-measure
	s.AddConfusion(Confusion{FalsePositives: 10, TrueNegatives: 90})

	r := s.Report()
	assert.Equal(t, 3, r.Frames)
	assert.Equal(t, Confusion{TruePositives: 15, FalseNegatives: 5, FalsePositives: 10, TrueNegatives: 270}, r.Confusion)
	assert.InDelta(t, 0.75, r.Recall, 1e-12)
	assert.InDelta(t, 0.6, r.Precision, 1e-12)
	assert.InDelta(t, 5.0, r.PWC, 1e-12)

	frameFM := 2 * 1.0 * 0.5 / 1.5
	assert.InDelta(t, (1+frameFM)/2, r.MeanFrameFMeasure, 1e-12)
	assert.Greater(t, r.StdDevFrameFMeasure, 0.0)
}

func TestSequenceAdd(t *testing.T) {
	gt := maskOf(t, 1, 3, []uint8{LabelMotion, LabelStatic, LabelStatic})
	defer gt.Close()
	res := maskOf(t, 1, 3, []uint8{255, 0, 0})
	defer res.Close()

	var s Sequence
	c, err := s.Add(gt, res)
	require.NoError(t, err)
	assert.Equal(t, 1, c.TruePositives)

	r := s.Report()
	assert.InDelta(t, 1.0, r.FMeasure, 1e-12)
	assert.InDelta(t, 1.0, r.MeanFrameFMeasure, 1e-12)
	assert.Zero(t, r.StdDevFrameFMeasure)
}
