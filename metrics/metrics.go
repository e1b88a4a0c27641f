// Package metrics scores foreground masks against ground-truth masks.
//
// Ground truth follows the change-detection labelling convention:
//
//	0   static background
//	50  hard shadow, counted as background
//	85  outside the region of interest, ignored
//	170 unknown motion, ignored
//	255 motion
//
// A mask pixel is foreground when its value is above 127.
package metrics

import (
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// Ground-truth labels.
const (
	LabelStatic  uint8 = 0
	LabelShadow  uint8 = 50
	LabelOutside uint8 = 85
	LabelUnknown uint8 = 170
	LabelMotion  uint8 = 255
)

// ErrMaskMismatch is returned when the two masks cannot be compared pixel by pixel.
var ErrMaskMismatch = errors.New("metrics: masks differ in size or type")

// Confusion counts pixel classifications.
type Confusion struct {
	TruePositives  int `json:"tp"`
	TrueNegatives  int `json:"tn"`
	FalsePositives int `json:"fp"`
	FalseNegatives int `json:"fn"`
	// ShadowErrors counts foreground pixels on shadow labels; they are also false positives.
	ShadowErrors int `json:"shadow_errors"`
}

// Compare classifies every pixel of result against groundTruth.
// Both masks must be non-empty 8UC1 of the same size.
func Compare(groundTruth, result gocv.Mat) (Confusion, error) {
	var c Confusion
	if groundTruth.Empty() || result.Empty() {
		return c, errors.Wrap(ErrMaskMismatch, "empty mask")
	}
	if groundTruth.Type() != gocv.MatTypeCV8UC1 || result.Type() != gocv.MatTypeCV8UC1 {
		return c, errors.Wrapf(ErrMaskMismatch, "types %v and %v, expected 8UC1", groundTruth.Type(), result.Type())
	}
	if groundTruth.Rows() != result.Rows() || groundTruth.Cols() != result.Cols() {
		return c, errors.Wrapf(ErrMaskMismatch, "%dx%d vs %dx%d",
			groundTruth.Cols(), groundTruth.Rows(), result.Cols(), result.Rows())
	}

	gt, err := bytesOf(groundTruth)
	if err != nil {
		return c, err
	}
	res, err := bytesOf(result)
	if err != nil {
		return c, err
	}

	for i, label := range gt {
		fg := res[i] > 127
		switch label {
		case LabelMotion:
			if fg {
				c.TruePositives++
			} else {
				c.FalseNegatives++
			}
		case LabelOutside, LabelUnknown:
		default:
			if fg {
				c.FalsePositives++
				if label == LabelShadow {
					c.ShadowErrors++
				}
			} else {
				c.TrueNegatives++
			}
		}
	}
	return c, nil
}

func bytesOf(m gocv.Mat) ([]uint8, error) {
	if m.IsContinuous() {
		return m.DataPtrUint8()
	}
	cont := m.Clone()
	defer cont.Close()
	data, err := cont.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	out := make([]uint8, len(data))
	copy(out, data)
	return out, nil
}

// Add returns the sum of both matrices.
func (c Confusion) Add(o Confusion) Confusion {
	return Confusion{
		TruePositives:  c.TruePositives + o.TruePositives,
		TrueNegatives:  c.TrueNegatives + o.TrueNegatives,
		FalsePositives: c.FalsePositives + o.FalsePositives,
		FalseNegatives: c.FalseNegatives + o.FalseNegatives,
		ShadowErrors:   c.ShadowErrors + o.ShadowErrors,
	}
}

// Total is the number of scored pixels.
func (c Confusion) Total() int {
	return c.TruePositives + c.TrueNegatives + c.FalsePositives + c.FalseNegatives
}

// Recall is TP / (TP + FN).
func (c Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// Specificity is TN / (TN + FP).
func (c Confusion) Specificity() float64 {
	return ratio(c.TrueNegatives, c.TrueNegatives+c.FalsePositives)
}

// FPR is the false positive rate, FP / (FP + TN).
func (c Confusion) FPR() float64 {
	return ratio(c.FalsePositives, c.FalsePositives+c.TrueNegatives)
}

// FNR is the false negative rate, FN / (TP + FN).
func (c Confusion) FNR() float64 {
	return ratio(c.FalseNegatives, c.TruePositives+c.FalseNegatives)
}

// PWC is the percentage of wrong classifications.
func (c Confusion) PWC() float64 {
	return 100 * ratio(c.FalsePositives+c.FalseNegatives, c.Total())
}

// Precision is TP / (TP + FP).
func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// FMeasure is the harmonic mean of precision and recall.
func (c Confusion) FMeasure() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// ratio returns 0 when the denominator is 0.
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Report is the summary of a sequence.
type Report struct {
	Frames      int       `json:"frames"`
	Confusion   Confusion `json:"confusion"`
	Recall      float64   `json:"recall"`
	Specificity float64   `json:"specificity"`
	FPR         float64   `json:"fpr"`
	FNR         float64   `json:"fnr"`
	PWC         float64   `json:"pwc"`
	Precision   float64   `json:"precision"`
	FMeasure    float64   `json:"f_measure"`
	// MeanFrameFMeasure and StdDevFrameFMeasure describe the per-frame F-measure over the
	// frames that hold motion.
	MeanFrameFMeasure   float64 `json:"mean_frame_f_measure"`
	StdDevFrameFMeasure float64 `json:"stddev_frame_f_measure"`
}

// Sequence accumulates confusion matrices over the evaluated frames of a video.
type Sequence struct {
	total    Confusion
	frames   int
	frameFMs []float64
}

// Add scores one frame and accumulates it.
func (s *Sequence) Add(groundTruth, result gocv.Mat) (Confusion, error) {
	c, err := Compare(groundTruth, result)
	if err != nil {
		return c, err
	}
	s.AddConfusion(c)
	return c, nil
}

// AddConfusion accumulates an already computed frame.
func (s *Sequence) AddConfusion(c Confusion) {
	s.total = s.total.Add(c)
	s.frames++
	if c.TruePositives+c.FalseNegatives > 0 {
		s.frameFMs = append(s.frameFMs, c.FMeasure())
	}
}

// Report summarizes the accumulated frames.
func (s *Sequence) Report() Report {
	r := Report{
		Frames:      s.frames,
		Confusion:   s.total,
		Recall:      s.total.Recall(),
		Specificity: s.total.Specificity(),
		FPR:         s.total.FPR(),
		FNR:         s.total.FNR(),
		PWC:         s.total.PWC(),
		Precision:   s.total.Precision(),
		FMeasure:    s.total.FMeasure(),
	}
	if len(s.frameFMs) > 0 {
		r.MeanFrameFMeasure, r.StdDevFrameFMeasure = stat.MeanStdDev(s.frameFMs, nil)
		if math.IsNaN(r.StdDevFrameFMeasure) {
			r.StdDevFrameFMeasure = 0
		}
	}
	return r
}
