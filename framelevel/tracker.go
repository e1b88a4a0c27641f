package framelevel

import (
	"image"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// TrackerConfig holds the sparse optical flow settings of a CameraTracker.
type TrackerConfig struct {
	// MaxCorners is the number of features seeded per frame.
	MaxCorners int `json:"max_corners"`
	// Quality is the minimal accepted corner quality relative to the best corner.
	Quality float64 `json:"quality"`
	// MinDistance is the minimal distance between seeded corners, in pixels.
	MinDistance float64 `json:"min_distance"`
	// MinTracked is the number of successfully tracked points below which the frame is
	// treated as a tracking failure.
	MinTracked int `json:"min_tracked"`
	// SustainFrames is the number of consecutive frames with the same non-zero displacement
	// required before the tracker reports camera motion.
	SustainFrames int `json:"sustain_frames"`
}

// DefaultTrackerConfig returns the tracker settings used by the word-consensus model.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxCorners:    200,
		Quality:       0.01,
		MinDistance:   30,
		MinTracked:    8,
		SustainFrames: 2,
	}
}

// CameraTracker estimates the integer translation between consecutive frames with
// good-features-to-track seeding and pyramidal Lucas-Kanade flow.
type CameraTracker struct {
	config   TrackerConfig
	prevGray gocv.Mat
	streak   int
	shift    image.Point
}

// NewCameraTracker constructs a tracker with no reference frame.
func NewCameraTracker(config TrackerConfig) *CameraTracker {
	return &CameraTracker{config: config, prevGray: gocv.NewMat()}
}

// Reset drops the reference frame and the displacement streak.
func (t *CameraTracker) Reset() {
	t.prevGray.Close()
	t.prevGray = gocv.NewMat()
	t.streak = 0
	t.shift = image.Point{}
}

// Observe tracks frame against the previous one.
//
// Arguments:
//   - frame: The current 8UC1 or 8UC3 frame.
//
// Returns:
//   - image.Point: The content displacement (where a scene point moved to).
//   - bool: Whether the displacement has been sustained long enough to act on.
//   - error: When the frame cannot be converted to grayscale.
func (t *CameraTracker) Observe(frame gocv.Mat) (image.Point, bool, error) {
	gray := gocv.NewMat()
	if frame.Channels() == 3 {
		if err := gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray); err != nil {
			gray.Close()
			return image.Point{}, false, errors.Wrap(err, "framelevel: grayscale")
		}
	} else if err := frame.CopyTo(&gray); err != nil {
		gray.Close()
		return image.Point{}, false, errors.Wrap(err, "framelevel: copy grayscale frame")
	}
	defer func() {
		t.prevGray.Close()
		t.prevGray = gray
	}()

	if t.prevGray.Empty() {
		return image.Point{}, false, nil
	}

	shift, ok := t.estimate(gray)
	if !ok || shift == (image.Point{}) {
		t.streak = 0
		t.shift = image.Point{}
		return image.Point{}, false, nil
	}
	if shift == t.shift {
		t.streak++
	} else {
		t.shift = shift
		t.streak = 1
	}
	if t.streak < t.config.SustainFrames {
		return shift, false, nil
	}
	t.streak = 0
	t.shift = image.Point{}
	return shift, true, nil
}

func (t *CameraTracker) estimate(gray gocv.Mat) (image.Point, bool) {
	prevPts := gocv.NewMat()
	defer prevPts.Close()
	gocv.GoodFeaturesToTrack(t.prevGray, &prevPts, t.config.MaxCorners, t.config.Quality, t.config.MinDistance)
	if prevPts.Empty() {
		return image.Point{}, false
	}

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	flowErr := gocv.NewMat()
	defer flowErr.Close()
	gocv.CalcOpticalFlowPyrLK(t.prevGray, gray, prevPts, &nextPts, &status, &flowErr)

	var xs, ys []float64
	for i := 0; i < status.Rows(); i++ {
		if status.GetUCharAt(i, 0) != 1 {
			continue
		}
		xs = append(xs, float64(nextPts.GetFloatAt(i, 0)-prevPts.GetFloatAt(i, 0)))
		ys = append(ys, float64(nextPts.GetFloatAt(i, 1)-prevPts.GetFloatAt(i, 1)))
	}
	if len(xs) < t.config.MinTracked {
		return image.Point{}, false
	}
	return image.Pt(int(math.Round(median(xs))), int(math.Round(median(ys)))), true
}

func median(values []float64) float64 {
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil)
}

// Close releases the reference frame.
func (t *CameraTracker) Close() error {
	return t.prevGray.Close()
}
