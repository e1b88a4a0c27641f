// Package controller - This file contains the controller that turns per-frame motion scores into
// debounced scene activity states.
package controller

import (
	"image"
	"time"

	"gocv.io/x/gocv"
)

// Activity is the debounced state of the scene.
type Activity int

const (
	// Idle means no significant foreground.
	Idle Activity = iota
	// Motion means the motion score is over the motion threshold.
	Motion
	// Crowded means the foreground holds more blobs than the density threshold.
	Crowded
)

// String returns the lowercase name of the activity.
func (a Activity) String() string {
	switch a {
	case Idle:
		return "idle"
	case Motion:
		return "motion"
	case Crowded:
		return "crowded"
	}
	return "unknown"
}

// Frame is a single frame of video.
type Frame struct {
	ID        int
	Image     gocv.Mat
	Timestamp time.Time
}

// Blob is one connected foreground region of a segmentation mask.
type Blob struct {
	// Area is the contour area in pixels.
	Area float64
	// Fill is the ratio of Area to the bounding box area, in [0, 1].
	Fill float64
	BBox image.Rectangle
}

// MotionDetector scores the amount of motion in a frame.
type MotionDetector interface {
	DetectMotion(frame Frame) (float64, error)
	// Blobs returns the foreground regions found by the last DetectMotion call.
	Blobs() []Blob
}

// ThresholdConfig is a configuration for the thresholds.
type ThresholdConfig struct {
	MotionThreshold  float64
	DensityThreshold int
	HysteresisFrames int
}

// Event is emitted when the controller switches activity.
type Event struct {
	FrameID   int
	Timestamp time.Time
	From      Activity
	To        Activity
	Score     float64
}

// Controller debounces activity changes: a new activity must be observed for
// HysteresisFrames consecutive frames before it becomes current.
type Controller struct {
	MotionDetector   MotionDetector
	DensityEstimator DensityEstimator
	Current          Activity
	HysteresisCount  int
	Thresholds       ThresholdConfig
	// OnEvent, when set, is called on every activity switch.
	OnEvent func(Event)
}

// Decide scores frame and returns the debounced activity.
//
// Arguments:
//   - frame: The frame to score.
//
// Returns:
//   - Activity: The activity after this frame.
//   - error: An error if motion detection or density estimation fails.
func (rc *Controller) Decide(frame Frame) (Activity, error) {
	motionScore, err := rc.MotionDetector.DetectMotion(frame)
	if err != nil {
		return rc.Current, err
	}

	density, err := rc.DensityEstimator.EstimateDensity(rc.MotionDetector.Blobs())
	if err != nil {
		return rc.Current, err
	}

	var next Activity
	switch {
	case density > rc.Thresholds.DensityThreshold:
		next = Crowded
	case motionScore > rc.Thresholds.MotionThreshold:
		next = Motion
	default:
		next = Idle
	}

	if next != rc.Current {
		rc.HysteresisCount++
		if rc.HysteresisCount >= rc.Thresholds.HysteresisFrames {
			if rc.OnEvent != nil {
				rc.OnEvent(Event{
					FrameID:   frame.ID,
					Timestamp: frame.Timestamp,
					From:      rc.Current,
					To:        next,
					Score:     motionScore,
				})
			}
			rc.Current = next
			rc.HysteresisCount = 0
		}
	} else {
		rc.HysteresisCount = 0
	}

	return rc.Current, nil
}
