// Package controller - Motion detection implementation on top of LBSP background subtraction
package controller

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/nvr-ai/go-lbsp/bgs"
	"gocv.io/x/gocv"
)

// MotionDetectionConfig contains configuration parameters for motion detection
type MotionDetectionConfig struct {
	// MinContourArea is the minimum area of a foreground blob to be considered motion
	MinContourArea float64 `json:"min_contour_area"`
	// MaxObjects is the blob count at which the count part of the score saturates
	MaxObjects int `json:"max_objects"`
	// LearningRateOverride is passed to the subtractor on every frame, <= 0 keeps the model rates
	LearningRateOverride float64 `json:"learning_rate_override"`
	// MotionHistoryFrames controls how many frames of motion history to maintain
	MotionHistoryFrames int `json:"motion_history_frames"`
}

// DefaultMotionDetectionConfig returns a default configuration for motion detection
func DefaultMotionDetectionConfig() MotionDetectionConfig {
	return MotionDetectionConfig{
		MinContourArea:      50.0,
		MaxObjects:          10,
		MotionHistoryFrames: 15,
	}
}

// Validate checks the motion detection configuration
func (c MotionDetectionConfig) Validate() error {
	switch {
	case c.MinContourArea < 0:
		return fmt.Errorf("min_contour_area must be >= 0, got %v", c.MinContourArea)
	case c.MaxObjects <= 0:
		return fmt.Errorf("max_objects must be positive, got %d", c.MaxObjects)
	case c.MotionHistoryFrames <= 0:
		return fmt.Errorf("motion_history_frames must be positive, got %d", c.MotionHistoryFrames)
	}
	return nil
}

// LBSPMotionDetector scores motion from the foreground mask of an LBSP subtractor
//
// The first frame initializes the subtractor and scores 0. Every later frame is segmented,
// the mask is split into blobs and the score combines the blob area and the blob count.
// Scores are smoothed over a short history, recent frames weighing more.
type LBSPMotionDetector struct {
	config        MotionDetectionConfig
	subtractor    bgs.Subtractor
	roi           gocv.Mat
	mask          gocv.Mat
	blobs         []Blob
	motionHistory []float64
	frameCount    int64
	mu            sync.RWMutex
	initialized   bool
}

// NewLBSPMotionDetector creates a new motion detector owning subtractor
//
// Arguments:
//   - subtractor: The background subtractor, closed by Close
//   - roi: The region of interest, an empty Mat for the full frame; it is cloned
//   - config: Configuration parameters for motion detection
//
// Returns:
//   - *LBSPMotionDetector: The motion detector
//   - error: An error if the configuration is invalid
//
// @example
// sub, _ := bgs.NewSuBSENSE(bgs.DefaultSuBSENSEConfig())
// detector, err := NewLBSPMotionDetector(sub, gocv.NewMat(), DefaultMotionDetectionConfig())
// defer detector.Close()
func NewLBSPMotionDetector(subtractor bgs.Subtractor, roi gocv.Mat, config MotionDetectionConfig) (*LBSPMotionDetector, error) {
	if subtractor == nil {
		return nil, errors.New("subtractor is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid motion detection config: %w", err)
	}

	return &LBSPMotionDetector{
		config:        config,
		subtractor:    subtractor,
		roi:           roi.Clone(),
		mask:          gocv.NewMat(),
		motionHistory: make([]float64, 0, config.MotionHistoryFrames),
	}, nil
}

// DetectMotion detects motion in the given frame and returns a motion score
//
// The motion score ranges from 0.0 (no motion) to 1.0 (maximum motion).
//
// Arguments:
//   - frame: The video frame to analyze for motion
//
// Returns:
//   - float64: Smoothed motion score between 0.0 and 1.0
//   - error: An error if the subtractor rejects the frame
//
// @example
// score, err := detector.DetectMotion(Frame{ID: 1, Image: mat})
// if err != nil {
//     log.Printf("Motion detection failed: %v", err)
// }
func (lmd *LBSPMotionDetector) DetectMotion(frame Frame) (float64, error) {
	lmd.mu.Lock()
	defer lmd.mu.Unlock()

	lmd.frameCount++

	if !lmd.initialized {
		if err := lmd.subtractor.Initialize(frame.Image, lmd.roi); err != nil {
			return 0.0, fmt.Errorf("failed to initialize subtractor: %w", err)
		}
		lmd.initialized = true
		lmd.blobs = lmd.blobs[:0]
		return 0.0, nil
	}

	if err := lmd.subtractor.Apply(frame.Image, &lmd.mask, lmd.config.LearningRateOverride); err != nil {
		return 0.0, fmt.Errorf("failed to segment frame %d: %w", frame.ID, err)
	}

	lmd.blobs = findBlobs(lmd.mask, lmd.config.MinContourArea)
	lmd.updateMotionHistory(scoreBlobs(lmd.blobs, lmd.mask.Rows()*lmd.mask.Cols(), lmd.config.MaxObjects))

	return lmd.getSmoothedMotionScore(), nil
}

// findBlobs extracts the external contours of mask that reach minArea
func findBlobs(mask gocv.Mat, minArea float64) []Blob {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	blobs := make([]Blob, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < minArea {
			continue
		}
		box := gocv.BoundingRect(contour)
		fill := 0.0
		if boxArea := box.Dx() * box.Dy(); boxArea > 0 {
			fill = math.Min(area/float64(boxArea), 1.0)
		}
		blobs = append(blobs, Blob{Area: area, Fill: fill, BBox: box})
	}
	return blobs
}

// scoreBlobs combines area-based and count-based scoring (70% area, 30% count)
func scoreBlobs(blobs []Blob, frameArea, maxObjects int) float64 {
	if frameArea <= 0 {
		return 0.0
	}

	totalMotionArea := 0.0
	for _, b := range blobs {
		totalMotionArea += b.Area
	}

	areaScore := math.Min(totalMotionArea/float64(frameArea), 1.0)
	countScore := math.Min(float64(len(blobs))/float64(maxObjects), 1.0)

	return math.Min(0.7*areaScore+0.3*countScore, 1.0)
}

// updateMotionHistory adds a new motion score to the history buffer
func (lmd *LBSPMotionDetector) updateMotionHistory(score float64) {
	lmd.motionHistory = append(lmd.motionHistory, score)

	if len(lmd.motionHistory) > lmd.config.MotionHistoryFrames {
		lmd.motionHistory = lmd.motionHistory[len(lmd.motionHistory)-lmd.config.MotionHistoryFrames:]
	}
}

// getSmoothedMotionScore calculates a linearly weighted average of the history
func (lmd *LBSPMotionDetector) getSmoothedMotionScore() float64 {
	if len(lmd.motionHistory) == 0 {
		return 0.0
	}

	totalScore := 0.0
	totalWeight := 0.0
	for i, score := range lmd.motionHistory {
		weight := float64(i+1) / float64(len(lmd.motionHistory))
		totalScore += score * weight
		totalWeight += weight
	}

	return totalScore / totalWeight
}

// Blobs returns the foreground blobs of the last segmented frame
func (lmd *LBSPMotionDetector) Blobs() []Blob {
	lmd.mu.RLock()
	defer lmd.mu.RUnlock()

	blobs := make([]Blob, len(lmd.blobs))
	copy(blobs, lmd.blobs)
	return blobs
}

// Mask copies the last foreground mask into dst
func (lmd *LBSPMotionDetector) Mask(dst *gocv.Mat) error {
	lmd.mu.RLock()
	defer lmd.mu.RUnlock()
	return lmd.mask.CopyTo(dst)
}

// GetMotionHistory returns the recent motion history for analysis
//
// Returns:
//   - []float64: Slice of recent raw motion scores, oldest first
func (lmd *LBSPMotionDetector) GetMotionHistory() []float64 {
	lmd.mu.RLock()
	defer lmd.mu.RUnlock()

	history := make([]float64, len(lmd.motionHistory))
	copy(history, lmd.motionHistory)
	return history
}

// GetFrameCount returns the total number of frames processed
func (lmd *LBSPMotionDetector) GetFrameCount() int64 {
	lmd.mu.RLock()
	defer lmd.mu.RUnlock()
	return lmd.frameCount
}

// Reset clears the motion history; the next frame re-initializes the subtractor
//
// Use this when switching between different video streams or after long pauses.
func (lmd *LBSPMotionDetector) Reset() {
	lmd.mu.Lock()
	defer lmd.mu.Unlock()

	lmd.motionHistory = lmd.motionHistory[:0]
	lmd.blobs = lmd.blobs[:0]
	lmd.frameCount = 0
	lmd.initialized = false
}

// Close releases the subtractor and the Mats held by the detector
func (lmd *LBSPMotionDetector) Close() error {
	lmd.mu.Lock()
	defer lmd.mu.Unlock()

	lmd.roi.Close()
	lmd.mask.Close()
	return lmd.subtractor.Close()
}

// GetConfig returns the current motion detection configuration
func (lmd *LBSPMotionDetector) GetConfig() MotionDetectionConfig {
	lmd.mu.RLock()
	defer lmd.mu.RUnlock()
	return lmd.config
}

// UpdateConfig updates the motion detection configuration
//
// Arguments:
//   - config: New configuration parameters
//
// Returns:
//   - error: An error if the configuration is invalid
func (lmd *LBSPMotionDetector) UpdateConfig(config MotionDetectionConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid motion detection config: %w", err)
	}

	lmd.mu.Lock()
	defer lmd.mu.Unlock()
	lmd.config = config
	if len(lmd.motionHistory) > config.MotionHistoryFrames {
		lmd.motionHistory = lmd.motionHistory[len(lmd.motionHistory)-config.MotionHistoryFrames:]
	}
	return nil
}
