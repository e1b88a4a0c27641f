// Package config loads JSON tuning files for the background subtraction models and the
// motion controller.
//
// Every field is optional. Omitted fields keep the defaults of the bgs and controller
// packages, so a partial file such as
//
//	{"model": "pawcs", "pawcs": {"camera_motion": true}}
//
// is a complete configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nvr-ai/go-lbsp/bgs"
	"github.com/nvr-ai/go-lbsp/controller"
)

// Model names accepted by the "model" field.
const (
	ModelLOBSTER  = "lobster"
	ModelSuBSENSE = "subsense"
	ModelPAWCS    = "pawcs"
)

// DefaultModel is used when the file does not name a model.
const DefaultModel = ModelSuBSENSE

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of a tuning file.
type Config struct {
	Model *string `json:"model,omitempty"`
	// Seed overrides the seed of every model section.
	Seed                 *uint64  `json:"seed,omitempty"`
	AutomaticModelReset  *bool    `json:"automatic_model_reset,omitempty"`
	LearningRateOverride *float64 `json:"learning_rate_override,omitempty"`

	LOBSTER  *LOBSTERTuning  `json:"lobster,omitempty"`
	SuBSENSE *SuBSENSETuning `json:"subsense,omitempty"`
	PAWCS    *PAWCSTuning    `json:"pawcs,omitempty"`
	Motion   *MotionTuning   `json:"motion,omitempty"`
}

// LOBSTERTuning overrides bgs.LOBSTERConfig.
type LOBSTERTuning struct {
	RelLBSPThreshold    *float32 `json:"rel_lbsp_threshold,omitempty"`
	LBSPThresholdOffset *int     `json:"lbsp_threshold_offset,omitempty"`
	DescDistThreshold   *int     `json:"desc_dist_threshold,omitempty"`
	ColorDistThreshold  *int     `json:"color_dist_threshold,omitempty"`
	Samples             *int     `json:"samples,omitempty"`
	RequiredSamples     *int     `json:"required_samples,omitempty"`
	LearningRate        *int     `json:"learning_rate,omitempty"`
	MedianKernel        *int     `json:"median_kernel,omitempty"`
}

// SuBSENSETuning overrides bgs.SuBSENSEConfig.
type SuBSENSETuning struct {
	RelLBSPThreshold        *float32 `json:"rel_lbsp_threshold,omitempty"`
	DescDistThresholdOffset *int     `json:"desc_dist_threshold_offset,omitempty"`
	MinColorDistThreshold   *int     `json:"min_color_dist_threshold,omitempty"`
	Samples                 *int     `json:"samples,omitempty"`
	RequiredSamples         *int     `json:"required_samples,omitempty"`
	SamplesForMovingAvgs    *int     `json:"samples_for_moving_avgs,omitempty"`
}

// PAWCSTuning overrides bgs.PAWCSConfig.
type PAWCSTuning struct {
	RelLBSPThreshold        *float32       `json:"rel_lbsp_threshold,omitempty"`
	DescDistThresholdOffset *int           `json:"desc_dist_threshold_offset,omitempty"`
	MinColorDistThreshold   *int           `json:"min_color_dist_threshold,omitempty"`
	MaxWords                *int           `json:"max_words,omitempty"`
	SamplesForMovingAvgs    *int           `json:"samples_for_moving_avgs,omitempty"`
	CameraMotion            *bool          `json:"camera_motion,omitempty"`
	Tracker                 *TrackerTuning `json:"tracker,omitempty"`
}

// TrackerTuning overrides framelevel.TrackerConfig.
type TrackerTuning struct {
	MaxCorners    *int     `json:"max_corners,omitempty"`
	Quality       *float64 `json:"quality,omitempty"`
	MinDistance   *float64 `json:"min_distance,omitempty"`
	MinTracked    *int     `json:"min_tracked,omitempty"`
	SustainFrames *int     `json:"sustain_frames,omitempty"`
}

// MotionTuning overrides the motion detector and the activity thresholds.
type MotionTuning struct {
	MinContourArea      *float64 `json:"min_contour_area,omitempty"`
	MaxObjects          *int     `json:"max_objects,omitempty"`
	MotionHistoryFrames *int     `json:"motion_history_frames,omitempty"`
	MotionThreshold     *float64 `json:"motion_threshold,omitempty"`
	DensityThreshold    *int     `json:"density_threshold,omitempty"`
	HysteresisFrames    *int     `json:"hysteresis_frames,omitempty"`
	DensityEstimator    *string  `json:"density_estimator,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string    { return &v }
func ptrUint64(v uint64) *uint64    { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file.
// The file must have a .json extension and be at most 1MB. The result is validated.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the model name and every resolved section.
func (c *Config) Validate() error {
	switch c.GetModel() {
	case ModelLOBSTER, ModelSuBSENSE, ModelPAWCS:
	default:
		return fmt.Errorf("unknown model %q", c.GetModel())
	}

	if err := c.LOBSTERConfig().Validate(); err != nil {
		return err
	}
	if err := c.SuBSENSEConfig().Validate(); err != nil {
		return err
	}
	if err := c.PAWCSConfig().Validate(); err != nil {
		return err
	}
	if err := c.MotionConfig().Validate(); err != nil {
		return err
	}

	th := c.Thresholds()
	if th.MotionThreshold < 0 || th.MotionThreshold > 1 {
		return fmt.Errorf("motion_threshold must be between 0 and 1, got %f", th.MotionThreshold)
	}
	if th.HysteresisFrames < 0 {
		return fmt.Errorf("hysteresis_frames must be non-negative, got %d", th.HysteresisFrames)
	}
	switch c.GetDensityEstimator() {
	case controller.DensityEstimatorBlob, controller.DensityEstimatorCounting:
	default:
		return fmt.Errorf("unknown density_estimator %q", c.GetDensityEstimator())
	}
	return nil
}

// GetModel returns the model name or DefaultModel.
func (c *Config) GetModel() string {
	if c.Model == nil || *c.Model == "" {
		return DefaultModel
	}
	return *c.Model
}

// GetAutomaticModelReset returns the automatic_model_reset value or the default.
func (c *Config) GetAutomaticModelReset() bool {
	if c.AutomaticModelReset == nil {
		return true // default
	}
	return *c.AutomaticModelReset
}

// GetLearningRateOverride returns the learning_rate_override value, 0 when unset.
func (c *Config) GetLearningRateOverride() float64 {
	if c.LearningRateOverride == nil {
		return 0
	}
	return *c.LearningRateOverride
}

// LOBSTERConfig resolves the lobster section over bgs.DefaultLOBSTERConfig.
func (c *Config) LOBSTERConfig() bgs.LOBSTERConfig {
	out := bgs.DefaultLOBSTERConfig()
	setUint64(&out.Seed, c.Seed)
	t := c.LOBSTER
	if t == nil {
		return out
	}
	setFloat32(&out.RelLBSPThreshold, t.RelLBSPThreshold)
	setInt(&out.LBSPThresholdOffset, t.LBSPThresholdOffset)
	setInt(&out.DescDistThreshold, t.DescDistThreshold)
	setInt(&out.ColorDistThreshold, t.ColorDistThreshold)
	setInt(&out.Samples, t.Samples)
	setInt(&out.RequiredSamples, t.RequiredSamples)
	setInt(&out.LearningRate, t.LearningRate)
	setInt(&out.MedianKernel, t.MedianKernel)
	return out
}

// SuBSENSEConfig resolves the subsense section over bgs.DefaultSuBSENSEConfig.
func (c *Config) SuBSENSEConfig() bgs.SuBSENSEConfig {
	out := bgs.DefaultSuBSENSEConfig()
	setUint64(&out.Seed, c.Seed)
	t := c.SuBSENSE
	if t == nil {
		return out
	}
	setFloat32(&out.RelLBSPThreshold, t.RelLBSPThreshold)
	setInt(&out.DescDistThresholdOffset, t.DescDistThresholdOffset)
	setInt(&out.MinColorDistThreshold, t.MinColorDistThreshold)
	setInt(&out.Samples, t.Samples)
	setInt(&out.RequiredSamples, t.RequiredSamples)
	setInt(&out.SamplesForMovingAvgs, t.SamplesForMovingAvgs)
	return out
}

// PAWCSConfig resolves the pawcs section over bgs.DefaultPAWCSConfig.
func (c *Config) PAWCSConfig() bgs.PAWCSConfig {
	out := bgs.DefaultPAWCSConfig()
	setUint64(&out.Seed, c.Seed)
	t := c.PAWCS
	if t == nil {
		return out
	}
	setFloat32(&out.RelLBSPThreshold, t.RelLBSPThreshold)
	setInt(&out.DescDistThresholdOffset, t.DescDistThresholdOffset)
	setInt(&out.MinColorDistThreshold, t.MinColorDistThreshold)
	setInt(&out.MaxWords, t.MaxWords)
	setInt(&out.SamplesForMovingAvgs, t.SamplesForMovingAvgs)
	if t.CameraMotion != nil {
		out.CameraMotion = *t.CameraMotion
	}
	if tr := t.Tracker; tr != nil {
		setInt(&out.Tracker.MaxCorners, tr.MaxCorners)
		setFloat64(&out.Tracker.Quality, tr.Quality)
		setFloat64(&out.Tracker.MinDistance, tr.MinDistance)
		setInt(&out.Tracker.MinTracked, tr.MinTracked)
		setInt(&out.Tracker.SustainFrames, tr.SustainFrames)
	}
	return out
}

// MotionConfig resolves the motion section over controller.DefaultMotionDetectionConfig.
func (c *Config) MotionConfig() controller.MotionDetectionConfig {
	out := controller.DefaultMotionDetectionConfig()
	out.LearningRateOverride = c.GetLearningRateOverride()
	if m := c.Motion; m != nil {
		setFloat64(&out.MinContourArea, m.MinContourArea)
		setInt(&out.MaxObjects, m.MaxObjects)
		setInt(&out.MotionHistoryFrames, m.MotionHistoryFrames)
	}
	return out
}

// Thresholds resolves the activity thresholds of the motion section.
func (c *Config) Thresholds() controller.ThresholdConfig {
	out := controller.ThresholdConfig{
		MotionThreshold:  0.05,
		DensityThreshold: 4,
		HysteresisFrames: 3,
	}
	if m := c.Motion; m != nil {
		setFloat64(&out.MotionThreshold, m.MotionThreshold)
		setInt(&out.DensityThreshold, m.DensityThreshold)
		setInt(&out.HysteresisFrames, m.HysteresisFrames)
	}
	return out
}

// GetDensityEstimator returns the density_estimator kind or controller.DensityEstimatorBlob.
func (c *Config) GetDensityEstimator() string {
	if c.Motion == nil || c.Motion.DensityEstimator == nil || *c.Motion.DensityEstimator == "" {
		return controller.DensityEstimatorBlob
	}
	return *c.Motion.DensityEstimator
}

// NewDensityEstimator builds the configured density estimator for frames of frameArea pixels.
// Blobs under the motion detector's min_contour_area are not counted.
func (c *Config) NewDensityEstimator(frameArea int) (controller.DensityEstimator, error) {
	density := controller.DefaultDensityEstimationConfig()
	density.FrameArea = frameArea
	density.MinBlobArea = c.MotionConfig().MinContourArea
	return controller.NewDensityEstimator(c.GetDensityEstimator(), density)
}

// NewModel builds the configured model with automatic reset applied.
func (c *Config) NewModel() (bgs.Model, error) {
	var (
		m   bgs.Model
		err error
	)
	switch c.GetModel() {
	case ModelLOBSTER:
		m, err = bgs.NewLOBSTER(c.LOBSTERConfig())
	case ModelSuBSENSE:
		m, err = bgs.NewSuBSENSE(c.SuBSENSEConfig())
	case ModelPAWCS:
		m, err = bgs.NewPAWCS(c.PAWCSConfig())
	default:
		return nil, fmt.Errorf("unknown model %q", c.GetModel())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", c.GetModel(), err)
	}
	m.SetAutomaticModelReset(c.GetAutomaticModelReset())
	return m, nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setUint64(dst *uint64, v *uint64) {
	if v != nil {
		*dst = *v
	}
}

func setFloat32(dst *float32, v *float32) {
	if v != nil {
		*dst = *v
	}
}

func setFloat64(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
