package benchmark

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nvr-ai/go-lbsp/config"
)

// AllModels lists the models a scenario can run.
var AllModels = []string{config.ModelLOBSTER, config.ModelSuBSENSE, config.ModelPAWCS}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario TestScenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: TestScenario{
			Name:         name,
			Model:        config.DefaultModel,
			Resolution:   CommonResolutions[0],
			Scene:        SceneMovingSquare,
			Frames:       100,
			WarmupFrames: 25,
			Seed:         1,
		},
	}
}

// WithModel sets the model
func (sb *ScenarioBuilder) WithModel(model string) *ScenarioBuilder {
	sb.scenario.Model = model
	return sb
}

// WithResolution sets the frame resolution
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithNamedResolution sets one of the common resolutions
func (sb *ScenarioBuilder) WithNamedResolution(resolution Resolution) *ScenarioBuilder {
	sb.scenario.Resolution = resolution
	return sb
}

// WithScene sets the synthetic scene
func (sb *ScenarioBuilder) WithScene(scene SceneKind) *ScenarioBuilder {
	sb.scenario.Scene = scene
	return sb
}

// WithNoise sets the sensor noise amplitude
func (sb *ScenarioBuilder) WithNoise(noise int) *ScenarioBuilder {
	sb.scenario.Noise = noise
	return sb
}

// WithFrames sets the number of timed frames
func (sb *ScenarioBuilder) WithFrames(frames int) *ScenarioBuilder {
	sb.scenario.Frames = frames
	return sb
}

// WithWarmupFrames sets the number of untimed frames
func (sb *ScenarioBuilder) WithWarmupFrames(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupFrames = warmups
	return sb
}

// WithSeed sets the seed of the model and of the scene noise
func (sb *ScenarioBuilder) WithSeed(seed uint64) *ScenarioBuilder {
	sb.scenario.Seed = seed
	return sb
}

// Build returns the configured test scenario
func (sb *ScenarioBuilder) Build() TestScenario {
	return sb.scenario
}

// ScenarioSet represents a collection of related test scenarios
type ScenarioSet struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Scenarios   []TestScenario `json:"scenarios"`
}

// PredefinedScenarios contains common benchmark scenario sets
type PredefinedScenarios struct{}

// GetQuickScenarios returns one small moving-square scenario per model
func (ps *PredefinedScenarios) GetQuickScenarios(models []string) *ScenarioSet {
	scenarios := make([]TestScenario, 0, len(models))
	for _, model := range models {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("quick_%s", model)).
			WithModel(model).
			WithNamedResolution(CommonResolutions[0]).
			WithScene(SceneMovingSquare).
			WithNoise(2).
			WithFrames(50).
			WithWarmupFrames(10).
			Build())
	}

	return &ScenarioSet{
		Name:        "Quick Performance Test",
		Description: "One small moving-square sequence per model",
		Scenarios:   scenarios,
	}
}

// GetSceneComparisonScenarios runs every scene for every model at one resolution
func (ps *PredefinedScenarios) GetSceneComparisonScenarios(models []string, resolution Resolution) *ScenarioSet {
	scenarios := make([]TestScenario, 0, len(models)*len(AllScenes))
	for _, model := range models {
		for _, scene := range AllScenes {
			scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("scene_%s_%s_%s", model, scene, resolution.Name)).
				WithModel(model).
				WithNamedResolution(resolution).
				WithScene(scene).
				WithNoise(3).
				WithFrames(150).
				WithWarmupFrames(50).
				Build())
		}
	}

	return &ScenarioSet{
		Name:        fmt.Sprintf("Scene Comparison @ %s", resolution.Name),
		Description: "Compares segmentation quality of every model on every synthetic scene",
		Scenarios:   scenarios,
	}
}

// GetResolutionComparisonScenarios tests the common resolutions with the same model
func (ps *PredefinedScenarios) GetResolutionComparisonScenarios(model string) *ScenarioSet {
	scenarios := make([]TestScenario, 0, len(CommonResolutions))
	for _, resolution := range CommonResolutions {
		scenarios = append(scenarios, NewScenarioBuilder(fmt.Sprintf("resolution_%s_%s", model, resolution.Name)).
			WithModel(model).
			WithNamedResolution(resolution).
			WithScene(SceneMovingSquare).
			WithNoise(2).
			WithFrames(60).
			WithWarmupFrames(20).
			Build())
	}

	return &ScenarioSet{
		Name:        fmt.Sprintf("Resolution Comparison - %s", model),
		Description: fmt.Sprintf("Compares frame sizes for the %s model", model),
		Scenarios:   scenarios,
	}
}

// SaveScenarioSet saves a scenario set to a JSON file
func SaveScenarioSet(scenarioSet *ScenarioSet, filename string) error {
	data, err := json.MarshalIndent(scenarioSet, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal scenario set: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario file: %w", err)
	}

	return nil
}

// LoadScenarioSet loads a scenario set from a JSON file
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenarioSet ScenarioSet
	if err := json.Unmarshal(data, &scenarioSet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scenario set: %w", err)
	}

	return &scenarioSet, nil
}
