// Package benchmark measures the speed and the segmentation quality of the background
// subtraction models on synthetic scenes with known ground truth.
package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/nvr-ai/go-lbsp/config"
	"github.com/nvr-ai/go-lbsp/metrics"
	"github.com/nvr-ai/go-lbsp/profiler"
	"gocv.io/x/gocv"
)

// Resolution represents frame dimensions for benchmarking
type Resolution struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name"`
}

// Common resolutions for benchmarking
var CommonResolutions = []Resolution{
	{Width: 160, Height: 120, Name: "QQVGA"},
	{Width: 320, Height: 240, Name: "QVGA"},
	{Width: 640, Height: 480, Name: "VGA"},
	{Width: 1280, Height: 720, Name: "HD"},
}

// TestScenario defines a specific test configuration
type TestScenario struct {
	Name       string     `json:"name"`
	Model      string     `json:"model"`
	Resolution Resolution `json:"resolution"`
	Scene      SceneKind  `json:"scene"`
	// Noise is the amplitude of the uniform sensor noise added to every channel.
	Noise int `json:"noise"`
	// Frames are timed and scored after the warmup frames.
	Frames       int    `json:"frames"`
	WarmupFrames int    `json:"warmup_frames"`
	Seed         uint64 `json:"seed"`
}

// PerformanceMetrics captures detailed performance data
type PerformanceMetrics struct {
	Scenario        TestScenario     `json:"scenario"`
	Timestamp       time.Time        `json:"timestamp"`
	TotalDuration   time.Duration    `json:"total_duration"`
	FramesPerSecond float64          `json:"frames_per_second"`
	Apply           profiler.Summary `json:"apply"`
	MemoryStats     MemoryMetrics    `json:"memory_stats"`
	CPUStats        CPUMetrics       `json:"cpu_stats"`
	Evaluation      metrics.Report   `json:"evaluation"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
}

// CPUMetrics captures CPU usage statistics
type CPUMetrics struct {
	NumCPU     int `json:"num_cpu"`
	GOMAXPROCS int `json:"gomaxprocs"`
}

// Suite manages and executes benchmark scenarios
type Suite struct {
	scenarios []TestScenario
	outputDir string
	mu        sync.RWMutex
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite writing its results to outputDir.
func NewSuite(outputDir string) *Suite {
	return &Suite{
		outputDir: outputDir,
		scenarios: make([]TestScenario, 0),
		results:   make([]PerformanceMetrics, 0),
	}
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenario TestScenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// Scenarios returns the queued scenarios.
func (bs *Suite) Scenarios() []TestScenario {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make([]TestScenario, len(bs.scenarios))
	copy(out, bs.scenarios)
	return out
}

// RunScenario executes a single benchmark scenario
//
// The first frame initializes the model, the warmup frames are applied untimed and every
// following frame is timed and scored against the ground truth of the scene.
//
// Arguments:
//   - ctx: Cancels the scenario between frames.
//   - scenario: The scenario to run.
//
// Returns:
//   - *PerformanceMetrics: The timings, memory use and segmentation quality.
//   - error: An error if the model cannot be built or rejects a frame.
func (bs *Suite) RunScenario(ctx context.Context, scenario TestScenario) (*PerformanceMetrics, error) {
	if scenario.Frames <= 0 {
		return nil, fmt.Errorf("scenario %s has no frames", scenario.Name)
	}
	cfg := config.Empty()
	cfg.Model = &scenario.Model
	cfg.Seed = &scenario.Seed
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scenario.Name, err)
	}
	model, err := cfg.NewModel()
	if err != nil {
		return nil, err
	}
	defer model.Close()

	scene, err := NewScene(scenario.Scene, scenario.Resolution.Width, scenario.Resolution.Height, scenario.Noise, scenario.Seed)
	if err != nil {
		return nil, err
	}

	frame := gocv.NewMat()
	defer frame.Close()
	truth := gocv.NewMat()
	defer truth.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	roi := gocv.NewMat()
	defer roi.Close()

	if err := scene.Render(0, &frame, &truth); err != nil {
		return nil, err
	}
	if err := model.Initialize(frame, roi); err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", scenario.Model, err)
	}

	for i := 1; i <= scenario.WarmupFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := scene.Render(i, &frame, &truth); err != nil {
			return nil, err
		}
		if err := model.Apply(frame, &mask, 0); err != nil {
			return nil, fmt.Errorf("warmup frame %d: %w", i, err)
		}
	}

	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{MaxSamples: scenario.Frames})
	var seq metrics.Sequence

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	var applied time.Duration
	for i := scenario.WarmupFrames + 1; i <= scenario.WarmupFrames+scenario.Frames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := scene.Render(i, &frame, &truth); err != nil {
			return nil, err
		}
		start := time.Now()
		if err := model.Apply(frame, &mask, 0); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		elapsed := time.Since(start)
		applied += elapsed
		prof.RecordDuration("apply", elapsed)

		if _, err := seq.Add(truth, mask); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
	}

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	result := &PerformanceMetrics{
		Scenario:        scenario,
		Timestamp:       time.Now(),
		TotalDuration:   applied,
		FramesPerSecond: float64(scenario.Frames) / applied.Seconds(),
		MemoryStats: MemoryMetrics{
			AllocBytes:      endMem.Alloc,
			TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
			SysBytes:        endMem.Sys,
			NumGC:           endMem.NumGC - startMem.NumGC,
			HeapAllocBytes:  endMem.HeapAlloc,
			HeapSysBytes:    endMem.HeapSys,
		},
		CPUStats: CPUMetrics{
			NumCPU:     runtime.NumCPU(),
			GOMAXPROCS: runtime.GOMAXPROCS(0),
		},
		Evaluation: seq.Report(),
	}
	result.Apply, _ = prof.Operation("apply")
	return result, nil
}

// RunAllScenarios executes all configured benchmark scenarios and saves the results.
// A failing scenario is reported and skipped.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	for _, scenario := range bs.Scenarios() {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			fmt.Printf("❌ Scenario %s failed: %v\n", scenario.Name, err)
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *result)
		bs.mu.Unlock()

		fmt.Printf("✅ Scenario %s completed: %.2f FPS, F-measure %.4f\n",
			scenario.Name, result.FramesPerSecond, result.Evaluation.FMeasure)
	}

	return bs.SaveResults()
}

// SaveResults persists benchmark results to filesystem
func (bs *Suite) SaveResults() error {
	results := bs.GetResults()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}

	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return fmt.Errorf("failed to save summary CSV: %w", err)
	}

	fmt.Printf("💾 Results saved to: %s\n", resultsFile)
	fmt.Printf("💾 Summary saved to: %s\n", summaryFile)

	return nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	header := "Scenario,Model,Resolution,Scene,FPS,Apply_Mean_ms,Apply_P95_ms,Alloc_MB,Recall,Precision,F_Measure,PWC\n"
	if _, err := file.WriteString(header); err != nil {
		return err
	}

	for _, result := range results {
		line := fmt.Sprintf("%s,%s,%s,%s,%.2f,%.3f,%.3f,%.2f,%.4f,%.4f,%.4f,%.4f\n",
			result.Scenario.Name,
			result.Scenario.Model,
			result.Scenario.Resolution.Name,
			result.Scenario.Scene,
			result.FramesPerSecond,
			result.Apply.Mean*1000,
			result.Apply.P95*1000,
			float64(result.MemoryStats.TotalAllocBytes)/(1024*1024),
			result.Evaluation.Recall,
			result.Evaluation.Precision,
			result.Evaluation.FMeasure,
			result.Evaluation.PWC,
		)
		if _, err := file.WriteString(line); err != nil {
			return err
		}
	}

	return nil
}

// GetResults returns all benchmark results
func (bs *Suite) GetResults() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	results := make([]PerformanceMetrics, len(bs.results))
	copy(results, bs.results)
	return results
}
