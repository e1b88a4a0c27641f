package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nvr-ai/go-lbsp/benchmark"
	"github.com/nvr-ai/go-lbsp/bgs"
)

func main() {
	var (
		scenarioFile = flag.String("scenarios", "", "Path to scenario configuration file")
		saveFile     = flag.String("save-scenarios", "", "Write the selected scenarios to this file and exit")
		outputDir    = flag.String("output", "./benchmark_results", "Output directory for results")
		models       = flag.String("models", strings.Join(benchmark.AllModels, ","), "Comma-separated models to benchmark")
		quick        = flag.Bool("quick", false, "Run quick benchmark scenarios")
		scenes       = flag.Bool("scenes", false, "Compare the models on every synthetic scene at QVGA")
		resolutions  = flag.Bool("resolutions", false, "Compare the common resolutions")
		verbose      = flag.Bool("verbose", false, "Keep the model logs")
		timeout      = flag.Duration("timeout", 30*time.Minute, "Benchmark timeout duration")
	)
	flag.Parse()

	if !*verbose {
		bgs.Logger = log.New(io.Discard, "", 0)
	}

	selected := strings.Split(*models, ",")
	predefined := &benchmark.PredefinedScenarios{}
	var scenarios []benchmark.TestScenario

	if *scenarioFile != "" {
		scenarioSet, err := benchmark.LoadScenarioSet(*scenarioFile)
		if err != nil {
			log.Fatalf("Failed to load scenario file: %v", err)
		}
		scenarios = append(scenarios, scenarioSet.Scenarios...)
		fmt.Printf("Loaded %d scenarios from %s\n", len(scenarioSet.Scenarios), *scenarioFile)
	} else {
		if *quick {
			set := predefined.GetQuickScenarios(selected)
			scenarios = append(scenarios, set.Scenarios...)
			fmt.Printf("Added %d quick scenarios\n", len(set.Scenarios))
		}
		if *scenes {
			set := predefined.GetSceneComparisonScenarios(selected, benchmark.CommonResolutions[1])
			scenarios = append(scenarios, set.Scenarios...)
			fmt.Printf("Added %d scene comparison scenarios\n", len(set.Scenarios))
		}
		if *resolutions {
			for _, model := range selected {
				set := predefined.GetResolutionComparisonScenarios(model)
				scenarios = append(scenarios, set.Scenarios...)
				fmt.Printf("Added %d resolution comparison scenarios for %s\n", len(set.Scenarios), model)
			}
		}
	}

	if len(scenarios) == 0 {
		fmt.Println("No scenarios selected, running quick scenarios")
		scenarios = predefined.GetQuickScenarios(selected).Scenarios
	}

	if *saveFile != "" {
		set := &benchmark.ScenarioSet{
			Name:        "Custom",
			Description: "Scenarios selected on the command line",
			Scenarios:   scenarios,
		}
		if err := benchmark.SaveScenarioSet(set, *saveFile); err != nil {
			log.Fatalf("Failed to save scenarios: %v", err)
		}
		fmt.Printf("💾 Saved %d scenarios to %s\n", len(scenarios), *saveFile)
		return
	}

	suite := benchmark.NewSuite(*outputDir)
	for _, scenario := range scenarios {
		suite.AddScenario(scenario)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	fmt.Printf("\n🚀 Running %d scenarios (timeout %v)\n", len(scenarios), *timeout)
	if err := suite.RunAllScenarios(ctx); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	fmt.Printf("\n%-40s %10s %12s %10s\n", "Scenario", "FPS", "Apply p95", "F-measure")
	for _, r := range suite.GetResults() {
		fmt.Printf("%-40s %10.2f %10.2fms %10.4f\n",
			r.Scenario.Name, r.FramesPerSecond, r.Apply.P95*1000, r.Evaluation.FMeasure)
	}
}
