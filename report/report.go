// Package report renders the recorded statistics of a run as an HTML page of charts.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/nvr-ai/go-lbsp/store"
)

// activityLevels places activities on the y axis of the event chart.
var activityLevels = map[string]int{"idle": 0, "motion": 1, "crowded": 2}

// Render writes a page with the foreground ratio, motion score, segmentation time and
// activity switches of run.
func Render(w io.Writer, run store.Run, frames []store.FrameStat, events []store.Event) error {
	if len(frames) == 0 {
		return fmt.Errorf("run %s has no frames", run.ID)
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("%s on %s", run.Model, run.Source)
	page.AddCharts(
		segmentationChart(run, frames),
		timingChart(frames),
		eventChart(events),
	)

	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

func frameAxis(frames []store.FrameStat) []string {
	x := make([]string, len(frames))
	for i, f := range frames {
		x[i] = strconv.Itoa(f.Index)
	}
	return x
}

func segmentationChart(run store.Run, frames []store.FrameStat) *charts.Line {
	ratio := make([]opts.LineData, len(frames))
	score := make([]opts.LineData, len(frames))
	camera := make([]opts.LineData, len(frames))
	for i, f := range frames {
		ratio[i] = opts.LineData{Value: f.ForegroundRatio}
		score[i] = opts.LineData{Value: f.MotionScore}
		if f.MovingCamera {
			camera[i] = opts.LineData{Value: 1}
		} else {
			camera[i] = opts.LineData{Value: 0}
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Segmentation", Subtitle: fmt.Sprintf("run=%s frames=%d", run.ID, len(frames))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	line.SetXAxis(frameAxis(frames)).
		AddSeries("foreground ratio", ratio).
		AddSeries("motion score", score).
		AddSeries("moving camera", camera, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))
	return line
}

func timingChart(frames []store.FrameStat) *charts.Bar {
	ms := make([]opts.BarData, len(frames))
	for i, f := range frames {
		ms[i] = opts.BarData{Value: float64(f.ApplyDuration.Microseconds()) / 1000}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "320px"}),
		charts.WithTitleOpts(opts.Title{Title: "Apply time (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	bar.SetXAxis(frameAxis(frames)).AddSeries("apply", ms)
	return bar
}

func eventChart(events []store.Event) *charts.Scatter {
	pts := make([]opts.ScatterData, 0, len(events))
	for _, e := range events {
		pts = append(pts, opts.ScatterData{Value: []interface{}{e.FrameIndex, activityLevels[e.To], e.Score}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "240px"}),
		charts.WithTitleOpts(opts.Title{Title: "Activity switches", Subtitle: fmt.Sprintf("count=%d", len(events))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: []string{"idle", "motion", "crowded"}}),
	)
	scatter.AddSeries("switch to", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))
	return scatter
}
