package profiler

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingCollector struct {
	calls atomic.Int64
}

func (c *countingCollector) CollectMetrics() map[string]float64 {
	n := c.calls.Add(1)
	return map[string]float64{"fg_ratio": float64(n)}
}

func TestSessionID(t *testing.T) {
	a := NewRuntimeProfiler(ProfilingOptions{})
	b := NewRuntimeProfiler(ProfilingOptions{})

	_, err := uuid.Parse(a.SessionID())
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionID(), b.SessionID())
}

func TestMetricSummary(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{MaxSamples: 4})

	_, ok := rp.Metric("fg_ratio")
	assert.False(t, ok)

	for _, v := range []float64{100, 1, 2, 3, 4} {
		rp.RecordMetric("fg_ratio", v)
	}

	s, ok := rp.Metric("fg_ratio")
	require.True(t, ok)
	assert.Equal(t, int64(5), s.Count)
	assert.Equal(t, 4, s.Samples, "the window drops the oldest sample")
	assert.InDelta(t, 2.5, s.Mean, 1e-9)
	assert.InDelta(t, 1.2909944487358056, s.StdDev, 1e-9)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Equal(t, 2.0, s.P50)
	assert.Equal(t, 4.0, s.P95)
}

func TestSingleSampleHasZeroStdDev(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	rp.RecordMetric("resets", 1)

	s, ok := rp.Metric("resets")
	require.True(t, ok)
	assert.Zero(t, s.StdDev)
}

func TestOperationTiming(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})

	rp.RecordDuration("apply", 10*time.Millisecond)
	rp.RecordDuration("apply", 30*time.Millisecond)
	done := rp.StartOperation("initialize")
	done()

	s, ok := rp.Operation("apply")
	require.True(t, ok)
	assert.InDelta(t, 0.02, s.Mean, 1e-9)
	assert.InDelta(t, 0.03, s.Max, 1e-9)

	s, ok = rp.Operation("initialize")
	require.True(t, ok)
	assert.Equal(t, int64(1), s.Count)
	assert.GreaterOrEqual(t, s.Min, 0.0)
}

func TestStartPollsCollectorsAndStops(t *testing.T) {
	var out bytes.Buffer
	rp := NewRuntimeProfiler(ProfilingOptions{
		SampleInterval: time.Millisecond,
		ReportInterval: time.Hour,
		Output:         &out,
	})
	collector := &countingCollector{}
	rp.AddMetricsCollector(collector)

	rp.Start(context.Background())
	rp.Start(context.Background())
	require.Eventually(t, func() bool { return collector.calls.Load() >= 3 }, time.Second, time.Millisecond)
	rp.Stop()
	rp.Stop()

	calls := collector.calls.Load()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, calls, collector.calls.Load(), "no polling after Stop")

	s, ok := rp.Metric("fg_ratio")
	require.True(t, ok)
	assert.Equal(t, calls, s.Count)
}

func TestStartStopsWithContext(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{SampleInterval: time.Millisecond})
	collector := &countingCollector{}
	rp.AddMetricsCollector(collector)

	ctx, cancel := context.WithCancel(context.Background())
	rp.Start(ctx)
	require.Eventually(t, func() bool { return collector.calls.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	rp.Stop()
}

func TestWriteReport(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	rp.RecordMetric("fg_ratio", 0.25)
	rp.RecordDuration("apply", 2*time.Millisecond)

	var out bytes.Buffer
	rp.WriteReport(&out)

	report := out.String()
	assert.Contains(t, report, rp.SessionID())
	assert.Contains(t, report, "apply: avg=")
	assert.Contains(t, report, "count=1")
	assert.Contains(t, report, "fg_ratio: avg=0.2500")
}

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		in       uint64
		expected string
	}{
		{in: 512, expected: "512 B"},
		{in: 2048, expected: "2.0 KB"},
		{in: 3 * 1024 * 1024, expected: "3.0 MB"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			assert.Equal(t, tc.expected, formatBytes(tc.in))
		})
	}
}
