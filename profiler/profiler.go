// Package profiler records per-frame timings and pipeline metrics of a segmentation run and
// reports windowed summaries of them.
package profiler

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// Summary describes the retained window of one metric or operation.
type Summary struct {
	Name    string
	Count   int64
	Samples int
	Mean    float64
	StdDev  float64
	Min     float64
	Max     float64
	P50     float64
	P95     float64
}

// RuntimeProfiler keeps a sliding window of samples for named metrics and operations.
//
// Metrics are recorded explicitly with RecordMetric, timed with StartOperation or pulled
// from registered collectors on every sample tick. Start emits a report to the output writer
// every report interval until Stop.
type RuntimeProfiler struct {
	// Configuration
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int
	out            io.Writer

	// State management
	sessionID string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	memStats runtime.MemStats

	metrics    map[string]*window
	operations map[string]*window
	collectors []MetricsCollector
}

// window is a bounded list of the most recent samples.
type window struct {
	values []float64
	count  int64
}

func (w *window) add(v float64, limit int) {
	w.values = append(w.values, v)
	if len(w.values) > limit {
		w.values = w.values[len(w.values)-limit:]
	}
	w.count++
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to emit status reports (default: 5s)
	ReportInterval time.Duration
	// SampleInterval specifies how often collectors are polled (default: 100ms)
	SampleInterval time.Duration
	// MaxSamples specifies how many samples each window keeps (default: 600)
	MaxSamples int
	// Output receives status reports (default: io.Discard)
	Output io.Writer
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
// - opts: Configuration options for the profiler
//
// Returns:
// - A configured RuntimeProfiler instance with a fresh session ID
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 5 * time.Second
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = 100 * time.Millisecond
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		out:            opts.Output,
		sessionID:      uuid.NewString(),
		startTime:      time.Now(),
		metrics:        make(map[string]*window),
		operations:     make(map[string]*window),
	}
}

// SessionID identifies this profiler in reports and stored runs.
func (rp *RuntimeProfiler) SessionID() string {
	return rp.sessionID
}

// Start begins sampling collectors and emitting reports until ctx is done or Stop is called.
func (rp *RuntimeProfiler) Start(ctx context.Context) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}

	ctx, rp.cancel = context.WithCancel(ctx)
	rp.running = true
	rp.startTime = time.Now()

	rp.wg.Add(2)
	go rp.loop(ctx, rp.sampleInterval, rp.sample)
	go rp.loop(ctx, rp.reportInterval, func() { rp.WriteReport(rp.out) })
}

func (rp *RuntimeProfiler) loop(ctx context.Context, every time.Duration, fn func()) {
	defer rp.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop stops the background loops and waits for them to return.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	cancel := rp.cancel
	rp.mu.Unlock()

	cancel()
	rp.wg.Wait()
}

// AddMetricsCollector registers a collector polled on every sample tick.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records a custom metric value.
//
// Arguments:
// - name: The name of the metric
// - value: The metric value to record
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.recordLocked(rp.metrics, name, value)
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
//
// @example
// done := prof.StartOperation("apply")
// err := model.Apply(frame, &mask, 0)
// done()
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.RecordDuration(name, time.Since(start))
	}
}

// RecordDuration records one completed operation.
func (rp *RuntimeProfiler) RecordDuration(name string, d time.Duration) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.recordLocked(rp.operations, name, d.Seconds())
}

func (rp *RuntimeProfiler) recordLocked(set map[string]*window, name string, value float64) {
	w, ok := set[name]
	if !ok {
		w = &window{values: make([]float64, 0, rp.maxSamples)}
		set[name] = w
	}
	w.add(value, rp.maxSamples)
}

// sample polls every collector once.
func (rp *RuntimeProfiler) sample() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	runtime.ReadMemStats(&rp.memStats)
	for _, collector := range rp.collectors {
		for name, value := range collector.CollectMetrics() {
			rp.recordLocked(rp.metrics, name, value)
		}
	}
}

// Metric summarizes the retained window of a custom metric.
func (rp *RuntimeProfiler) Metric(name string) (Summary, bool) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return summarize(name, rp.metrics[name])
}

// Operation summarizes the retained durations of an operation, in seconds.
func (rp *RuntimeProfiler) Operation(name string) (Summary, bool) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return summarize(name, rp.operations[name])
}

func summarize(name string, w *window) (Summary, bool) {
	if w == nil || len(w.values) == 0 {
		return Summary{Name: name}, false
	}

	sorted := make([]float64, len(w.values))
	copy(sorted, w.values)
	sort.Float64s(sorted)

	s := Summary{
		Name:    name,
		Count:   w.count,
		Samples: len(sorted),
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		P50:     stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:     stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	s.Mean, s.StdDev = stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		s.StdDev = 0
	}
	return s, true
}

// WriteReport writes every metric and operation summary to w.
func (rp *RuntimeProfiler) WriteReport(w io.Writer) {
	rp.mu.RLock()
	defer rp.mu.RUnlock()

	fmt.Fprintf(w, "📊 session %s, uptime %v\n", rp.sessionID, time.Since(rp.startTime).Truncate(time.Millisecond))
	fmt.Fprintf(w, "  heap %s, goroutines %d, gc %d\n",
		formatBytes(rp.memStats.HeapAlloc), runtime.NumGoroutine(), rp.memStats.NumGC)

	for _, name := range sortedKeys(rp.operations) {
		s, _ := summarize(name, rp.operations[name])
		fmt.Fprintf(w, "  ⏱️  %s: avg=%v p95=%v max=%v count=%d\n", name,
			seconds(s.Mean), seconds(s.P95), seconds(s.Max), s.Count)
	}
	for _, name := range sortedKeys(rp.metrics) {
		s, _ := summarize(name, rp.metrics[name])
		fmt.Fprintf(w, "  📈 %s: avg=%.4f sd=%.4f min=%.4f max=%.4f samples=%d\n", name,
			s.Mean, s.StdDev, s.Min, s.Max, s.Samples)
	}
}

func sortedKeys(m map[string]*window) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second)).Truncate(time.Microsecond)
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
