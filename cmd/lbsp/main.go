// Command lbsp segments a camera, a video or an image sequence with an LBSP background
// subtraction model. It writes the foreground masks, records per-frame statistics in a
// SQLite run store, scores the masks against ground truth and renders an HTML report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nvr-ai/go-lbsp/bgs"
	"github.com/nvr-ai/go-lbsp/config"
	"github.com/nvr-ai/go-lbsp/controller"
	"github.com/nvr-ai/go-lbsp/metrics"
	"github.com/nvr-ai/go-lbsp/profiler"
	"github.com/nvr-ai/go-lbsp/report"
	"github.com/nvr-ai/go-lbsp/store"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
)

const (
	// deviceID is the ID of the video capture device to use.
	deviceID = 0
	// DefaultDBPath is the default run store.
	DefaultDBPath = "lbsp.db"
	// flushEvery is the number of frame records buffered before they are stored.
	flushEvery = 100
)

// options holds the parsed command line.
type options struct {
	configPath      string
	model           string
	input           *InputConfig
	roiPath         string
	groundTruthDir  string
	outputDir       string
	dbPath          string
	reportPath      string
	maxWidth        int
	maxFrames       int
	backgroundEvery int
	showWindow      bool
}

func main() {
	var (
		opts       options
		videoPath  string
		imageDir   string
		device     int
		reportSecs time.Duration
	)
	flag.StringVar(&opts.configPath, "config", "", "Path to a JSON tuning file")
	flag.StringVar(&opts.model, "model", "", "Model to run (lobster, subsense, pawcs), overrides the tuning file")
	flag.StringVar(&videoPath, "video", "", "Path to video file (.mp4, .avi, .mov, .mkv)")
	flag.StringVar(&imageDir, "images", "", "Directory of numbered frames (in000001.jpg, frame-1.png, ...)")
	flag.IntVar(&device, "device", deviceID, "Video capture device used when no video or images are given")
	flag.StringVar(&opts.roiPath, "roi", "", "Region of interest image, non-zero pixels are processed")
	flag.StringVar(&opts.groundTruthDir, "groundtruth", "", "Directory of numbered ground-truth masks")
	flag.StringVar(&opts.outputDir, "output-dir", "", "Directory receiving the foreground masks")
	flag.StringVar(&opts.dbPath, "db", DefaultDBPath, "SQLite run store")
	flag.StringVar(&opts.reportPath, "report", "", "Write an HTML report of the run to this path")
	flag.IntVar(&opts.maxWidth, "max-width", 0, "Downscale frames wider than this")
	flag.IntVar(&opts.maxFrames, "max-frames", 0, "Stop after this many frames")
	flag.IntVar(&opts.backgroundEvery, "background-every", 0, "Write the background image every N frames")
	flag.BoolVar(&opts.showWindow, "show-window", false, "Show the foreground mask in a window")
	flag.DurationVar(&reportSecs, "profile-interval", 5*time.Second, "Interval of profiler status reports")
	flag.Parse()

	input, err := validateInputFlags(videoPath, imageDir, device)
	if err != nil {
		log.Fatal(err)
	}
	opts.input = input

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, reportSecs); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Empty()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.model != "" {
		cfg.Model = &opts.model
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// writeJob is an image waiting to be written; the writer closes it.
type writeJob struct {
	path string
	mat  gocv.Mat
}

func run(ctx context.Context, opts options, reportInterval time.Duration) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	model, err := cfg.NewModel()
	if err != nil {
		return err
	}

	roi, err := loadROI(opts.roiPath, opts.maxWidth)
	if err != nil {
		model.Close()
		return err
	}
	detector, err := controller.NewLBSPMotionDetector(model, roi, cfg.MotionConfig())
	roi.Close()
	if err != nil {
		model.Close()
		return err
	}
	defer detector.Close()

	source, err := openSource(opts.input, opts.maxWidth)
	if err != nil {
		return err
	}
	defer source.Close()

	var gt *groundTruth
	if opts.groundTruthDir != "" {
		if gt, err = loadGroundTruth(opts.groundTruthDir, opts.maxWidth); err != nil {
			return err
		}
	}
	if opts.outputDir != "" {
		if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	db, err := store.Open(opts.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	// the run is recorded and closed even when interrupted
	storeCtx := context.WithoutCancel(ctx)
	runID, err := db.StartRun(storeCtx, model.Name(), opts.input.Name(), string(configJSON))
	if err != nil {
		return err
	}

	prof := profiler.NewRuntimeProfiler(profiler.ProfilingOptions{
		ReportInterval: reportInterval,
		Output:         os.Stdout,
	})
	prof.Start(ctx)
	defer prof.Stop()

	printBanner(opts, model.Name(), runID, prof.SessionID())

	p := &pipeline{
		opts:     opts,
		runID:    runID,
		model:    model,
		detector: detector,
		db:       db,
		prof:     prof,
		gt:       gt,
		writes:   make(chan writeJob, 16),

		thresholds: cfg.Thresholds(),
		density:    cfg.NewDensityEstimator,
	}
	defer p.closeWindow()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(p.writes)
		return p.process(gctx, source)
	})
	g.Go(func() error {
		return p.write(gctx)
	})
	runErr := g.Wait()
	for job := range p.writes {
		job.mat.Close()
	}

	if err := db.RecordFrames(storeCtx, runID, p.pending); err != nil && runErr == nil {
		runErr = err
	}
	summary := p.summary()
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := db.EndRun(storeCtx, runID, string(summaryJSON)); err != nil && runErr == nil {
		runErr = err
	}

	prof.WriteReport(os.Stdout)
	printSummary(summary)

	if opts.reportPath != "" && p.frames > 0 {
		if err := writeReport(storeCtx, db, runID, opts.reportPath); err != nil && runErr == nil {
			runErr = err
		}
	}

	if runErr != nil && ctx.Err() != nil {
		log.Printf("🛑 interrupted after %d frames", p.frames)
		return nil
	}
	return runErr
}

// pipeline carries the state of one run through the frame loop.
type pipeline struct {
	opts     options
	runID    string
	model    bgs.Model
	detector *controller.LBSPMotionDetector
	ctrl     *controller.Controller
	window   *gocv.Window
	db       *store.Store
	prof     *profiler.RuntimeProfiler
	gt       *groundTruth
	writes   chan writeJob

	thresholds controller.ThresholdConfig
	density    func(frameArea int) (controller.DensityEstimator, error)

	seq     metrics.Sequence
	pending []store.FrameStat
	frames  int
	events  int
}

// process segments frames until the source runs dry, ctx is canceled or max frames is reached.
func (p *pipeline) process(ctx context.Context, source frameSource) error {
	frame := gocv.NewMat()
	defer frame.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	for p.opts.maxFrames <= 0 || p.frames < p.opts.maxFrames {
		if err := ctx.Err(); err != nil {
			return err
		}

		stopRead := p.prof.StartOperation("read")
		index, ok, err := source.Read(&frame)
		stopRead()
		if err != nil {
			return err
		}
		if !ok {
			log.Printf("🏁 end of input after %d frames", p.frames)
			return nil
		}

		if p.ctrl == nil {
			if p.ctrl, err = p.newController(frame.Rows() * frame.Cols()); err != nil {
				return err
			}
		}

		start := time.Now()
		activity, err := p.ctrl.Decide(controller.Frame{ID: index, Image: frame, Timestamp: start})
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("frame %d: %w", index, err)
		}
		p.prof.RecordDuration("segment", elapsed)

		if err := p.detector.Mask(&mask); err != nil {
			return fmt.Errorf("frame %d: %w", index, err)
		}
		if mask.Empty() {
			// the first frame only initializes the model
			zero := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), frame.Rows(), frame.Cols(), gocv.MatTypeCV8UC1)
			err := zero.CopyTo(&mask)
			zero.Close()
			if err != nil {
				return fmt.Errorf("frame %d: %w", index, err)
			}
		}

		stat := store.FrameStat{
			Index:           index,
			Timestamp:       start,
			ForegroundRatio: float64(gocv.CountNonZero(mask)) / float64(mask.Rows()*mask.Cols()),
			MotionScore:     lastScore(p.detector),
			Blobs:           len(p.detector.Blobs()),
			Activity:        activity.String(),
			ApplyDuration:   elapsed,
		}
		if pawcs, ok := p.model.(*bgs.PAWCS); ok {
			stat.MovingCamera = pawcs.MovingCamera()
		}
		p.prof.RecordMetric("foreground_ratio", stat.ForegroundRatio)
		p.prof.RecordMetric("motion_score", stat.MotionScore)

		if err := p.evaluate(index, mask); err != nil {
			return err
		}
		if err := p.emit(ctx, index, mask); err != nil {
			return err
		}
		if p.opts.showWindow {
			p.show(mask)
		}

		p.pending = append(p.pending, stat)
		if len(p.pending) >= flushEvery {
			if err := p.db.RecordFrames(ctx, p.runID, p.pending); err != nil {
				return err
			}
			p.pending = p.pending[:0]
		}
		p.frames++
	}
	return nil
}

func (p *pipeline) newController(frameArea int) (*controller.Controller, error) {
	density, err := p.density(frameArea)
	if err != nil {
		return nil, err
	}
	return &controller.Controller{
		MotionDetector:   p.detector,
		DensityEstimator: density,
		Current:          controller.Idle,
		Thresholds:       p.thresholds,
		OnEvent: func(e controller.Event) {
			p.events++
			log.Printf("🔔 frame %d: %s -> %s (score %.3f)", e.FrameID, e.From, e.To, e.Score)
			if err := p.db.RecordEvent(context.Background(), p.runID, store.Event{
				FrameIndex: e.FrameID,
				From:       e.From.String(),
				To:         e.To.String(),
				Score:      e.Score,
			}); err != nil {
				log.Printf("⚠️  failed to record event: %v", err)
			}
		},
	}, nil
}

// lastScore is the unsmoothed score of the last frame.
func lastScore(d *controller.LBSPMotionDetector) float64 {
	h := d.GetMotionHistory()
	if len(h) == 0 {
		return 0
	}
	return h[len(h)-1]
}

func (p *pipeline) evaluate(index int, mask gocv.Mat) error {
	if p.gt == nil {
		return nil
	}
	truth, ok, err := p.gt.Mask(index)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer truth.Close()
	if _, err := p.seq.Add(truth, mask); err != nil {
		return fmt.Errorf("frame %d: %w", index, err)
	}
	return nil
}

// emit queues the mask, and periodically the background image, for writing.
func (p *pipeline) emit(ctx context.Context, index int, mask gocv.Mat) error {
	if p.opts.outputDir == "" {
		return nil
	}
	jobs := []writeJob{{
		path: filepath.Join(p.opts.outputDir, fmt.Sprintf("bin%06d.png", index)),
		mat:  mask.Clone(),
	}}
	if p.opts.backgroundEvery > 0 && p.frames%p.opts.backgroundEvery == 0 && p.frames > 0 {
		bg, err := p.model.BackgroundImage()
		if err != nil {
			jobs[0].mat.Close()
			return err
		}
		jobs = append(jobs, writeJob{
			path: filepath.Join(p.opts.outputDir, fmt.Sprintf("bg%06d.png", index)),
			mat:  bg,
		})
	}
	for i, job := range jobs {
		select {
		case p.writes <- job:
		case <-ctx.Done():
			for _, rest := range jobs[i:] {
				rest.mat.Close()
			}
			return ctx.Err()
		}
	}
	return nil
}

// write drains the write queue until it is closed. Jobs left after a failure are closed by run.
func (p *pipeline) write(ctx context.Context) error {
	for job := range p.writes {
		stopWrite := p.prof.StartOperation("write")
		ok := gocv.IMWrite(job.path, job.mat)
		stopWrite()
		job.mat.Close()
		if !ok {
			return fmt.Errorf("failed to write %s", job.path)
		}
	}
	return ctx.Err()
}

func (p *pipeline) show(mask gocv.Mat) {
	if p.window == nil {
		p.window = gocv.NewWindow("LBSP foreground")
	}
	p.window.IMShow(mask)
	p.window.WaitKey(1)
}

func (p *pipeline) closeWindow() {
	if p.window != nil {
		p.window.Close()
	}
}

// runSummary is stored with the run and printed at the end.
type runSummary struct {
	Frames     int              `json:"frames"`
	Events     int              `json:"events"`
	Session    string           `json:"profiler_session"`
	Segment    profiler.Summary `json:"segment"`
	Evaluation *metrics.Report  `json:"evaluation,omitempty"`
}

func (p *pipeline) summary() runSummary {
	s := runSummary{Frames: p.frames, Events: p.events, Session: p.prof.SessionID()}
	s.Segment, _ = p.prof.Operation("segment")
	if p.gt != nil {
		r := p.seq.Report()
		s.Evaluation = &r
	}
	return s
}

func writeReport(ctx context.Context, db *store.Store, runID, path string) error {
	run, err := db.Run(ctx, runID)
	if err != nil {
		return err
	}
	frames, err := db.Frames(ctx, runID)
	if err != nil {
		return err
	}
	events, err := db.Events(ctx, runID)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := report.Render(f, run, frames, events); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Printf("📊 report written to %s", path)
	return nil
}

func printBanner(opts options, model, runID, session string) {
	fmt.Printf("\n🚀 LBSP Background Subtraction Started\n")
	fmt.Printf("=====================================\n")
	fmt.Printf("⚙️  Configuration:\n")
	fmt.Printf("   🧠 Model: %s\n", model)
	fmt.Printf("   🎥 Input: %s (%s)\n", opts.input.Name(), opts.input.Type)
	if opts.roiPath != "" {
		fmt.Printf("   🔲 ROI: %s\n", opts.roiPath)
	}
	if opts.groundTruthDir != "" {
		fmt.Printf("   🎯 Ground truth: %s\n", opts.groundTruthDir)
	}
	if opts.outputDir != "" {
		fmt.Printf("   💾 Output directory: %s\n", opts.outputDir)
	}
	fmt.Printf("   🗄️  Run store: %s (run %s)\n", opts.dbPath, runID)
	fmt.Printf("   📈 Profiler session: %s\n", session)
	fmt.Printf("=====================================\n\n")
}

func printSummary(s runSummary) {
	fmt.Printf("\n✅ Processed %d frames, %d activity switches\n", s.Frames, s.Events)
	if s.Segment.Samples > 0 {
		fmt.Printf("   ⏱️  segment: mean %.2fms p95 %.2fms\n", s.Segment.Mean*1000, s.Segment.P95*1000)
	}
	if r := s.Evaluation; r != nil {
		fmt.Printf("   🎯 frames=%d recall=%.4f precision=%.4f f-measure=%.4f pwc=%.4f\n",
			r.Frames, r.Recall, r.Precision, r.FMeasure, r.PWC)
	}
}
