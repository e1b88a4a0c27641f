package main

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nvr-ai/go-lbsp/bgs"
	"github.com/nvr-ai/go-lbsp/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func savePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// scene is a flat background with a bright square whose left edge is at x.
func scene(w, h, x int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			c := color.RGBA{R: 60, G: 80, B: 70, A: 255}
			if x >= 0 && px >= x && px < x+10 && py >= 12 && py < 22 {
				c = color.RGBA{R: 230, G: 220, B: 200, A: 255}
			}
			img.Set(px, py, c)
		}
	}
	return img
}

func squareMask(w, h, x int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	if x < 0 {
		return m
	}
	for py := 12; py < 22; py++ {
		for px := x; px < x+10; px++ {
			m.SetGray(px, py, color.Gray{Y: 255})
		}
	}
	return m
}

func TestValidateInputFlags(t *testing.T) {
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(video, []byte("x"), 0o644))
	text := filepath.Join(dir, "clip.txt")
	require.NoError(t, os.WriteFile(text, []byte("x"), 0o644))

	tests := []struct {
		name    string
		video   string
		images  string
		want    InputType
		wantErr string
	}{
		{name: "camera by default", want: InputCamera},
		{name: "video", video: video, want: InputVideo},
		{name: "images", images: dir, want: InputImages},
		{name: "both", video: video, images: dir, wantErr: "cannot specify both"},
		{name: "missing video", video: filepath.Join(dir, "nope.mp4"), wantErr: "file not found"},
		{name: "bad extension", video: text, wantErr: "unsupported file extension"},
		{name: "images is a file", images: video, wantErr: "not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateInputFlags(tt.video, tt.images, 2)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Type)
			if tt.want == InputCamera {
				assert.Equal(t, "camera:2", got.Name())
			}
		})
	}
}

func TestInputTypeString(t *testing.T) {
	assert.Equal(t, "camera", InputCamera.String())
	assert.Equal(t, "video", InputVideo.String())
	assert.Equal(t, "images", InputImages.String())
	assert.Equal(t, "unknown", InputType(9).String())
}

func TestSequenceSource(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []int{3, 1, 2} {
		savePNG(t, filepath.Join(dir, fmt.Sprintf("in%06d.png", n)), scene(64, 32, -1))
	}

	src, err := openSource(&InputConfig{Type: InputImages, Path: dir}, 32)
	require.NoError(t, err)
	defer src.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	var got []int
	for {
		index, ok, err := src.Read(&frame)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, index)
		assert.Equal(t, 32, frame.Cols())
		assert.Equal(t, 16, frame.Rows())
	}
	assert.Equal(t, []int{1, 2, 3}, got)

	_, err = openSource(&InputConfig{Type: InputImages, Path: t.TempDir()}, 0)
	assert.ErrorContains(t, err, "no images")
}

func TestGroundTruthAndROI(t *testing.T) {
	dir := t.TempDir()
	savePNG(t, filepath.Join(dir, "gt000004.png"), squareMask(48, 40, 5))

	gt, err := loadGroundTruth(dir, 0)
	require.NoError(t, err)

	m, ok, err := gt.Mask(4)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100, gocv.CountNonZero(m))
	m.Close()

	_, ok, err = gt.Mask(5)
	require.NoError(t, err)
	assert.False(t, ok)

	roiPath := filepath.Join(dir, "ROI.png")
	half := image.NewGray(image.Rect(0, 0, 48, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 24; x++ {
			half.SetGray(x, y, color.Gray{Y: 1})
		}
	}
	savePNG(t, roiPath, half)
	roi, err := loadROI(roiPath, 0)
	require.NoError(t, err)
	defer roi.Close()
	assert.Equal(t, 24*40, gocv.CountNonZero(roi))
	assert.Equal(t, uint8(255), roi.GetUCharAt(0, 0))

	empty, err := loadROI("", 0)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	empty.Close()
}

func TestRunImageSequence(t *testing.T) {
	bgs.Logger = log.New(io.Discard, "", 0)
	t.Cleanup(func() { bgs.Logger = log.Default() })

	dir := t.TempDir()
	input := filepath.Join(dir, "input")
	truth := filepath.Join(dir, "groundtruth")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(input, 0o755))
	require.NoError(t, os.Mkdir(truth, 0o755))

	const frames = 8
	for i := 1; i <= frames; i++ {
		x := -1
		if i > 4 {
			x = 4 * i
		}
		savePNG(t, filepath.Join(input, fmt.Sprintf("in%06d.png", i)), scene(48, 40, x))
		savePNG(t, filepath.Join(truth, fmt.Sprintf("gt%06d.png", i)), squareMask(48, 40, x))
	}

	opts := options{
		model:           "lobster",
		input:           &InputConfig{Type: InputImages, Path: input},
		groundTruthDir:  truth,
		outputDir:       out,
		dbPath:          filepath.Join(dir, "runs.db"),
		reportPath:      filepath.Join(dir, "report.html"),
		backgroundEvery: 4,
	}
	require.NoError(t, run(context.Background(), opts, time.Hour))

	for i := 1; i <= frames; i++ {
		assert.FileExists(t, filepath.Join(out, fmt.Sprintf("bin%06d.png", i)))
	}
	assert.FileExists(t, filepath.Join(out, "bg000005.png"))
	assert.FileExists(t, opts.reportPath)

	db, err := store.Open(opts.dbPath)
	require.NoError(t, err)
	defer db.Close()

	var runID string
	require.NoError(t, db.QueryRow(`SELECT id FROM runs`).Scan(&runID))
	rec, err := db.Run(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "lobster", rec.Model)
	assert.Contains(t, rec.Summary, `"frames":8`)
	assert.Contains(t, rec.Summary, `"evaluation"`)

	stats, err := db.Frames(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, stats, frames)
	assert.Zero(t, stats[0].ForegroundRatio)
	assert.Equal(t, 1, stats[0].Index)
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	bgs.Logger = log.New(io.Discard, "", 0)
	t.Cleanup(func() { bgs.Logger = log.Default() })

	dir := t.TempDir()
	for i := 1; i <= 3; i++ {
		savePNG(t, filepath.Join(dir, fmt.Sprintf("frame-%d.png", i)), scene(48, 40, -1))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := options{
		model:  "subsense",
		input:  &InputConfig{Type: InputImages, Path: dir},
		dbPath: filepath.Join(t.TempDir(), "runs.db"),
	}
	assert.NoError(t, run(ctx, opts, time.Hour))
}

func TestLoadConfigModelOverride(t *testing.T) {
	cfg, err := loadConfig(options{model: "pawcs"})
	require.NoError(t, err)
	assert.Equal(t, "pawcs", cfg.GetModel())

	_, err = loadConfig(options{model: "vibe"})
	assert.Error(t, err)
}
