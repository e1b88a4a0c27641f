package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/nvr-ai/go-lbsp/util"
	"gocv.io/x/gocv"
)

// Supported file extensions
var supportedVideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv"}

// InputType represents the type of input being processed
type InputType int

const (
	InputCamera InputType = iota
	InputVideo
	InputImages
)

func (t InputType) String() string {
	switch t {
	case InputCamera:
		return "camera"
	case InputVideo:
		return "video"
	case InputImages:
		return "images"
	default:
		return "unknown"
	}
}

// InputConfig holds the input configuration
type InputConfig struct {
	Type     InputType
	Path     string
	DeviceID int
}

// Name identifies the input in stored runs and reports.
func (c InputConfig) Name() string {
	if c.Type == InputCamera {
		return fmt.Sprintf("camera:%d", c.DeviceID)
	}
	return c.Path
}

// validateInputFlags validates the input flags and returns the input configuration
func validateInputFlags(videoPath, imageDir string, deviceID int) (*InputConfig, error) {
	if videoPath != "" && imageDir != "" {
		return nil, fmt.Errorf("error: cannot specify both --video and --images flags")
	}
	if videoPath == "" && imageDir == "" {
		return &InputConfig{Type: InputCamera, DeviceID: deviceID}, nil
	}

	if videoPath != "" {
		if err := validateFile(videoPath, supportedVideoExtensions); err != nil {
			return nil, fmt.Errorf("video validation error: %w", err)
		}
		return &InputConfig{Type: InputVideo, Path: videoPath}, nil
	}

	info, err := os.Stat(imageDir)
	if err != nil {
		return nil, fmt.Errorf("image directory error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image directory error: %s is not a directory", imageDir)
	}
	return &InputConfig{Type: InputImages, Path: imageDir}, nil
}

// validateFile checks if the file exists and has a supported extension
func validateFile(filePath string, supportedExtensions []string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", filePath)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	for _, supportedExt := range supportedExtensions {
		if ext == supportedExt {
			return nil
		}
	}

	return fmt.Errorf("unsupported file extension: %s. Supported extensions: %v", ext, supportedExtensions)
}

// frameSource yields numbered frames until it runs dry.
type frameSource interface {
	// Read fills dst with the next frame and returns its number; ok is false at the end.
	Read(dst *gocv.Mat) (index int, ok bool, err error)
	Close() error
}

// openSource opens the frame source described by input.
func openSource(input *InputConfig, maxWidth int) (frameSource, error) {
	switch input.Type {
	case InputCamera:
		capture, err := gocv.OpenVideoCapture(input.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("error opening video capture device %d: %w", input.DeviceID, err)
		}
		return &captureSource{capture: capture, maxWidth: maxWidth}, nil
	case InputVideo:
		capture, err := gocv.OpenVideoCapture(input.Path)
		if err != nil {
			return nil, fmt.Errorf("error opening video file %s: %w", input.Path, err)
		}
		return &captureSource{capture: capture, maxWidth: maxWidth}, nil
	case InputImages:
		files, err := util.ListDirectoryImageFiles(input.Path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no images in %s", input.Path)
		}
		return &sequenceSource{files: files, maxWidth: maxWidth}, nil
	default:
		return nil, fmt.Errorf("unsupported input type %v", input.Type)
	}
}

// captureSource reads a camera or a video file.
type captureSource struct {
	capture  *gocv.VideoCapture
	maxWidth int
	next     int
}

func (s *captureSource) Read(dst *gocv.Mat) (int, bool, error) {
	for {
		if ok := s.capture.Read(dst); !ok {
			return 0, false, nil
		}
		if !dst.Empty() {
			break
		}
	}
	if s.maxWidth > 0 && dst.Cols() > s.maxWidth {
		h := dst.Rows() * s.maxWidth / dst.Cols()
		gocv.Resize(*dst, dst, image.Pt(s.maxWidth, h), 0, 0, gocv.InterpolationArea)
	}
	index := s.next
	s.next++
	return index, true, nil
}

func (s *captureSource) Close() error {
	return s.capture.Close()
}

// sequenceSource reads a numbered image sequence one file at a time.
type sequenceSource struct {
	files    []util.ImageFile
	maxWidth int
	pos      int
}

func (s *sequenceSource) Read(dst *gocv.Mat) (int, bool, error) {
	if s.pos >= len(s.files) {
		return 0, false, nil
	}
	file := &s.files[s.pos]
	s.pos++

	frame, err := file.FrameMat(s.maxWidth)
	if err != nil {
		return 0, false, err
	}
	defer frame.Close()
	if err := frame.CopyTo(dst); err != nil {
		return 0, false, fmt.Errorf("frame %s: %w", file.Path, err)
	}
	// frames are not kept in memory once decoded
	file.Data = nil
	return file.Frame, true, nil
}

func (s *sequenceSource) Close() error {
	return nil
}

// groundTruth maps frame numbers to ground-truth masks.
type groundTruth struct {
	files    map[int]util.ImageFile
	maxWidth int
}

func loadGroundTruth(dir string, maxWidth int) (*groundTruth, error) {
	files, err := util.ListDirectoryImageFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list ground truth: %w", err)
	}
	gt := &groundTruth{files: make(map[int]util.ImageFile, len(files)), maxWidth: maxWidth}
	for _, f := range files {
		gt.files[f.Frame] = f
	}
	return gt, nil
}

// Mask decodes the ground truth of frame; ok is false when the frame has none.
func (g *groundTruth) Mask(frame int) (gocv.Mat, bool, error) {
	f, ok := g.files[frame]
	if !ok {
		return gocv.Mat{}, false, nil
	}
	m, err := f.MaskMat(g.maxWidth)
	if err != nil {
		return m, false, err
	}
	return m, true, nil
}

// loadROI reads a region of interest image, any non-zero pixel being inside.
func loadROI(path string, maxWidth int) (gocv.Mat, error) {
	if path == "" {
		return gocv.NewMat(), nil
	}
	file := util.ImageFile{Path: path}
	roi, err := file.MaskMat(maxWidth)
	if err != nil {
		return roi, fmt.Errorf("failed to load roi: %w", err)
	}
	gocv.Threshold(roi, &roi, 0, 255, gocv.ThresholdBinary)
	return roi, nil
}
