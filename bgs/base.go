package bgs

import (
	"image"
	"runtime"

	"github.com/nvr-ai/go-lbsp/lbsp"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
)

// ROI values. Pixels in the border band are modeled but get special update rules.
const (
	roiOutside = 0
	roiBorder  = 127
	roiInside  = 255
)

// qvgaArea is the 320x240 reference frame area used to scale kernel sizes and word counts.
const qvgaArea = 320 * 240

// base holds the frame geometry, the ROI and the pixel lookup tables shared by every
// model, plus the per-frame intra features.
type base struct {
	width    int
	height   int
	channels int

	roi []byte
	// pixels maps a model index to its linear pixel index; models maps back, -1 outside
	pixels []int
	models []int32
	// roiCount is the ROI size before border validation
	roiCount int

	lut   *lbsp.ThresholdLUT
	intra []lbsp.Feature
	img   lbsp.Image

	// userROI is the last ROI set before initialization, reused when Initialize gets none
	userROI []byte

	rand        RandSource
	frameIndex  uint64
	initialized bool
}

// resolveROI returns the ROI Initialize should use: roi itself, or the ROI stored by SetROI
// when roi is empty and the stored one fits the frame. The caller closes the result.
func (b *base) resolveROI(roi gocv.Mat, width, height int) (gocv.Mat, error) {
	if !roi.Empty() || len(b.userROI) != width*height {
		return roi.Clone(), nil
	}
	return roiMat(b.userROI, width, height)
}

// storeROI validates roi for a frame size and keeps it for the next Initialize.
func (b *base) storeROI(roi gocv.Mat, width, height int) error {
	if roi.Empty() {
		b.userROI = nil
		return nil
	}
	if _, _, err := prepareROI(roi, width, height, false); err != nil {
		return err
	}
	b.userROI = roi.ToBytes()
	return nil
}

// frameImage validates a frame and returns a byte view on it.
func frameImage(frame gocv.Mat) (lbsp.Image, error) {
	if frame.Empty() || frame.Rows() == 0 || frame.Cols() == 0 {
		return lbsp.Image{}, ErrEmptyFrame
	}
	if !frame.IsContinuous() {
		return lbsp.Image{}, ErrNotContinuous
	}
	switch frame.Type() {
	case gocv.MatTypeCV8UC1, gocv.MatTypeCV8UC3:
	default:
		return lbsp.Image{}, errors.Wrapf(ErrUnsupportedFormat, "got type %v", frame.Type())
	}
	return lbsp.NewImage(frame.ToBytes(), frame.Cols(), frame.Rows(), frame.Channels()), nil
}

// warnGrayscale logs when a 3-channel frame carries the same value in every channel.
func warnGrayscale(name string, img lbsp.Image) {
	if img.Channels != 3 {
		return
	}
	for i := 0; i+2 < len(img.Data); i += 3 {
		if img.Data[i] != img.Data[i+1] || img.Data[i+2] != img.Data[i+1] {
			return
		}
	}
	Logger.Printf("⚠️  %s: grayscale frames should be passed as 8UC1 for best performance", name)
}

// prepareROI validates roi against the frame size and returns its bytes. An empty roi
// selects the whole frame. When band is set, a 127 band is added around the ROI. The
// border where no descriptor fits is always cleared.
//
// Returns:
//   - []byte: The processed ROI.
//   - int: The non-zero count before the border was cleared.
//   - error: When roi is malformed or ends up empty.
func prepareROI(roi gocv.Mat, width, height int, band bool) ([]byte, int, error) {
	var out []byte
	if roi.Empty() {
		out = make([]byte, width*height)
		for i := range out {
			out[i] = roiInside
		}
	} else {
		if roi.Cols() != width || roi.Rows() != height {
			return nil, 0, errors.Wrapf(ErrROISizeMismatch, "roi %dx%d, frame %dx%d", roi.Cols(), roi.Rows(), width, height)
		}
		if roi.Type() != gocv.MatTypeCV8UC1 {
			return nil, 0, ErrInvalidROI
		}
		out = roi.ToBytes()
		for _, v := range out {
			if v != roiOutside && v != roiInside {
				return nil, 0, ErrInvalidROI
			}
		}
		if band {
			var err error
			if out, err = addBorderBand(roi, out); err != nil {
				return nil, 0, err
			}
		}
	}

	count := countNonZero(out)
	if count == 0 {
		return nil, 0, ErrEmptyROI
	}
	clearBorder(out, width, height)
	if countNonZero(out) == 0 {
		return nil, 0, ErrEmptyROI
	}
	return out, count, nil
}

// addBorderBand dilates the ROI by the descriptor radius and marks the added pixels 127.
func addBorderBand(roi gocv.Mat, data []byte) ([]byte, error) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	dilated := gocv.NewMat()
	defer dilated.Close()
	if err := roi.CopyTo(&dilated); err != nil {
		return nil, errors.Wrap(err, "bgs: copy roi")
	}
	for i := 0; i < lbsp.Radius; i++ {
		if err := gocv.Dilate(dilated, &dilated, kernel); err != nil {
			return nil, errors.Wrap(err, "bgs: dilate roi")
		}
	}
	grown := dilated.ToBytes()
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] | grown[i]/2
	}
	return out, nil
}

func clearBorder(roi []byte, width, height int) {
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x < lbsp.Radius || y < lbsp.Radius || x >= width-lbsp.Radius || y >= height-lbsp.Radius {
				roi[y*width+x] = roiOutside
			}
		}
	}
}

func countNonZero(b []byte) int {
	n := 0
	for _, v := range b {
		if v != 0 {
			n++
		}
	}
	return n
}

// setup adopts the geometry of img and builds the pixel lookup tables from roi.
func (b *base) setup(img lbsp.Image, roi []byte, roiCount int) {
	b.width, b.height, b.channels = img.Width, img.Height, img.Channels
	b.roi = roi
	b.roiCount = roiCount
	b.models = make([]int32, img.Width*img.Height)
	b.pixels = b.pixels[:0]
	for px, v := range roi {
		if v == roiOutside {
			b.models[px] = -1
			continue
		}
		b.models[px] = int32(len(b.pixels))
		b.pixels = append(b.pixels, px)
	}
	b.intra = make([]lbsp.Feature, len(b.pixels))
	b.img = img
	b.frameIndex = 0
}

// checkFrame validates a frame against the initialized geometry.
func (b *base) checkFrame(frame gocv.Mat) (lbsp.Image, error) {
	if !b.initialized {
		return lbsp.Image{}, ErrNotInitialized
	}
	img, err := frameImage(frame)
	if err != nil {
		return lbsp.Image{}, err
	}
	if img.Width != b.width || img.Height != b.height || img.Channels != b.channels {
		return lbsp.Image{}, errors.Wrapf(ErrFrameMismatch, "got %dx%dx%d, expected %dx%dx%d",
			img.Width, img.Height, img.Channels, b.width, b.height, b.channels)
	}
	return img, nil
}

// xy returns the image coordinates of a model index.
func (b *base) xy(m int) (int, int) {
	px := b.pixels[m]
	return px % b.width, px / b.width
}

// modelAt returns the model index at (x, y), or false outside the ROI.
func (b *base) modelAt(x, y int) (int, bool) {
	m := b.models[y*b.width+x]
	return int(m), m >= 0
}

// isBorder reports whether model m lies in the ROI border band.
func (b *base) isBorder(m int) bool {
	return b.roi[b.pixels[m]] < roiInside
}

// extract fills the intra features of every model pixel for img. Rows of model pixels are
// split into bands processed concurrently; each worker writes a disjoint range.
func (b *base) extract(img lbsp.Image) error {
	b.img = img
	return parallel(len(b.pixels), func(start, end int) error {
		for m := start; m < end; m++ {
			x, y := b.xy(m)
			b.intra[m] = lbsp.Extract(img, x, y, b.lut)
		}
		return nil
	})
}

// parallel splits [0, n) into one contiguous band per CPU and runs fn on every band.
// Small inputs run on the calling goroutine.
func parallel(n int, fn func(start, end int) error) error {
	workers := runtime.NumCPU()
	if n < workers*2 {
		return fn(0, n)
	}
	part := n / workers
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		start := i * part
		end := start + part
		if i == workers-1 {
			end = n
		}
		g.Go(func() error { return fn(start, end) })
	}
	return g.Wait()
}

// isFlat reports whether a descriptor has too few set bits to describe texture.
func isFlat(desc [3]uint16, channels int) bool {
	if channels == 1 {
		return lbsp.Popcount(desc[0]) < 2
	}
	return lbsp.PopcountN(desc, channels) < 4
}

// matType returns the 8-bit Mat type for a channel count.
func matType(channels int) gocv.MatType {
	if channels == 3 {
		return gocv.MatTypeCV8UC3
	}
	return gocv.MatTypeCV8UC1
}

// writeMask copies a row-major 8UC1 buffer into dst.
func writeMask(dst *gocv.Mat, data []byte, width, height int) error {
	m, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, data)
	if err != nil {
		return errors.Wrap(err, "bgs: wrap mask")
	}
	defer m.Close()
	if err := m.CopyTo(dst); err != nil {
		return errors.Wrap(err, "bgs: write mask")
	}
	return nil
}

// descriptorMat packs per-pixel descriptors into a 16-bit Mat with one channel per image
// channel.
func descriptorMat(desc []uint16, width, height, channels int) (gocv.Mat, error) {
	raw := make([]byte, len(desc)*2)
	for i, d := range desc {
		raw[2*i] = byte(d)
		raw[2*i+1] = byte(d >> 8)
	}
	mt := gocv.MatTypeCV16UC1
	if channels == 3 {
		mt = gocv.MatTypeCV16UC3
	}
	m, err := gocv.NewMatFromBytes(height, width, mt, raw)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "bgs: wrap descriptors")
	}
	return m, nil
}

// roiMat wraps ROI bytes in an 8UC1 Mat owned by the caller.
func roiMat(roi []byte, width, height int) (gocv.Mat, error) {
	m, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, roi)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "bgs: wrap roi")
	}
	return m, nil
}
