package util

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"

	"github.com/nfnt/resize"
	"gocv.io/x/gocv"
)

// ImageFile represents an image file of a numbered sequence.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file, nil until Load.
	Data []byte
	// Frame is the frame number parsed from the trailing digits of the file name.
	Frame int
}

// ListDirectoryImageFiles lists the image files of a directory sorted by frame number.
//
// File names end with the frame number before the extension, as in "frame-12.png",
// "in000012.jpg" or "gt000012.png".
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: The files, without data.
// - error: Error if the directory cannot be read or a name holds no frame number.
func ListDirectoryImageFiles(dir string) ([]ImageFile, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var images []ImageFile
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(file.Name()))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".bmp":
			frame, err := frameNumber(strings.TrimSuffix(file.Name(), filepath.Ext(file.Name())))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file.Name(), err)
			}
			images = append(images, ImageFile{
				Path:  filepath.Join(dir, file.Name()),
				Frame: frame,
			})
		}
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Frame < images[j].Frame
	})

	return images, nil
}

// LoadDirectoryImageFiles lists the image files of a directory and reads all of them.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	images, err := ListDirectoryImageFiles(dir)
	if err != nil {
		return nil, err
	}
	for i := range images {
		if err := images[i].Load(); err != nil {
			return nil, err
		}
	}
	return images, nil
}

func frameNumber(name string) (int, error) {
	end := len(name)
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, fmt.Errorf("no frame number in %q", name)
	}
	return strconv.Atoi(name[start:end])
}

// Load reads the file into Data.
func (f *ImageFile) Load() error {
	if f.Data != nil {
		return nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return err
	}
	f.Data = data
	return nil
}

// Decode loads and decodes the file, shrinking it to maxWidth when it is wider.
// Ground-truth masks pass nearest so that labels are not blended.
//
// Arguments:
// - maxWidth: The maximal width, 0 keeps the original size.
// - nearest: Use nearest-neighbor instead of bilinear interpolation.
//
// Returns:
// - image.Image: The decoded image.
// - error: Error if the file cannot be read or decoded.
func (f *ImageFile) Decode(maxWidth int, nearest bool) (image.Image, error) {
	if err := f.Load(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", f.Path, err)
	}
	return Shrink(img, maxWidth, nearest), nil
}

// Shrink scales img down to maxWidth, keeping the aspect ratio. Smaller images are returned
// unchanged.
func Shrink(img image.Image, maxWidth int, nearest bool) image.Image {
	if maxWidth <= 0 || img.Bounds().Dx() <= maxWidth {
		return img
	}
	interp := resize.Bilinear
	if nearest {
		interp = resize.NearestNeighbor
	}
	return resize.Resize(uint(maxWidth), 0, img, interp)
}

// FrameMat decodes the file into a BGR frame.
func (f *ImageFile) FrameMat(maxWidth int) (gocv.Mat, error) {
	img, err := f.Decode(maxWidth, false)
	if err != nil {
		return gocv.NewMat(), err
	}
	return gocv.ImageToMatRGB(img)
}

// MaskMat decodes the file into a single-channel 8-bit mask.
func (f *ImageFile) MaskMat(maxWidth int) (gocv.Mat, error) {
	img, err := f.Decode(maxWidth, true)
	if err != nil {
		return gocv.NewMat(), err
	}
	return gocv.ImageGrayToMatGray(toGray(img))
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
