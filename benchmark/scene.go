package benchmark

import (
	"fmt"
	"math/rand/v2"

	"gocv.io/x/gocv"
)

// SceneKind names a synthetic scene.
type SceneKind string

const (
	// SceneStatic is a textured background that never changes.
	SceneStatic SceneKind = "static"
	// SceneMovingSquare is the static background crossed by a bright square.
	SceneMovingSquare SceneKind = "moving-square"
	// SceneIlluminationStep brightens the whole background halfway through a cycle.
	SceneIlluminationStep SceneKind = "illumination-step"
)

// AllScenes lists every scene kind.
var AllScenes = []SceneKind{SceneStatic, SceneMovingSquare, SceneIlluminationStep}

// illuminationPeriod is the number of frames of one dark plus bright cycle.
const illuminationPeriod = 200

// Scene renders the frames of a synthetic sequence and their ground truth.
type Scene struct {
	kind          SceneKind
	width, height int
	noise         int
	rng           *rand.Rand
	background    []byte
	frame         []byte
	truth         []byte
}

// NewScene creates a scene of the given size. Noise draws from a generator seeded with seed.
func NewScene(kind SceneKind, width, height, noise int, seed uint64) (*Scene, error) {
	switch kind {
	case SceneStatic, SceneMovingSquare, SceneIlluminationStep:
	default:
		return nil, fmt.Errorf("unknown scene %q", kind)
	}
	if width < 16 || height < 16 {
		return nil, fmt.Errorf("scene %dx%d is smaller than 16x16", width, height)
	}
	if noise < 0 {
		return nil, fmt.Errorf("negative noise %d", noise)
	}

	s := &Scene{
		kind:       kind,
		width:      width,
		height:     height,
		noise:      noise,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		background: make([]byte, width*height*3),
		frame:      make([]byte, width*height*3),
		truth:      make([]byte, width*height),
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			// 8x8 tiles of two tones over a slow gradient
			tile := ((x/8)+(y/8))%2 == 0
			base := 50 + (x+y)%40
			if tile {
				base += 30
			}
			s.background[i] = byte(base)
			s.background[i+1] = byte(base + 10)
			s.background[i+2] = byte(base + 5)
		}
	}
	return s, nil
}

// SquareSize is the side of the moving square.
func (s *Scene) SquareSize() int {
	return min(s.width, s.height) / 3
}

// squareAt returns the left column of the square at frame i. The square crosses the frame
// from left to right at two pixels per frame and restarts.
func (s *Scene) squareAt(i int) int {
	span := s.width - s.SquareSize()
	return (2 * i) % (span + 1)
}

// Render writes frame i into frame as 8UC3 and its ground truth into truth as 8UC1, 255
// marking foreground.
func (s *Scene) Render(i int, frame, truth *gocv.Mat) error {
	copy(s.frame, s.background)
	clear(s.truth)

	if s.kind == SceneIlluminationStep && i%illuminationPeriod >= illuminationPeriod/2 {
		for p := range s.frame {
			s.frame[p] = byte(min(int(s.frame[p])+25, 255))
		}
	}

	if s.kind == SceneMovingSquare {
		size := s.SquareSize()
		x0 := s.squareAt(i)
		y0 := (s.height - size) / 2
		for y := y0; y < y0+size; y++ {
			for x := x0; x < x0+size; x++ {
				p := y*s.width + x
				s.frame[p*3] = 200
				s.frame[p*3+1] = 220
				s.frame[p*3+2] = 230
				s.truth[p] = 255
			}
		}
	}

	if s.noise > 0 {
		for p := range s.frame {
			v := int(s.frame[p]) + s.rng.IntN(2*s.noise+1) - s.noise
			s.frame[p] = byte(max(0, min(v, 255)))
		}
	}

	f, err := gocv.NewMatFromBytes(s.height, s.width, gocv.MatTypeCV8UC3, s.frame)
	if err != nil {
		return err
	}
	defer f.Close()
	t, err := gocv.NewMatFromBytes(s.height, s.width, gocv.MatTypeCV8UC1, s.truth)
	if err != nil {
		return err
	}
	defer t.Close()

	if err := f.CopyTo(frame); err != nil {
		return err
	}
	return t.CopyTo(truth)
}
