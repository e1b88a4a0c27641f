package dictionary

import (
	"fmt"
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-lbsp/lbsp"
)

// GlobalWord is a frame-wide word with a coarse map of where it has been observed.
type GlobalWord struct {
	lbsp.Feature
	// Bits is the total number of set descriptor bits.
	Bits int
	// Weight is the aggregate weight, kept close to the sum of Occupancy.
	Weight float32
	// Occupancy holds one weight per downsampled map cell.
	Occupancy []float32

	populated bool
}

// Populated reports whether the word has ever been assigned.
func (w *GlobalWord) Populated() bool { return w.populated }

// OccupancySum returns the sum of the occupancy map.
func (w *GlobalWord) OccupancySum() float32 {
	var sum float32
	for _, v := range w.Occupancy {
		sum += v
	}
	return sum
}

func (w *GlobalWord) clearMap() {
	for i := range w.Occupancy {
		w.Occupancy[i] = 0
	}
}

// GlobalDictionary is the frame-wide dictionary shared by all model pixels.
//
// Words live in a stable pool. The dictionary order ranks them by aggregate weight, and every
// model pixel keeps its own ranking of the same words by their occupancy at that pixel.
type GlobalDictionary struct {
	pool       []GlobalWord
	order      []int
	pixelOrder []uint16
	lookup     []int
	mapWidth   int
	mapHeight  int
}

// NewGlobalDictionary allocates capacity empty words with mapWidth*mapHeight occupancy maps.
//
// Arguments:
//   - capacity: Number of global words.
//   - mapWidth, mapHeight: Size of the downsampled occupancy maps.
//   - lookup: For every model pixel, the index of its occupancy map cell.
//
// Returns:
//   - *GlobalDictionary: The dictionary with every per-pixel ranking in pool order.
func NewGlobalDictionary(capacity, mapWidth, mapHeight int, lookup []int) *GlobalDictionary {
	if capacity <= 0 || capacity > 1<<16 {
		panic(fmt.Sprintf("dictionary: invalid global capacity %d", capacity))
	}
	g := &GlobalDictionary{
		pool:       make([]GlobalWord, capacity),
		order:      make([]int, capacity),
		pixelOrder: make([]uint16, len(lookup)*capacity),
		lookup:     lookup,
		mapWidth:   mapWidth,
		mapHeight:  mapHeight,
	}
	for i := range g.pool {
		g.pool[i].Occupancy = make([]float32, mapWidth*mapHeight)
	}
	g.Reset()
	return g
}

// Capacity returns the number of global words.
func (g *GlobalDictionary) Capacity() int { return len(g.pool) }

// MapSize returns the occupancy map dimensions.
func (g *GlobalDictionary) MapSize() (int, int) { return g.mapWidth, g.mapHeight }

// Reset empties every word and restores every ranking to pool order.
func (g *GlobalDictionary) Reset() {
	for i := range g.pool {
		w := &g.pool[i]
		w.Feature = lbsp.Feature{}
		w.Bits = 0
		w.Weight = 0
		w.populated = false
		w.clearMap()
		g.order[i] = i
	}
	g.resetPixelOrder()
}

func (g *GlobalDictionary) resetPixelOrder() {
	c := len(g.pool)
	for m := 0; m < len(g.lookup); m++ {
		for i := 0; i < c; i++ {
			g.pixelOrder[m*c+i] = uint16(i)
		}
	}
}

// Word returns the word at a dictionary rank.
func (g *GlobalDictionary) Word(rank int) *GlobalWord {
	return &g.pool[g.order[rank]]
}

// PixelWord returns the i-th word in the ranking of model pixel m.
func (g *GlobalDictionary) PixelWord(m, i int) *GlobalWord {
	return &g.pool[g.pixelOrder[m*len(g.pool)+i]]
}

// OccupancyAt returns the occupancy of w at model pixel m.
func (g *GlobalDictionary) OccupancyAt(w *GlobalWord, m int) float32 {
	return w.Occupancy[g.lookup[m]]
}

// Assign overwrites w with a new feature and clears its history.
func (g *GlobalDictionary) Assign(w *GlobalWord, f lbsp.Feature, bits int) {
	w.Feature = f
	w.Bits = bits
	w.Weight = 0
	w.populated = true
	w.clearMap()
}

// Reinforce raises the occupancy of w at model pixel m, and its aggregate weight, by weight
// unless the cell already holds at least that much.
func (g *GlobalDictionary) Reinforce(w *GlobalWord, m int, weight float32) {
	cell := &w.Occupancy[g.lookup[m]]
	if *cell < weight {
		w.Weight += weight
		*cell += weight
	}
}

// BubbleUp moves the word at rank towards rank 0 while the word above is empty or lighter.
func (g *GlobalDictionary) BubbleUp(rank int) int {
	for rank > 0 {
		prev := g.Word(rank - 1)
		if prev.populated && g.Word(rank).Weight <= prev.Weight {
			break
		}
		g.order[rank], g.order[rank-1] = g.order[rank-1], g.order[rank]
		rank--
	}
	return rank
}

// FillEmpty marks every never-assigned word as a zero word so that every rank is usable.
func (g *GlobalDictionary) FillEmpty() {
	for i := range g.pool {
		if !g.pool[i].populated {
			g.Assign(&g.pool[i], lbsp.Feature{}, 0)
		}
	}
}

// Find scans the ranking of model pixel m for the first word accepted by match.
func (g *GlobalDictionary) Find(m int, match func(*GlobalWord) bool) (*GlobalWord, bool) {
	for i := 0; i < len(g.pool); i++ {
		w := g.PixelWord(m, i)
		if match(w) {
			return w, true
		}
	}
	return nil, false
}

// SortPixel runs one pass of adjacent swaps over the ranking of model pixel m, by the
// occupancy of each word at that pixel.
func (g *GlobalDictionary) SortPixel(m int) {
	c := len(g.pool)
	lut := g.pixelOrder[m*c : (m+1)*c]
	cell := g.lookup[m]
	last := g.pool[lut[0]].Occupancy[cell]
	for i := 1; i < c; i++ {
		curr := g.pool[lut[i]].Occupancy[cell]
		if curr > last {
			lut[i], lut[i-1] = lut[i-1], lut[i]
		} else {
			last = curr
		}
	}
}

// Maintain runs the periodic upkeep pass over the dictionary in rank order.
//
// Arguments:
//   - recalc: Recompute aggregate weights from the occupancy maps and clear words under 1.
//   - update: Decay occupancy by 10% where background is non-zero, decay weights by 10% and
//     blur the maps.
//   - background: Downsampled map-sized mask of stable background cells, used when update.
func (g *GlobalDictionary) Maintain(recalc, update bool, background []byte) error {
	for rank := 0; rank < len(g.pool); rank++ {
		w := g.Word(rank)
		if recalc && w.Weight > 0 {
			w.Weight = w.OccupancySum()
			if w.Weight < 1 {
				w.Weight = 0
				w.clearMap()
			}
		}
		if update && w.Weight > 0 {
			for i, v := range w.Occupancy {
				if background[i] != 0 {
					w.Occupancy[i] = v + v*-0.1
				}
			}
			w.Weight *= 0.9
			if err := BoxBlur3(w.Occupancy, g.mapWidth, g.mapHeight); err != nil {
				return err
			}
		}
		if rank > 0 && w.Weight > g.Word(rank-1).Weight {
			g.order[rank], g.order[rank-1] = g.order[rank-1], g.order[rank]
		}
	}
	if update {
		for m := range g.lookup {
			g.SortPixel(m)
		}
	}
	return nil
}

// RelocatePixels rebuilds the per-pixel rankings the same way Arena.Relocate rebuilds slot
// ranges; models without a source get the default ranking.
func (g *GlobalDictionary) RelocatePixels(src func(model int) (int, bool)) {
	c := len(g.pool)
	next := make([]uint16, len(g.pixelOrder))
	for m := range g.lookup {
		from, ok := src(m)
		if !ok || from < 0 || from >= len(g.lookup) {
			for i := 0; i < c; i++ {
				next[m*c+i] = uint16(g.order[i])
			}
			continue
		}
		copy(next[m*c:(m+1)*c], g.pixelOrder[from*c:(from+1)*c])
	}
	g.pixelOrder = next
}

// BoxBlur3 replaces values with their 3x3 mean, replicating border cells.
func BoxBlur3(values []float32, width, height int) error {
	src := gocv.NewMatWithSize(height, width, gocv.MatTypeCV32F)
	defer src.Close()
	for i, v := range values[:width*height] {
		src.SetFloatAt(i/width, i%width, v)
	}

	padded := gocv.NewMat()
	defer padded.Close()
	if err := gocv.CopyMakeBorder(src, &padded, 1, 1, 1, 1, gocv.BorderReplicate, color.RGBA{}); err != nil {
		return errors.Wrap(err, "dictionary: pad occupancy map")
	}
	blurred := gocv.NewMat()
	defer blurred.Close()
	if err := gocv.Blur(padded, &blurred, image.Pt(3, 3)); err != nil {
		return errors.Wrap(err, "dictionary: blur occupancy map")
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			values[y*width+x] = blurred.GetFloatAt(y+1, x+1)
		}
	}
	return nil
}
