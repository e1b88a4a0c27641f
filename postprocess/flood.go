package postprocess

// FillHoles returns a mask in which 255 marks the pixels of mask that cannot be reached from
// the seed (0,0) through 4-connected pixels of the seed's own value. For a binary foreground
// mask whose corner is background this is the set of holes enclosed by foreground blobs.
//
// Arguments:
//   - mask: Row-major 8-bit mask.
//   - width, height: Mask dimensions.
//
// Returns:
//   - []byte: The hole mask, same size as mask.
func FillHoles(mask []byte, width, height int) []byte {
	holes := make([]byte, len(mask))
	if width <= 0 || height <= 0 || len(mask) < width*height {
		return holes
	}

	seed := mask[0]
	reached := make([]bool, width*height)
	queue := make([]int, 0, width+height)
	queue = append(queue, 0)
	reached[0] = true

	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		x, y := i%width, i/width
		for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
			if n[0] < 0 || n[1] < 0 || n[0] >= width || n[1] >= height {
				continue
			}
			j := n[1]*width + n[0]
			if reached[j] || mask[j] != seed {
				continue
			}
			reached[j] = true
			queue = append(queue, j)
		}
	}

	for i := range holes[:width*height] {
		// the filled image is 255 on reached pixels and on existing 255s; holes are its inverse
		if !reached[i] && mask[i] != 255 {
			holes[i] = 255
		}
	}
	return holes
}
