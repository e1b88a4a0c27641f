// Package dictionary - Fixed-capacity per-pixel word storage for the background models.
//
// Every model pixel owns a contiguous range of Capacity slots inside one flat slice,
// addressed as model*Capacity+slot. Slots are either populated or structurally empty; an
// empty slot never takes part in matching and always sorts after populated ones.
package dictionary

import "fmt"

// Arena stores Capacity words of type W for each of Models model pixels.
type Arena[W any] struct {
	words     []W
	populated []bool
	models    int
	capacity  int
}

// NewArena allocates an arena with every slot empty.
//
// Arguments:
//   - models: Number of model pixels.
//   - capacity: Number of slots per model pixel.
//
// Returns:
//   - *Arena[W]: The arena.
func NewArena[W any](models, capacity int) *Arena[W] {
	if models < 0 || capacity <= 0 {
		panic(fmt.Sprintf("dictionary: invalid arena shape %dx%d", models, capacity))
	}
	return &Arena[W]{
		words:     make([]W, models*capacity),
		populated: make([]bool, models*capacity),
		models:    models,
		capacity:  capacity,
	}
}

// Models returns the number of model pixels.
func (a *Arena[W]) Models() int { return a.models }

// Capacity returns the number of slots per model pixel.
func (a *Arena[W]) Capacity() int { return a.capacity }

func (a *Arena[W]) index(model, slot int) int {
	return model*a.capacity + slot
}

// At returns a pointer to the word in the given slot, populated or not.
func (a *Arena[W]) At(model, slot int) *W {
	return &a.words[a.index(model, slot)]
}

// Populated reports whether the slot holds a word.
func (a *Arena[W]) Populated(model, slot int) bool {
	return a.populated[a.index(model, slot)]
}

// Set stores w in the slot and marks it populated.
func (a *Arena[W]) Set(model, slot int, w W) {
	i := a.index(model, slot)
	a.words[i] = w
	a.populated[i] = true
}

// Clear empties the slot.
func (a *Arena[W]) Clear(model, slot int) {
	i := a.index(model, slot)
	var zero W
	a.words[i] = zero
	a.populated[i] = false
}

// Swap exchanges two slots of the same model pixel, populated flags included.
func (a *Arena[W]) Swap(model, i, j int) {
	ii, jj := a.index(model, i), a.index(model, j)
	a.words[ii], a.words[jj] = a.words[jj], a.words[ii]
	a.populated[ii], a.populated[jj] = a.populated[jj], a.populated[ii]
}

// Count returns the number of populated slots of a model pixel.
func (a *Arena[W]) Count(model int) int {
	n := 0
	base := a.index(model, 0)
	for _, p := range a.populated[base : base+a.capacity] {
		if p {
			n++
		}
	}
	return n
}

// FirstEmpty returns the lowest empty slot of a model pixel, or -1 when it is full.
func (a *Arena[W]) FirstEmpty(model int) int {
	base := a.index(model, 0)
	for s, p := range a.populated[base : base+a.capacity] {
		if !p {
			return s
		}
	}
	return -1
}

// Reset empties every slot.
func (a *Arena[W]) Reset() {
	var zero W
	for i := range a.words {
		a.words[i] = zero
		a.populated[i] = false
	}
}

// BubbleUp moves the word in slot towards slot 0 while the slot above it is empty or holds
// a lighter word.
//
// Arguments:
//   - model: The model pixel.
//   - slot: The slot to move.
//   - weight: Returns the ordering key of a word; heavier words sort first.
//
// Returns:
//   - int: The slot the word ended in.
func (a *Arena[W]) BubbleUp(model, slot int, weight func(*W) float32) int {
	if !a.Populated(model, slot) {
		return slot
	}
	w := weight(a.At(model, slot))
	for slot > 0 && (!a.Populated(model, slot-1) || w > weight(a.At(model, slot-1))) {
		a.Swap(model, slot, slot-1)
		slot--
	}
	return slot
}

// SortPass runs one pass of adjacent swaps so that any word heavier than its predecessor
// moves up one slot. Empty slots always sink below populated ones.
func (a *Arena[W]) SortPass(model int, weight func(*W) float32) {
	last := float32(0)
	lastPopulated := false
	for s := 0; s < a.capacity; s++ {
		if !a.Populated(model, s) {
			lastPopulated = false
			continue
		}
		w := weight(a.At(model, s))
		if s > 0 && (!a.Populated(model, s-1) || (lastPopulated && w > last)) {
			a.Swap(model, s, s-1)
			continue
		}
		last, lastPopulated = w, true
	}
}

// Sorted reports whether the populated slots of a model pixel are contiguous from slot 0
// and non-increasing by weight.
func (a *Arena[W]) Sorted(model int, weight func(*W) float32) bool {
	prev := float32(0)
	for s := 0; s < a.capacity; s++ {
		if !a.Populated(model, s) {
			for r := s + 1; r < a.capacity; r++ {
				if a.Populated(model, r) {
					return false
				}
			}
			return true
		}
		w := weight(a.At(model, s))
		if s > 0 && w > prev {
			return false
		}
		prev = w
	}
	return true
}

// Relocate rebuilds the arena so that model m takes over the slot range of model src(m).
// Models for which src reports false are emptied. Every other arena is left untouched.
//
// Arguments:
//   - src: Maps a destination model to the model whose words it inherits.
//
// Returns:
//   - int: The number of models that lost their words.
func (a *Arena[W]) Relocate(src func(model int) (int, bool)) int {
	words := make([]W, len(a.words))
	populated := make([]bool, len(a.populated))
	released := 0
	for m := 0; m < a.models; m++ {
		from, ok := src(m)
		if !ok || from < 0 || from >= a.models {
			released++
			continue
		}
		copy(words[a.index(m, 0):a.index(m+1, 0)], a.words[a.index(from, 0):a.index(from+1, 0)])
		copy(populated[a.index(m, 0):a.index(m+1, 0)], a.populated[a.index(from, 0):a.index(from+1, 0)])
	}
	a.words = words
	a.populated = populated
	return released
}
