package dictionary

import "github.com/nvr-ai/go-lbsp/lbsp"

// Sample is one stored observation of a sample-consensus model.
type Sample = lbsp.Feature

// LocalWord is one entry of a pixel's local dictionary.
type LocalWord struct {
	lbsp.Feature
	// First is the frame index the word was created at.
	First uint64
	// Last is the frame index the word was last matched at.
	Last uint64
	// Occurrences is the reinforcement count.
	Occurrences uint64
}

// NewLocalWord creates a word first seen at frame now.
func NewLocalWord(f lbsp.Feature, occurrences, now uint64) LocalWord {
	return LocalWord{Feature: f, First: now, Last: now, Occurrences: occurrences}
}

// Weight returns occurrences / ((last-first) + 2*(now-last) + offset). It never increases
// as now grows without the word being matched.
//
// Arguments:
//   - now: The current frame index, never earlier than Last.
//   - offset: The weight offset; larger values flatten young words.
//
// Returns:
//   - float32: The word weight.
func (w *LocalWord) Weight(now uint64, offset uint64) float32 {
	return float32(w.Occurrences) / float32((w.Last-w.First)+(now-w.Last)*2+offset)
}

// Touch records a match at frame now, adding incr occurrences.
func (w *LocalWord) Touch(now, incr uint64) {
	w.Last = now
	w.Occurrences += incr
}
