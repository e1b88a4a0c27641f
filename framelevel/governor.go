package framelevel

// MaxFramesSinceReset is the number of frames without a reset after which automatic resets
// switch themselves off.
const MaxFramesSinceReset = 1000

// Governor tracks the automatic model reset state of one model.
type Governor struct {
	// Enabled turns automatic resets on.
	Enabled bool
	// SinceReset counts frames since the last reset or re-enable.
	SinceReset int
	// Cooldown counts down the frames during which no new reset may happen.
	Cooldown int
}

// ObserveColorDiff advances the governor by one frame of the sample-consensus model.
//
// Arguments:
//   - ratio: The frame color difference ratio.
//   - threshold: The ratio that triggers a reset; twice that re-enables automatic resets.
//   - cooldown: The cooldown set after a reset.
//
// Returns:
//   - bool: Whether the model should be partially reset now.
func (g *Governor) ObserveColorDiff(ratio, threshold float32, cooldown int) bool {
	reset := false
	switch {
	case g.Enabled && g.SinceReset > MaxFramesSinceReset:
		g.Enabled = false
	case g.Enabled && ratio >= threshold && g.Cooldown == 0:
		g.SinceReset = 0
		g.Cooldown = cooldown
		reset = true
	case g.Enabled:
		g.SinceReset++
	case ratio >= threshold*2:
		g.SinceReset = 0
		g.Enabled = true
	}
	g.tick()
	return reset
}

// EnableOnSpike turns automatic resets on when ratio reaches twice threshold. It reports
// whether the governor is enabled afterwards.
func (g *Governor) EnableOnSpike(ratio, threshold float32) bool {
	if !g.Enabled && ratio >= threshold*2 {
		g.Enabled = true
	}
	return g.Enabled
}

// ObserveL1 advances the governor by one frame of the word-consensus model. It must only be
// called while automatic resets or the moving-camera mode are active; call Tick otherwise.
//
// Arguments:
//   - ratio: The frame L1 ratio.
//   - threshold: The ratio that triggers a reset.
//   - cooldown: The cooldown set after a reset.
//   - bootstrapping: Frames are not counted while the model is still warming up.
//
// Returns:
//   - bool: Whether the model should be partially reset now.
func (g *Governor) ObserveL1(ratio, threshold float32, cooldown int, bootstrapping bool) bool {
	reset := false
	switch {
	case g.SinceReset > MaxFramesSinceReset:
		g.Enabled = false
	case ratio >= threshold && g.Cooldown == 0:
		g.SinceReset = 0
		g.Cooldown = cooldown
		reset = true
	case !bootstrapping:
		g.SinceReset++
	}
	g.tick()
	return reset
}

// Tick decrements the cooldown without observing anything.
func (g *Governor) Tick() { g.tick() }

func (g *Governor) tick() {
	if g.Cooldown > 0 {
		g.Cooldown--
	}
}

// LearningRateCaps returns the update period bounds for a frame color difference ratio:
// large changes shrink both caps by a power of two so that models adapt faster.
//
// Arguments:
//   - ratio: The frame color difference ratio.
//   - threshold: The reset threshold; caps shrink from threshold/2.
//   - lower, upper: The caps to use for a calm frame.
//   - baseLower, baseUpper: The caps that get shifted on a busy frame.
func LearningRateCaps(ratio, threshold float32, lower, upper, baseLower, baseUpper int) (float32, float32) {
	if ratio < threshold/2 {
		return float32(lower), float32(upper)
	}
	shift := uint(ratio / 2)
	return float32(max(shiftRight(baseLower, shift), 1)), float32(max(shiftRight(baseUpper, shift), 1))
}

func shiftRight(v int, shift uint) int {
	if shift >= 63 {
		return 0
	}
	return v >> shift
}
