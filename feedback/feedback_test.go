package feedback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateSeeds(t *testing.T) {
	s := NewState(4, SuBSENSEParams(), 2)

	require.Equal(t, 4, s.Len())
	for i := 0; i < s.Len(); i++ {
		assert.Equal(t, float32(1), s.R[i])
		assert.Equal(t, float32(10), s.V[i])
		assert.Equal(t, float32(2), s.T[i])
		assert.False(t, s.Unstable[i])
	}

	p := NewState(1, PAWCSParams(), 1)
	assert.Equal(t, float32(2), p.R[0])
	assert.Equal(t, float32(1), p.Params().TLower)
}

func TestRecordMatchRollingMeans(t *testing.T) {
	s := NewState(1, SuBSENSEParams(), 2)

	s.RecordMatch(0, 1, true, 0.01, 0.04)
	assert.InDelta(t, 0.01, s.MinDistLT[0], 1e-7)
	assert.InDelta(t, 0.04, s.MinDistST[0], 1e-7)
	assert.InDelta(t, 0.01, s.RawSegmLT[0], 1e-7)
	assert.InDelta(t, 0.04, s.RawSegmST[0], 1e-7)

	s.RecordMatch(0, 0, false, 0.01, 0.04)
	assert.InDelta(t, 0.01*0.99, s.RawSegmLT[0], 1e-7)
	assert.InDelta(t, 0.04*0.96, s.RawSegmST[0], 1e-7)
}

func TestRefreshUnstable(t *testing.T) {
	testCases := []struct {
		name     string
		setup    func(s *State)
		expected bool
	}{
		{name: "fresh pixel is stable", setup: func(s *State) {}, expected: false},
		{name: "large R", setup: func(s *State) { s.R[0] = 3.5 }, expected: true},
		{name: "raw ahead of final on LT", setup: func(s *State) { s.RawSegmLT[0] = 0.3; s.FinalSegmLT[0] = 0.1 }, expected: true},
		{name: "raw ahead of final on ST", setup: func(s *State) { s.RawSegmST[0] = 0.5 }, expected: true},
		{name: "raw close to final", setup: func(s *State) { s.RawSegmST[0] = 0.5; s.FinalSegmST[0] = 0.45 }, expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState(1, SuBSENSEParams(), 2)
			tc.setup(s)
			assert.Equal(t, tc.expected, s.RefreshUnstable(0))
			assert.Equal(t, tc.expected, s.Unstable[0])
		})
	}
}

func TestUpdateSuBSENSEForegroundRaisesT(t *testing.T) {
	s := NewState(1, SuBSENSEParams(), 2)
	s.MinDistLT[0], s.MinDistST[0] = 0.2, 0.4

	s.UpdateSuBSENSE(0, Input{LastFG: true, LowerCap: 2, UpperCap: 256})

	// T += 0.5 / (0.4 * 10)
	assert.InDelta(t, 2.125, s.T[0], 1e-6)
	// last foreground decays v by a quarter step
	assert.InDelta(t, 9.975, s.V[0], 1e-6)
	// R < (1 + 0.4)^2 so R grows by 0.01 * (v - 0.1)
	assert.InDelta(t, 1+0.01*(9.975-0.1), s.R[0], 1e-5)
}

func TestUpdateSuBSENSEBackgroundLowersT(t *testing.T) {
	s := NewState(1, SuBSENSEParams(), 2)
	s.T[0] = 100
	s.MinDistLT[0], s.MinDistST[0] = 0.5, 0.5
	s.R[0] = 5

	s.UpdateSuBSENSE(0, Input{LowerCap: 2, UpperCap: 256})

	assert.InDelta(t, 100-0.25*10/0.5, s.T[0], 1e-4)
	assert.InDelta(t, 9.9, s.V[0], 1e-6)
	assert.InDelta(t, 5-0.01/9.9, s.R[0], 1e-6)
}

func TestUpdateSuBSENSEClampsToCaps(t *testing.T) {
	s := NewState(1, SuBSENSEParams(), 2)
	s.T[0] = 3
	s.MinDistLT[0], s.MinDistST[0] = 0.001, 0.001

	s.UpdateSuBSENSE(0, Input{LowerCap: 2, UpperCap: 256})
	assert.Equal(t, float32(2), s.T[0])

	s.T[0] = 255
	s.UpdateSuBSENSE(0, Input{LastFG: true, LowerCap: 2, UpperCap: 256})
	assert.Equal(t, float32(256), s.T[0])

	// a foreground pixel already at the cap holds its rate
	s.T[0] = 256
	s.MinDistLT[0], s.MinDistST[0] = 0.4, 0.4
	s.UpdateSuBSENSE(0, Input{LastFG: true, LowerCap: 2, UpperCap: 256})
	assert.Equal(t, float32(256), s.T[0])

	s.UpdateSuBSENSE(0, Input{CurrFG: true, LowerCap: 2, UpperCap: 256})
	assert.Less(t, s.T[0], float32(256), "stable background lowers the rate again")
}

func TestUpdateBlinkRaisesV(t *testing.T) {
	s := NewState(2, PAWCSParams(), 1)
	for i := 0; i < 2; i++ {
		s.MinDistLT[i], s.MinDistST[i] = 0.3, 0.3
	}

	s.UpdateSuBSENSE(0, Input{Blink: true, LowerCap: 2, UpperCap: 256})
	s.UpdatePAWCS(1, Input{Blink: true, Bootstrapping: true})

	assert.InDelta(t, 11, s.V[0], 1e-6)
	assert.InDelta(t, 12, s.V[1], 1e-6)
}

func TestUpdatePAWCSDecayFactors(t *testing.T) {
	testCases := []struct {
		name     string
		in       Input
		expected float32
	}{
		{name: "default step", in: Input{}, expected: 9.9},
		{name: "flat doubles the step", in: Input{Flat: true}, expected: 9.8},
		{name: "bootstrapping doubles the step", in: Input{Bootstrapping: true}, expected: 9.8},
		{name: "last foreground halves the step", in: Input{LastFG: true}, expected: 9.95},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState(1, PAWCSParams(), 1)
			s.MinDistLT[0], s.MinDistST[0] = 0.2, 0.2
			s.UpdatePAWCS(0, tc.in)
			assert.InDelta(t, tc.expected, s.V[0], 1e-5)
		})
	}
}

func TestUpdatePAWCSBounds(t *testing.T) {
	s := NewState(1, PAWCSParams(), 1)
	s.V[0] = 0.1

	// zero distances push T to the bounds instead of producing infinities
	s.UpdatePAWCS(0, Input{LastFG: true})
	assert.Equal(t, float32(256), s.T[0])

	s.UpdatePAWCS(0, Input{})
	assert.Equal(t, float32(1), s.T[0])
	assert.Equal(t, float32(0.1), s.V[0])
}

func TestRNeverBelowOne(t *testing.T) {
	s := NewState(1, SuBSENSEParams(), 2)
	s.MinDistLT[0], s.MinDistST[0] = 0, 0
	s.V[0] = 0.1

	for i := 0; i < 100; i++ {
		s.UpdateSuBSENSE(0, Input{LowerCap: 2, UpperCap: 256})
		require.GreaterOrEqual(t, s.R[0], float32(1))
	}
}

func TestRecordFinal(t *testing.T) {
	s := NewState(2, SuBSENSEParams(), 2)
	s.RecordFinal([]byte{255, 0}, nil, 0.5, 1)

	assert.InDelta(t, 0.5, s.FinalSegmLT[0], 1e-7)
	assert.InDelta(t, 1, s.FinalSegmST[0], 1e-7)
	assert.Zero(t, s.FinalSegmLT[1])
}

func TestRecordFinalMapsPixels(t *testing.T) {
	s := NewState(2, SuBSENSEParams(), 2)
	// state 0 is pixel 3, state 1 is pixel 1 of a 4-pixel mask
	s.RecordFinal([]byte{0, 0, 255, 255}, []int{3, 1}, 1, 1)

	assert.InDelta(t, 1, s.FinalSegmLT[0], 1e-7)
	assert.Zero(t, s.FinalSegmLT[1])
}

func TestRelocate(t *testing.T) {
	s := NewState(3, PAWCSParams(), 1)
	for i := 0; i < 3; i++ {
		s.R[i] = float32(i + 2)
		s.RawSegmLT[i] = float32(i) / 10
	}

	s.Relocate(func(i int) (int, bool) { return i - 1, i > 0 }, 1)

	assert.Equal(t, PAWCSParams().InitialR, s.R[0])
	assert.Zero(t, s.RawSegmLT[0])
	assert.Equal(t, float32(2), s.R[1])
	assert.Equal(t, float32(3), s.R[2])
	assert.InDelta(t, 0.1, s.RawSegmLT[2], 1e-7)
	assert.Equal(t, PAWCSParams(), s.Params())
}
