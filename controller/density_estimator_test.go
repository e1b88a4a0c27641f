package controller

import (
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blob(area, fill float64, x0, y0, x1, y1 int) Blob {
	return Blob{Area: area, Fill: fill, BBox: image.Rect(x0, y0, x1, y1)}
}

func TestBlobDensityMetrics(t *testing.T) {
	estimator := NewBlobDensityEstimator(DensityEstimationConfig{
		MinBlobArea:           50,
		LargeBlobThreshold:    1000,
		ClusteringRadius:      20,
		OverlapThreshold:      0.3,
		FrameArea:             1000,
		EnableAdvancedMetrics: true,
	})

	blobs := []Blob{
		blob(100, 0.5, 0, 0, 10, 10),
		blob(100, 1.0, 2, 0, 12, 10),
		blob(2000, 0.75, 100, 100, 150, 150),
		blob(10, 0.25, 300, 300, 302, 302),
	}

	metrics, err := estimator.GetDensityMetrics(blobs)
	require.NoError(t, err)

	assert.Equal(t, 4, metrics.TotalBlobs)
	assert.Equal(t, 1, metrics.SmallBlobs)
	assert.Equal(t, 1, metrics.LargeBlobs)
	assert.InDelta(t, 552.5, metrics.AverageBlobArea, 1e-9)
	// only the first two blobs are close, and their boxes overlap with IoU 80/120
	assert.InDelta(t, 1.0/6.0, metrics.ClusteringCoefficient, 1e-9)
	assert.InDelta(t, 0.5, metrics.OverlapRatio, 1e-9)
	assert.InDelta(t, 4.0, metrics.SpatialDensity, 1e-9)
	assert.Equal(t, image.Rect(0, 0, 302, 302), metrics.BoundingRegion)

	want := FillStats{Mean: 0.625, Median: 0.5, Min: 0.25, Max: 1.0, StdDev: 0.2795084971874737}
	if diff := cmp.Diff(want, metrics.FillDistribution, cmp.Comparer(func(a, b float64) bool {
		return a-b < 1e-9 && b-a < 1e-9
	})); diff != "" {
		t.Errorf("fill distribution mismatch (-want +got):\n%s", diff)
	}
}

func TestBlobDensityEstimate(t *testing.T) {
	testCases := []struct {
		name     string
		blobs    []Blob
		expected int
	}{
		{name: "no blobs", expected: 0},
		{name: "single small blob", blobs: []Blob{blob(10, 1, 0, 0, 3, 3)}, expected: 0},
		{
			name: "scattered blobs",
			blobs: []Blob{
				blob(400, 1, 0, 0, 20, 20),
				blob(400, 1, 200, 0, 220, 20),
				blob(400, 1, 0, 200, 20, 220),
			},
			expected: 3,
		},
		{
			name: "clustered overlapping blobs",
			blobs: []Blob{
				blob(400, 1, 0, 0, 20, 20),
				blob(400, 1, 2, 0, 22, 20),
			},
			expected: 7,
		},
	}

	config := DefaultDensityEstimationConfig()
	estimator := NewBlobDensityEstimator(config)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			density, err := estimator.EstimateDensity(tc.blobs)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, density)
		})
	}
}

func TestBlobDensityInvalidFrameArea(t *testing.T) {
	config := DefaultDensityEstimationConfig()
	config.FrameArea = 0
	estimator := NewBlobDensityEstimator(config)

	_, err := estimator.EstimateDensity([]Blob{blob(100, 1, 0, 0, 10, 10)})
	assert.Error(t, err)

	config.FrameArea = 100
	estimator.UpdateConfig(config)
	assert.Equal(t, config, estimator.GetConfig())
	_, err = estimator.EstimateDensity([]Blob{blob(100, 1, 0, 0, 10, 10)})
	assert.NoError(t, err)
}

func TestCountingDensityEstimator(t *testing.T) {
	estimator := &CountingDensityEstimator{MinBlobArea: 50}
	blobs := []Blob{blob(10, 1, 0, 0, 3, 3), blob(60, 1, 0, 0, 8, 8), blob(140, 1, 0, 0, 12, 12)}

	density, err := estimator.EstimateDensity(blobs)
	require.NoError(t, err)
	assert.Equal(t, 2, density)

	metrics, err := estimator.GetDensityMetrics(blobs)
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.TotalBlobs)
	assert.Equal(t, 1, metrics.SmallBlobs)
	assert.InDelta(t, 100, metrics.AverageBlobArea, 1e-9)
}

func TestNewDensityEstimator(t *testing.T) {
	config := DefaultDensityEstimationConfig()
	config.MinBlobArea = 50
	blobs := []Blob{blob(10, 1, 0, 0, 3, 3), blob(60, 1, 0, 0, 8, 8)}

	tests := []struct {
		name    string
		kind    string
		want    DensityEstimator
		wantErr bool
	}{
		{name: "blob", kind: DensityEstimatorBlob, want: &BlobDensityEstimator{}},
		{name: "counting", kind: DensityEstimatorCounting, want: &CountingDensityEstimator{}},
		{name: "unknown", kind: "yolo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			estimator, err := NewDensityEstimator(tt.kind, config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, estimator)

			density, err := estimator.EstimateDensity(blobs)
			require.NoError(t, err)
			assert.Positive(t, density)
		})
	}
}

func TestCalculateIoU(t *testing.T) {
	assert.InDelta(t, 1.0, calculateIoU(image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10)), 1e-9)
	assert.Zero(t, calculateIoU(image.Rect(0, 0, 10, 10), image.Rect(20, 20, 30, 30)))
	assert.InDelta(t, 25.0/175.0, calculateIoU(image.Rect(0, 0, 10, 10), image.Rect(5, 5, 15, 15)), 1e-9)
}
