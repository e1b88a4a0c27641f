// Package controller - Blob density estimation over foreground segmentation masks
package controller

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// DensityEstimator is an interface for estimating how busy a foreground mask is
//
// Implementations analyze the spatial distribution and sizes of the foreground blobs.
type DensityEstimator interface {
	EstimateDensity(blobs []Blob) (int, error)
	GetDensityMetrics(blobs []Blob) (*DensityMetrics, error)
}

// DensityMetrics provides detailed analysis of blob density and distribution
type DensityMetrics struct {
	// TotalBlobs is the total number of blobs
	TotalBlobs int `json:"total_blobs"`

	// SmallBlobs is the count of blobs below the minimum area
	SmallBlobs int `json:"small_blobs"`

	// LargeBlobs is the count of blobs above the large blob threshold
	LargeBlobs int `json:"large_blobs"`

	// AverageBlobArea is the mean contour area of all blobs
	AverageBlobArea float64 `json:"average_blob_area"`

	// BlobAreaVariance measures the spread in blob areas
	BlobAreaVariance float64 `json:"blob_area_variance"`

	// SpatialDensity measures blobs per unit area (blobs per 1000 pixels)
	SpatialDensity float64 `json:"spatial_density"`

	// ClusteringCoefficient measures how clustered blobs are (0-1 scale)
	ClusteringCoefficient float64 `json:"clustering_coefficient"`

	// OverlapRatio is the fraction of blobs whose boxes overlap with others
	OverlapRatio float64 `json:"overlap_ratio"`

	// CenterOfMass is the area-weighted center of all blobs
	CenterOfMass image.Point `json:"center_of_mass"`

	// BoundingRegion contains all blobs
	BoundingRegion image.Rectangle `json:"bounding_region"`

	// FillDistribution provides statistics on how solid the blobs are
	FillDistribution FillStats `json:"fill_distribution"`
}

// FillStats summarizes blob fill ratios
type FillStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	StdDev float64 `json:"std_dev"`
}

// DensityEstimationConfig contains parameters for density estimation
type DensityEstimationConfig struct {
	// MinBlobArea defines the minimum area for a blob to count
	MinBlobArea float64 `json:"min_blob_area"`

	// LargeBlobThreshold defines the area above which blobs are considered large
	LargeBlobThreshold float64 `json:"large_blob_threshold"`

	// ClusteringRadius defines the distance threshold for clustering analysis
	ClusteringRadius float64 `json:"clustering_radius"`

	// OverlapThreshold defines the IoU threshold for overlap detection
	OverlapThreshold float64 `json:"overlap_threshold"`

	// FrameArea represents the total frame area for spatial density calculations
	FrameArea int `json:"frame_area"`

	// EnableAdvancedMetrics toggles computation of the pairwise metrics
	EnableAdvancedMetrics bool `json:"enable_advanced_metrics"`
}

// DefaultDensityEstimationConfig returns a default configuration for density estimation
func DefaultDensityEstimationConfig() DensityEstimationConfig {
	return DensityEstimationConfig{
		MinBlobArea:           50,
		LargeBlobThreshold:    5000,
		ClusteringRadius:      100.0,
		OverlapThreshold:      0.3,
		FrameArea:             320 * 240,
		EnableAdvancedMetrics: true,
	}
}

// Density estimator kinds accepted by NewDensityEstimator.
const (
	DensityEstimatorBlob     = "blob"
	DensityEstimatorCounting = "counting"
)

// NewDensityEstimator builds the estimator of the given kind.
//
// Arguments:
//   - kind: DensityEstimatorBlob for the full blob metrics, DensityEstimatorCounting for a
//     plain count of blobs over config.MinBlobArea.
//   - config: Configuration parameters for density estimation.
//
// Returns:
//   - DensityEstimator: The estimator.
//   - error: When kind is unknown.
func NewDensityEstimator(kind string, config DensityEstimationConfig) (DensityEstimator, error) {
	switch kind {
	case DensityEstimatorBlob:
		return NewBlobDensityEstimator(config), nil
	case DensityEstimatorCounting:
		return &CountingDensityEstimator{MinBlobArea: config.MinBlobArea}, nil
	default:
		return nil, fmt.Errorf("unknown density estimator %q", kind)
	}
}

// BlobDensityEstimator scores scene complexity from the blobs of a foreground mask
type BlobDensityEstimator struct {
	config DensityEstimationConfig
	mu     sync.RWMutex
}

// NewBlobDensityEstimator creates a new blob density estimator
//
// Arguments:
//   - config: Configuration parameters for density estimation
//
// Returns:
//   - *BlobDensityEstimator: The initialized density estimator
//
// @example
// estimator := NewBlobDensityEstimator(DefaultDensityEstimationConfig())
// density, err := estimator.EstimateDensity(detector.Blobs())
func NewBlobDensityEstimator(config DensityEstimationConfig) *BlobDensityEstimator {
	return &BlobDensityEstimator{
		config: config,
	}
}

// EstimateDensity estimates the blob density using multiple factors
//
// The score starts from the number of blobs over the minimum area and adds weighted
// clustering, overlap and spatial density contributions.
//
// Arguments:
//   - blobs: The blobs to analyze
//
// Returns:
//   - int: Density score
//   - error: An error if density estimation fails
func (bde *BlobDensityEstimator) EstimateDensity(blobs []Blob) (int, error) {
	bde.mu.RLock()
	defer bde.mu.RUnlock()

	if len(blobs) == 0 {
		return 0, nil
	}

	metrics, err := bde.calculateDensityMetrics(blobs)
	if err != nil {
		return 0, fmt.Errorf("failed to calculate density metrics: %w", err)
	}

	densityScore := float64(metrics.TotalBlobs - metrics.SmallBlobs)
	densityScore += metrics.ClusteringCoefficient * 2.0
	densityScore += metrics.OverlapRatio * 3.0
	densityScore += metrics.SpatialDensity * 0.1

	return int(math.Round(densityScore)), nil
}

// GetDensityMetrics provides the full density analysis
//
// Arguments:
//   - blobs: The blobs to analyze
//
// Returns:
//   - *DensityMetrics: Density analysis results
//   - error: An error if analysis fails
func (bde *BlobDensityEstimator) GetDensityMetrics(blobs []Blob) (*DensityMetrics, error) {
	bde.mu.RLock()
	defer bde.mu.RUnlock()

	return bde.calculateDensityMetrics(blobs)
}

func (bde *BlobDensityEstimator) calculateDensityMetrics(blobs []Blob) (*DensityMetrics, error) {
	metrics := &DensityMetrics{
		TotalBlobs: len(blobs),
	}

	if len(blobs) == 0 {
		return metrics, nil
	}
	if bde.config.FrameArea <= 0 {
		return nil, fmt.Errorf("frame area must be positive, got %d", bde.config.FrameArea)
	}

	bde.calculateAreaMetrics(blobs, metrics)
	bde.calculateFillMetrics(blobs, metrics)
	bde.calculateSpatialMetrics(blobs, metrics)

	if bde.config.EnableAdvancedMetrics {
		bde.calculateClusteringMetrics(blobs, metrics)
		bde.calculateOverlapMetrics(blobs, metrics)
	}

	return metrics, nil
}

func (bde *BlobDensityEstimator) calculateAreaMetrics(blobs []Blob, metrics *DensityMetrics) {
	areas := make([]float64, len(blobs))
	for i, blob := range blobs {
		areas[i] = blob.Area
		if blob.Area < bde.config.MinBlobArea {
			metrics.SmallBlobs++
		}
		if blob.Area > bde.config.LargeBlobThreshold {
			metrics.LargeBlobs++
		}
	}

	metrics.AverageBlobArea, metrics.BlobAreaVariance = stat.PopMeanVariance(areas, nil)
}

func (bde *BlobDensityEstimator) calculateFillMetrics(blobs []Blob, metrics *DensityMetrics) {
	fills := make([]float64, len(blobs))
	for i, blob := range blobs {
		fills[i] = blob.Fill
	}
	sort.Float64s(fills)

	stats := &metrics.FillDistribution
	stats.Min = fills[0]
	stats.Max = fills[len(fills)-1]
	stats.Median = stat.Quantile(0.5, stat.Empirical, fills, nil)
	var variance float64
	stats.Mean, variance = stat.PopMeanVariance(fills, nil)
	stats.StdDev = math.Sqrt(variance)
}

func (bde *BlobDensityEstimator) calculateSpatialMetrics(blobs []Blob, metrics *DensityMetrics) {
	var sumX, sumY, totalArea float64
	region := blobs[0].BBox

	for _, blob := range blobs {
		center := blobCenter(blob)
		weight := math.Max(blob.Area, 1)
		sumX += float64(center.X) * weight
		sumY += float64(center.Y) * weight
		totalArea += weight
		region = region.Union(blob.BBox)
	}

	metrics.CenterOfMass = image.Point{
		X: int(math.Round(sumX / totalArea)),
		Y: int(math.Round(sumY / totalArea)),
	}
	metrics.BoundingRegion = region
	metrics.SpatialDensity = float64(len(blobs)) / float64(bde.config.FrameArea) * 1000.0
}

func (bde *BlobDensityEstimator) calculateClusteringMetrics(blobs []Blob, metrics *DensityMetrics) {
	if len(blobs) < 2 {
		return
	}

	totalPairs := 0
	clusteredPairs := 0
	for i := 0; i < len(blobs); i++ {
		ci := blobCenter(blobs[i])
		for j := i + 1; j < len(blobs); j++ {
			cj := blobCenter(blobs[j])
			distance := math.Hypot(float64(ci.X-cj.X), float64(ci.Y-cj.Y))
			totalPairs++
			if distance <= bde.config.ClusteringRadius {
				clusteredPairs++
			}
		}
	}

	metrics.ClusteringCoefficient = float64(clusteredPairs) / float64(totalPairs)
}

func (bde *BlobDensityEstimator) calculateOverlapMetrics(blobs []Blob, metrics *DensityMetrics) {
	if len(blobs) < 2 {
		return
	}

	overlapping := 0
	for i := 0; i < len(blobs); i++ {
		for j := 0; j < len(blobs); j++ {
			if i != j && calculateIoU(blobs[i].BBox, blobs[j].BBox) >= bde.config.OverlapThreshold {
				overlapping++
				break
			}
		}
	}

	metrics.OverlapRatio = float64(overlapping) / float64(len(blobs))
}

func blobCenter(b Blob) image.Point {
	return image.Point{
		X: (b.BBox.Min.X + b.BBox.Max.X) / 2,
		Y: (b.BBox.Min.Y + b.BBox.Max.Y) / 2,
	}
}

// calculateIoU calculates Intersection over Union between two rectangles
func calculateIoU(rect1, rect2 image.Rectangle) float64 {
	intersection := rect1.Intersect(rect2)
	if intersection.Empty() {
		return 0.0
	}

	intersectionArea := intersection.Dx() * intersection.Dy()
	union := rect1.Dx()*rect1.Dy() + rect2.Dx()*rect2.Dy() - intersectionArea
	if union == 0 {
		return 0.0
	}

	return float64(intersectionArea) / float64(union)
}

// GetConfig returns the current density estimation configuration
func (bde *BlobDensityEstimator) GetConfig() DensityEstimationConfig {
	bde.mu.RLock()
	defer bde.mu.RUnlock()
	return bde.config
}

// UpdateConfig updates the density estimation configuration
//
// Arguments:
//   - config: New configuration parameters
func (bde *BlobDensityEstimator) UpdateConfig(config DensityEstimationConfig) {
	bde.mu.Lock()
	defer bde.mu.Unlock()
	bde.config = config
}

// CountingDensityEstimator counts the blobs that reach a minimum area
type CountingDensityEstimator struct {
	MinBlobArea float64
}

// EstimateDensity returns the number of blobs of at least MinBlobArea
func (cde *CountingDensityEstimator) EstimateDensity(blobs []Blob) (int, error) {
	count := 0
	for _, b := range blobs {
		if b.Area >= cde.MinBlobArea {
			count++
		}
	}
	return count, nil
}

// GetDensityMetrics returns the blob count and the mean area of the counted blobs
func (cde *CountingDensityEstimator) GetDensityMetrics(blobs []Blob) (*DensityMetrics, error) {
	metrics := &DensityMetrics{
		TotalBlobs: len(blobs),
	}

	valid := 0
	var totalArea float64
	for _, b := range blobs {
		if b.Area >= cde.MinBlobArea {
			valid++
			totalArea += b.Area
		} else {
			metrics.SmallBlobs++
		}
	}
	if valid > 0 {
		metrics.AverageBlobArea = totalArea / float64(valid)
	}

	return metrics, nil
}
