package tracker

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/signalsfoundry/star-tracker/attitude"
	"github.com/signalsfoundry/star-tracker/catalog"
	"github.com/signalsfoundry/star-tracker/centroid"
	"github.com/signalsfoundry/star-tracker/model"
)

// Config is the tracker's JSON configuration. Angular values are
// degrees on the wire and converted to radians by the accessors; every
// tolerance here is sensor calibration, tuned against the target
// optics rather than derived.
type Config struct {
	Catalog struct {
		Path             string  `json:"path"`
		MagnitudeLimit   float64 `json:"magnitude_limit"`
		MinSeparationDeg float64 `json:"min_separation_deg"`
		MaxPairAngleDeg  float64 `json:"max_pair_angle_deg"`
	} `json:"catalog"`

	Camera struct {
		FocalLengthPx float64 `json:"focal_length_px"`
		CenterX       float64 `json:"center_x"`
		CenterY       float64 `json:"center_y"`
	} `json:"camera"`

	Extraction struct {
		ThresholdSigma float64 `json:"threshold_sigma"`
		MinPixels      int     `json:"min_pixels"`
		MaxStars       int     `json:"max_stars"`

		// BackgroundPath is an optional calibration frame subtracted
		// from every capture before thresholding.
		BackgroundPath string `json:"background_path,omitempty"`
	} `json:"extraction"`

	Matching struct {
		PairToleranceDeg float64 `json:"pair_tolerance_deg"`
		MinMatches       int     `json:"min_matches"`
	} `json:"matching"`

	Attitude struct {
		ResidualThresholdDeg float64 `json:"residual_threshold_deg"`
		MaxRMSDeg            float64 `json:"max_rms_deg"`
		MaxIterations        int     `json:"max_iterations"`
		MinInliers           int     `json:"min_inliers"`
	} `json:"attitude"`

	Capture struct {
		IntervalMs  int  `json:"interval_ms"`
		Images      int  `json:"images"`
		SaveFrames  bool `json:"save_frames"`
		RetryBudget int  `json:"retry_budget"`
		TimeoutMs   int  `json:"timeout_ms"`
	} `json:"capture"`

	Filter struct {
		LowerBound      uint8   `json:"lower_bound"`
		UpperBound      uint8   `json:"upper_bound"`
		LowerPercentage float64 `json:"lower_percentage"`
		UpperPercentage float64 `json:"upper_percentage"`
	} `json:"filter"`

	Retention struct {
		Capacity int    `json:"capacity"`
		Dir      string `json:"dir"`
	} `json:"retention"`
}

// LoadConfig decodes and validates a tracker configuration.
func LoadConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode tracker config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Catalog.Path == "" {
		return fmt.Errorf("tracker config: catalog.path is required")
	}
	if c.Catalog.MaxPairAngleDeg <= 0 {
		return fmt.Errorf("tracker config: catalog.max_pair_angle_deg must be positive")
	}
	if c.Camera.FocalLengthPx <= 0 {
		return fmt.Errorf("tracker config: camera.focal_length_px must be positive")
	}
	if c.Matching.PairToleranceDeg <= 0 {
		return fmt.Errorf("tracker config: matching.pair_tolerance_deg must be positive")
	}
	if c.Capture.IntervalMs < 0 {
		return fmt.Errorf("tracker config: capture.interval_ms must not be negative")
	}
	if c.Retention.Capacity < 1 {
		return fmt.Errorf("tracker config: retention.capacity must be at least 1")
	}
	return nil
}

// CatalogOptions returns the load filters in catalog units.
func (c *Config) CatalogOptions() catalog.Options {
	return catalog.Options{
		MagnitudeLimit: c.Catalog.MagnitudeLimit,
		MinSeparation:  radians(c.Catalog.MinSeparationDeg),
		MaxPairAngle:   radians(c.Catalog.MaxPairAngleDeg),
	}
}

// CameraModel returns the optical model.
func (c *Config) CameraModel() centroid.CameraModel {
	return centroid.CameraModel{
		FocalLength: c.Camera.FocalLengthPx,
		CenterX:     c.Camera.CenterX,
		CenterY:     c.Camera.CenterY,
	}
}

// ExtractionParams returns the centroid extraction tuning.
func (c *Config) ExtractionParams() centroid.Params {
	return centroid.Params{
		ThresholdSigma: c.Extraction.ThresholdSigma,
		MinPixels:      c.Extraction.MinPixels,
		MaxStars:       c.Extraction.MaxStars,
	}
}

// PairTolerance returns the pair-vote tolerance in radians.
func (c *Config) PairTolerance() float64 {
	return radians(c.Matching.PairToleranceDeg)
}

// EstimatorParams returns the attitude fit tuning.
func (c *Config) EstimatorParams() attitude.Params {
	return attitude.Params{
		ResidualThreshold: radians(c.Attitude.ResidualThresholdDeg),
		MaxRMS:            radians(c.Attitude.MaxRMSDeg),
		MaxIterations:     c.Attitude.MaxIterations,
		MinInliers:        c.Attitude.MinInliers,
	}
}

// CaptureSettings returns the boot-time capture settings.
func (c *Config) CaptureSettings() model.CaptureSettings {
	return model.CaptureSettings{
		Interval:   time.Duration(c.Capture.IntervalMs) * time.Millisecond,
		Images:     c.Capture.Images,
		SaveFrames: c.Capture.SaveFrames,
	}
}

// FrameFilter returns the capture-only brightness filter bounds.
func (c *Config) FrameFilter() model.FrameFilter {
	return model.FrameFilter{
		LowerBound:      c.Filter.LowerBound,
		UpperBound:      c.Filter.UpperBound,
		LowerPercentage: c.Filter.LowerPercentage,
		UpperPercentage: c.Filter.UpperPercentage,
	}
}

// CaptureTimeout bounds a single capture call.
func (c *Config) CaptureTimeout() time.Duration {
	if c.Capture.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Capture.TimeoutMs) * time.Millisecond
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
