// Package centroid converts raw frames into candidate star directions.
// It finds bright connected regions above the noise floor, computes a
// flux-weighted sub-pixel centroid per region, and maps the result to
// body-frame unit vectors through the camera model.
package centroid

import (
	"image"
	"math"
	"sort"

	"github.com/signalsfoundry/star-tracker/model"
)

// Params tunes extraction. The sigma multiplier and the minimum region
// size are sensor-noise calibration values supplied by configuration.
type Params struct {
	// ThresholdSigma sets the detection threshold at
	// mean + ThresholdSigma·stddev of the frame.
	ThresholdSigma float64

	// MinPixels discards regions smaller than this. Single-pixel
	// regions are hot pixels or cosmic-ray hits, not stars.
	MinPixels int

	// MaxStars caps the output to the N brightest candidates, which
	// bounds the matcher's pair search.
	MaxStars int
}

// Extractor turns grayscale frames into centroid lists.
type Extractor struct {
	Camera CameraModel
	Params Params

	// Background, when non-nil, is subtracted from every frame
	// before thresholding. It is a calibration frame (the median of
	// dark captures) removing fixed-pattern sensor signal.
	Background *image.Gray
}

// Extract returns the brightest candidate star centroids in img,
// ordered brightest first. Returning few or no centroids is not an
// error; the matcher decides whether the cycle can proceed.
func (e *Extractor) Extract(img *image.Gray) []model.Centroid {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	pixels := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(img.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			if e.Background != nil {
				v -= float64(e.Background.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
				if v < 0 {
					v = 0
				}
			}
			pixels[y*w+x] = v
		}
	}

	mean, stddev := frameStats(pixels)
	threshold := mean + e.Params.ThresholdSigma*stddev

	centroids := e.collectRegions(pixels, w, h, mean, threshold)

	// Brightest first; ties broken by image position so the result
	// is deterministic for identical frames.
	sort.Slice(centroids, func(i, j int) bool {
		if centroids[i].Flux != centroids[j].Flux {
			return centroids[i].Flux > centroids[j].Flux
		}
		if centroids[i].Y != centroids[j].Y {
			return centroids[i].Y < centroids[j].Y
		}
		return centroids[i].X < centroids[j].X
	})
	if e.Params.MaxStars > 0 && len(centroids) > e.Params.MaxStars {
		centroids = centroids[:e.Params.MaxStars]
	}
	return centroids
}

// collectRegions labels 8-connected regions above threshold and
// reduces each to one centroid.
func (e *Extractor) collectRegions(pixels []float64, w, h int, mean, threshold float64) []model.Centroid {
	minPixels := e.Params.MinPixels
	if minPixels < 2 {
		minPixels = 2
	}

	visited := make([]bool, len(pixels))
	var centroids []model.Centroid
	var stack []int

	for start := range pixels {
		if visited[start] || pixels[start] <= threshold {
			continue
		}

		// Flood-fill one region.
		var sumFlux, sumX, sumY float64
		count := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			px, py := idx%w, idx/w

			flux := pixels[idx] - mean
			sumFlux += flux
			sumX += float64(px) * flux
			sumY += float64(py) * flux
			count++

			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := px+dx, py+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					n := ny*w + nx
					if !visited[n] && pixels[n] > threshold {
						visited[n] = true
						stack = append(stack, n)
					}
				}
			}
		}

		if count < minPixels || sumFlux <= 0 {
			continue
		}
		cx := sumX / sumFlux
		cy := sumY / sumFlux
		centroids = append(centroids, model.Centroid{
			X:    cx,
			Y:    cy,
			Flux: sumFlux,
			Unit: e.Camera.UnitVector(cx, cy),
		})
	}
	return centroids
}

func frameStats(pixels []float64) (mean, stddev float64) {
	for _, v := range pixels {
		mean += v
	}
	mean /= float64(len(pixels))
	var variance float64
	for _, v := range pixels {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(pixels))
	return mean, math.Sqrt(variance)
}
