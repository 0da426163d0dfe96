package attitude

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/star-tracker/model"
)

// ErrSolveFailed reports that the fit did not converge to an
// acceptable attitude. Like identification failure it is a per-cycle
// condition, published as an invalid solution rather than escalated.
var ErrSolveFailed = errors.New("attitude solve failed")

// Params tunes the estimator. Residual and RMS thresholds are sensor
// calibration values validated against the target optics, supplied by
// configuration.
type Params struct {
	// ResidualThreshold ejects a match whose post-fit angular
	// residual (radians) exceeds it.
	ResidualThreshold float64

	// MaxRMS is the acceptance bound on the converged inlier RMS
	// residual (radians).
	MaxRMS float64

	// MaxIterations bounds the reject-and-refit loop.
	MaxIterations int

	// MinInliers is the floor below which the solve fails. Never
	// below 3.
	MinInliers int
}

// Estimator computes attitude solutions from match sets. Stateless
// between calls and deterministic for identical inputs.
type Estimator struct {
	Params Params
}

// Solve fits the best rotation for the match set, rejecting outliers
// by residual until the inlier set stabilises. The returned solution
// carries the reporting-frame angles, the inlier count, and the final
// RMS residual.
func (e *Estimator) Solve(matches []model.Match, now time.Time) (model.AttitudeSolution, error) {
	minInliers := e.Params.MinInliers
	if minInliers < 3 {
		minInliers = 3
	}
	maxIter := e.Params.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}

	if len(matches) < minInliers {
		return model.AttitudeSolution{}, fmt.Errorf("%w: %d matches, need %d", ErrSolveFailed, len(matches), minInliers)
	}

	inliers := matches
	var rot Mat3
	var rms float64
	for iter := 0; iter < maxIter; iter++ {
		fitted, err := fitRotation(inliers)
		if err != nil {
			return model.AttitudeSolution{}, fmt.Errorf("%w: %v", ErrSolveFailed, err)
		}
		rot = fitted
		rms = rmsResidual(rot, inliers)

		// One gross mismatch drags the whole fit, inflating every
		// residual, so ejecting everything above threshold at once
		// can empty the set. Dropping only the worst match per
		// iteration converges to the same inlier set and is
		// deterministic.
		worstIdx, worst := worstResidual(rot, inliers)
		if e.Params.ResidualThreshold <= 0 || worst <= e.Params.ResidualThreshold {
			break // residuals stable, converged
		}
		if len(inliers)-1 < minInliers {
			return model.AttitudeSolution{}, fmt.Errorf(
				"%w: outlier rejection left %d inliers (worst residual %.5f rad), need %d",
				ErrSolveFailed, len(inliers)-1, worst, minInliers)
		}
		next := make([]model.Match, 0, len(inliers)-1)
		next = append(next, inliers[:worstIdx]...)
		next = append(next, inliers[worstIdx+1:]...)
		inliers = next
	}

	if e.Params.MaxRMS > 0 && rms > e.Params.MaxRMS {
		return model.AttitudeSolution{}, fmt.Errorf(
			"%w: rms residual %.5f rad exceeds acceptance bound %.5f", ErrSolveFailed, rms, e.Params.MaxRMS)
	}

	ra, dec, roll := RADecRoll(rot)
	return model.AttitudeSolution{
		RA:          ra,
		Dec:         dec,
		Roll:        roll,
		RMSResidual: rms,
		Inliers:     len(inliers),
		Timestamp:   now,
		Valid:       true,
	}, nil
}

// worstResidual returns the index and value of the largest post-fit
// angular residual in the match set.
func worstResidual(rot Mat3, matches []model.Match) (int, float64) {
	worstIdx, worst := -1, -1.0
	for i, m := range matches {
		residual := rot.Apply(m.Centroid.Unit).AngleTo(m.Star.Unit)
		if residual > worst {
			worstIdx, worst = i, residual
		}
	}
	return worstIdx, worst
}

func rmsResidual(rot Mat3, matches []model.Match) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, m := range matches {
		r := rot.Apply(m.Centroid.Unit).AngleTo(m.Star.Unit)
		sum += r * r
	}
	return math.Sqrt(sum / float64(len(matches)))
}
