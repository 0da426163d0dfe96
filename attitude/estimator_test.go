package attitude

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/star-tracker/model"
)

const degree = math.Pi / 180

var testStars = []model.Vec3{
	model.VecFromRADec(10*degree, 5*degree),
	model.VecFromRADec(14*degree, -2*degree),
	model.VecFromRADec(7*degree, 11*degree),
	model.VecFromRADec(18*degree, 8*degree),
	model.VecFromRADec(12*degree, 3*degree),
}

// groundTruthMatches observes testStars through a camera at the given
// attitude with zero noise: body = Rᵀ·reference.
func groundTruthMatches(rot Mat3) []model.Match {
	inverse := rot.Transpose()
	matches := make([]model.Match, 0, len(testStars))
	for i, star := range testStars {
		matches = append(matches, model.Match{
			Centroid:  model.Centroid{Unit: inverse.Apply(star)},
			Star:      model.CatalogEntry{ID: i + 1, Unit: star},
			Triangles: 2,
		})
	}
	return matches
}

func testEstimator() *Estimator {
	return &Estimator{Params: Params{
		ResidualThreshold: 0.001,
		MaxRMS:            0.0005,
		MaxIterations:     10,
		MinInliers:        3,
	}}
}

func TestSolveRecoversGroundTruth(t *testing.T) {
	wantRA, wantDec, wantRoll := 12.5*degree, 4.0*degree, 30.0*degree
	rot := RotationFromRADecRoll(wantRA, wantDec, wantRoll)

	sol, err := testEstimator().Solve(groundTruthMatches(rot), time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !sol.Valid {
		t.Fatal("solution not marked valid")
	}
	const tol = 0.01 * degree
	if math.Abs(sol.RA-wantRA) > tol || math.Abs(sol.Dec-wantDec) > tol || math.Abs(sol.Roll-wantRoll) > tol {
		t.Fatalf("solution (%.5f, %.5f, %.5f), want (%.5f, %.5f, %.5f)",
			sol.RA, sol.Dec, sol.Roll, wantRA, wantDec, wantRoll)
	}
	if sol.Inliers != len(testStars) {
		t.Fatalf("inliers = %d, want %d", sol.Inliers, len(testStars))
	}
}

func TestSolveRejectsDeliberateMismatch(t *testing.T) {
	rot := RotationFromRADecRoll(12.5*degree, 4.0*degree, 30.0*degree)
	matches := groundTruthMatches(rot)

	clean, err := testEstimator().Solve(matches, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("clean Solve: %v", err)
	}

	// Pair the body vector of star 1 with a catalog star several
	// degrees away: a deliberately wrong identification.
	bad := matches[0]
	bad.Star = model.CatalogEntry{ID: 99, Unit: model.VecFromRADec(25*degree, -10*degree)}
	poisoned := append(append([]model.Match{}, matches...), bad)

	sol, err := testEstimator().Solve(poisoned, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("poisoned Solve: %v", err)
	}
	if sol.Inliers != len(poisoned)-1 {
		t.Fatalf("inliers = %d, want %d (exactly the mismatch rejected)", sol.Inliers, len(poisoned)-1)
	}
	const tol = 0.01 * degree
	if math.Abs(sol.RA-clean.RA) > tol || math.Abs(sol.Dec-clean.Dec) > tol || math.Abs(sol.Roll-clean.Roll) > tol {
		t.Fatalf("solution moved after outlier rejection: (%.5f, %.5f, %.5f) vs (%.5f, %.5f, %.5f)",
			sol.RA, sol.Dec, sol.Roll, clean.RA, clean.Dec, clean.Roll)
	}
	if sol.RMSResidual > testEstimator().Params.MaxRMS {
		t.Fatalf("rms = %.6f above acceptance bound after rejection", sol.RMSResidual)
	}
}

func TestSolveFailsWithTooFewMatches(t *testing.T) {
	rot := RotationFromRADecRoll(0, 0, 0)
	matches := groundTruthMatches(rot)[:2]
	_, err := testEstimator().Solve(matches, time.Unix(100, 0))
	if !errors.Is(err, ErrSolveFailed) {
		t.Fatalf("err = %v, want ErrSolveFailed", err)
	}
}

func TestSolveFailsWhenResidualsStayHigh(t *testing.T) {
	// Three matches with inconsistent geometry and rejection
	// disabled: the fit converges but the RMS cannot meet the
	// acceptance bound.
	matches := []model.Match{
		{Centroid: model.Centroid{Unit: model.VecFromRADec(0, 0)}, Star: model.CatalogEntry{ID: 1, Unit: model.VecFromRADec(0, 0)}},
		{Centroid: model.Centroid{Unit: model.VecFromRADec(10*degree, 0)}, Star: model.CatalogEntry{ID: 2, Unit: model.VecFromRADec(13*degree, 2*degree)}},
		{Centroid: model.Centroid{Unit: model.VecFromRADec(0, 10*degree)}, Star: model.CatalogEntry{ID: 3, Unit: model.VecFromRADec(-2*degree, 8*degree)}},
	}
	est := &Estimator{Params: Params{
		ResidualThreshold: 0, // keep everything
		MaxRMS:            0.0005,
		MaxIterations:     5,
		MinInliers:        3,
	}}
	_, err := est.Solve(matches, time.Unix(100, 0))
	if !errors.Is(err, ErrSolveFailed) {
		t.Fatalf("err = %v, want ErrSolveFailed", err)
	}
}

func TestSolveIsDeterministic(t *testing.T) {
	rot := RotationFromRADecRoll(44*degree, -12*degree, 120*degree)
	matches := groundTruthMatches(rot)

	first, err := testEstimator().Solve(matches, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	second, err := testEstimator().Solve(matches, time.Unix(100, 0))
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if first != second {
		t.Fatalf("identical inputs produced different solutions:\n%+v\n%+v", first, second)
	}
}

func TestRADecRollRoundTrip(t *testing.T) {
	cases := []struct{ ra, dec, roll float64 }{
		{0, 0, 0},
		{45 * degree, 30 * degree, 90 * degree},
		{200 * degree, -60 * degree, -45 * degree},
		{359 * degree, 5 * degree, 179 * degree},
	}
	for _, tc := range cases {
		rot := RotationFromRADecRoll(tc.ra, tc.dec, tc.roll)
		ra, dec, roll := RADecRoll(rot)
		if angleDiff(ra, tc.ra) > 1e-9 || math.Abs(dec-tc.dec) > 1e-9 || angleDiff(roll, tc.roll) > 1e-9 {
			t.Errorf("round trip (%.3f, %.3f, %.3f) gave (%.3f, %.3f, %.3f)",
				tc.ra, tc.dec, tc.roll, ra, dec, roll)
		}
	}
}

func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d < -math.Pi {
		d += 2 * math.Pi
	}
	return math.Abs(d)
}
