package attitude

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/star-tracker/model"
)

// fitRotation solves the Wahba problem for the given matches: the
// rotation A minimising Σ‖rᵢ − A·bᵢ‖² over body vectors bᵢ and
// catalog vectors rᵢ, weighted by triangle confidence. The method is
// the SVD of the cross-covariance matrix B = Σ wᵢ·rᵢ·bᵢᵀ with the
// determinant-corrected composition A = U·diag(1,1,det(U)det(V))·Vᵀ,
// which stays a proper rotation even for near-degenerate geometry.
// SVD is deterministic, so identical inputs give identical fits.
func fitRotation(matches []model.Match) (Mat3, error) {
	if len(matches) < 2 {
		return Mat3{}, fmt.Errorf("need at least 2 vector pairs, got %d", len(matches))
	}

	var b mat.Dense
	profile := mat.NewDense(3, 3, nil)
	for _, m := range matches {
		w := 1.0 + float64(m.Triangles)
		r := mat.NewDense(3, 1, []float64{m.Star.Unit.X, m.Star.Unit.Y, m.Star.Unit.Z})
		bodyT := mat.NewDense(1, 3, []float64{m.Centroid.Unit.X, m.Centroid.Unit.Y, m.Centroid.Unit.Z})
		b.Mul(r, bodyT)
		b.Scale(w, &b)
		profile.Add(profile, &b)
	}

	var svd mat.SVD
	if ok := svd.Factorize(profile, mat.SVDFull); !ok {
		return Mat3{}, fmt.Errorf("svd of attitude profile matrix failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// Correct an improper (reflection) solution.
	d := mat.Det(&u) * mat.Det(&v)
	correction := mat.NewDiagDense(3, []float64{1, 1, d})

	var corrected, rot mat.Dense
	corrected.Mul(&u, correction)
	rot.Mul(&corrected, v.T())

	var out Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = rot.At(i, j)
		}
	}
	return out, nil
}
