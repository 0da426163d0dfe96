// Package attitude fits the rotation between matched body-frame and
// catalog-frame star vectors (the Wahba problem) and reports it as
// right ascension, declination, and roll of the camera boresight.
package attitude

import (
	"math"

	"github.com/signalsfoundry/star-tracker/model"
)

// Mat3 is a 3×3 rotation matrix. Columns are the images of the body
// axes in the inertial frame, so Apply maps body vectors to inertial.
type Mat3 [3][3]float64

// Apply returns m·v.
func (m Mat3) Apply(v model.Vec3) model.Vec3 {
	return model.Vec3{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// Transpose returns mᵀ, which for a rotation is its inverse.
func (m Mat3) Transpose() Mat3 {
	var t Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[i][j] = m[j][i]
		}
	}
	return t
}

// RotationFromRADecRoll builds the body→inertial rotation for a
// boresight pointed at (ra, dec) with the given roll. Roll is the
// angle from celestial north to the image +X axis, positive towards
// east. Used by the synthetic camera and round-trip tests.
func RotationFromRADecRoll(ra, dec, roll float64) Mat3 {
	boresight := model.VecFromRADec(ra, dec)
	north, east := localFrame(boresight)

	bx := north.Scale(math.Cos(roll)).Add(east.Scale(math.Sin(roll)))
	bz := boresight
	by := bz.Cross(bx)

	return Mat3{
		{bx.X, by.X, bz.X},
		{bx.Y, by.Y, bz.Y},
		{bx.Z, by.Z, bz.Z},
	}
}

// RADecRoll extracts boresight right ascension, declination, and roll
// from a body→inertial rotation.
func RADecRoll(m Mat3) (ra, dec, roll float64) {
	boresight := model.Vec3{X: m[0][2], Y: m[1][2], Z: m[2][2]}
	ra = math.Atan2(boresight.Y, boresight.X)
	if ra < 0 {
		ra += 2 * math.Pi
	}
	dec = math.Asin(clamp(boresight.Z))

	north, east := localFrame(boresight)
	bx := model.Vec3{X: m[0][0], Y: m[1][0], Z: m[2][0]}
	roll = math.Atan2(bx.Dot(east), bx.Dot(north))
	return ra, dec, roll
}

// localFrame returns the north and east unit vectors tangent to the
// celestial sphere at p. At the poles north is degenerate; a fixed
// fallback keeps the output deterministic.
func localFrame(p model.Vec3) (north, east model.Vec3) {
	pole := model.Vec3{Z: 1}
	north = pole.Sub(p.Scale(pole.Dot(p)))
	if north.Norm() < 1e-12 {
		north = model.Vec3{X: -1}
	}
	north = north.Normalized()
	east = north.Cross(p).Normalized()
	return north, east
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
