package centroid

import "github.com/signalsfoundry/star-tracker/model"

// CameraModel is a pinhole optical model mapping pixel coordinates to
// body-frame directions. The boresight is +Z, image x maps to body X
// and image y to body Y. Calibration of these values is external
// configuration, not tracker logic.
type CameraModel struct {
	FocalLength float64 // focal length in pixels
	CenterX     float64 // principal point, pixels
	CenterY     float64
}

// UnitVector returns the body-frame line-of-sight unit vector for the
// pixel coordinate (x, y).
func (m CameraModel) UnitVector(x, y float64) model.Vec3 {
	return model.Vec3{
		X: x - m.CenterX,
		Y: y - m.CenterY,
		Z: m.FocalLength,
	}.Normalized()
}

// Project maps a body-frame direction back to pixel coordinates. The
// boolean is false for directions behind the image plane. Used by the
// synthetic camera and the extractor tests.
func (m CameraModel) Project(v model.Vec3) (x, y float64, ok bool) {
	if v.Z <= 0 {
		return 0, 0, false
	}
	x = m.CenterX + m.FocalLength*v.X/v.Z
	y = m.CenterY + m.FocalLength*v.Y/v.Z
	return x, y, true
}
