package model

import "time"

// CatalogEntry is one star from the reference catalog. Entries are
// immutable once the catalog has been loaded.
type CatalogEntry struct {
	ID        int     // catalog identifier (e.g. Hipparcos number)
	RA        float64 // right ascension, radians
	Dec       float64 // declination, radians
	Magnitude float64 // visual magnitude

	// Unit is the unit vector for (RA, Dec) in the inertial frame,
	// derived at load time.
	Unit Vec3
}

// Centroid is a candidate star detection in one image. Centroids live
// for a single solve cycle.
type Centroid struct {
	X, Y float64 // sub-pixel image coordinates
	Flux float64 // summed brightness of the connected region

	// Unit is the line-of-sight unit vector in the camera (body)
	// frame, derived from (X, Y) through the optical model.
	Unit Vec3
}

// Match pairs one observed centroid with one catalog star. Within a
// solve the mapping is a partial bijection: a centroid identifies at
// most one star and a star is claimed by at most one centroid.
type Match struct {
	Centroid Centroid
	Star     CatalogEntry

	// Triangles counts the mutually consistent triangles that
	// confirmed this identification; higher means more trustworthy.
	Triangles int
}

// AttitudeSolution is the published result of one solve cycle. Invalid
// solutions are published too, so telemetry cadence is preserved when a
// cycle fails to converge.
type AttitudeSolution struct {
	RA   float64 // right ascension of the boresight, radians
	Dec  float64 // declination of the boresight, radians
	Roll float64 // rotation about the boresight, radians

	RMSResidual float64 // root-mean-square angular residual of inliers, radians
	Inliers     int     // matches surviving outlier rejection

	Timestamp time.Time
	Valid     bool

	// Reason is set on invalid solutions to say which stage failed.
	Reason string
}
