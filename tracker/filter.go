package tracker

import (
	"image"

	"github.com/signalsfoundry/star-tracker/model"
)

// acceptFrame applies the capture-only brightness filter. Each bound
// gates its own check: a non-zero lower bound requires enough lit
// pixels above it, a non-zero upper bound requires enough dark pixels
// below it, and a zero bound disables that half entirely. Both bounds
// zero accepts everything.
func acceptFrame(img *image.Gray, f model.FrameFilter) bool {
	if f.LowerBound == 0 && f.UpperBound == 0 {
		return true
	}

	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return false
	}

	var lit, dark int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := img.GrayAt(x, y).Y
			if v > f.LowerBound {
				lit++
			}
			if v < f.UpperBound {
				dark++
			}
		}
	}

	if f.LowerBound != 0 {
		if litPct := 100 * float64(lit) / float64(total); litPct < f.LowerPercentage {
			return false
		}
	}
	if f.UpperBound != 0 {
		if darkPct := 100 * float64(dark) / float64(total); darkPct < f.UpperPercentage {
			return false
		}
	}
	return true
}
