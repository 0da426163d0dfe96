package model

import (
	"fmt"
	"time"
)

// SolverState is the star tracker's operating mode. Exactly one
// instance exists process-wide, mutated only by the tracker worker.
type SolverState int

const (
	StateOff SolverState = iota
	StateBoot
	StateStandby
	StateLowPower
	StateStarTrack
	StateCaptureOnly
	StateError
)

var stateNames = map[SolverState]string{
	StateOff:         "OFF",
	StateBoot:        "BOOT",
	StateStandby:     "STANDBY",
	StateLowPower:    "LOW_POWER",
	StateStarTrack:   "STAR_TRACK",
	StateCaptureOnly: "CAPTURE_ONLY",
	StateError:       "ERROR",
}

func (s SolverState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SolverState(%d)", int(s))
}

// ParseSolverState maps a state name (as used on the command surface)
// back to a SolverState.
func ParseSolverState(name string) (SolverState, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateOff, fmt.Errorf("unknown solver state %q", name)
}

// CaptureSettings is the externally mutable capture configuration.
// The tracker worker applies a copy at cycle boundaries only; a change
// submitted mid-cycle never alters the in-progress cycle.
type CaptureSettings struct {
	// Interval between cycles in STAR_TRACK and CAPTURE_ONLY. An
	// interval of zero in STAR_TRACK means solve once and return to
	// STANDBY.
	Interval time.Duration

	// Images is the number of frames captured per CAPTURE_ONLY
	// session before the tracker returns to STANDBY.
	Images int

	// SaveFrames writes accepted frames to the image store's backing
	// directory when set.
	SaveFrames bool
}

// FrameFilter bounds the brightness statistics an accepted
// CAPTURE_ONLY frame must satisfy. Zero bounds disable the filter.
type FrameFilter struct {
	LowerBound      uint8   // pixels brighter than this count as lit
	UpperBound      uint8   // pixels dimmer than this count as dark
	LowerPercentage float64 // minimum lit fraction, percent
	UpperPercentage float64 // minimum dark fraction, percent
}
