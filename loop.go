package tahti

import "fmt"

// minLoopLengthBeats is the smallest loop the engine accepts; loop regions
// shorter than this are rejected rather than clamped, except SetLoop which
// documents forcing the end past the start by this epsilon.
const minLoopLengthBeats = 1.0 / 256

// LoopRegion is a half-open region [StartBeats, EndBeats) in fractional
// beats. It is used both for the transport-level loop (the playhead wraps
// back to StartBeats when it reaches EndBeats) and for clip-local loops
// (the region of the clip that cycles). The two are independent: a clip
// loop keeps cycling in absolute time regardless of transport wraps.
type LoopRegion struct {
	Enabled    bool    `yaml:"enabled"`
	StartBeats float64 `yaml:"start"`
	EndBeats   float64 `yaml:"end"`
}

// LengthBeats returns EndBeats - StartBeats.
func (l LoopRegion) LengthBeats() float64 { return l.EndBeats - l.StartBeats }

func (l LoopRegion) Validate() error {
	if l.StartBeats < 0 {
		return fmt.Errorf("loop start should be >= 0, got %v", l.StartBeats)
	}
	if l.EndBeats < l.StartBeats+minLoopLengthBeats {
		return fmt.Errorf("loop end %v should exceed loop start %v by at least %v", l.EndBeats, l.StartBeats, minLoopLengthBeats)
	}
	return nil
}

// Sanitize forces the region to be valid: negative starts are clamped to
// zero and the end is forced to exceed the start by a minimum epsilon. This
// is the documented clamping policy for loop edits arriving from live UI
// drags; API-level loop setting validates instead.
func (l LoopRegion) Sanitize() LoopRegion {
	if l.StartBeats < 0 {
		l.StartBeats = 0
	}
	if l.EndBeats < l.StartBeats+minLoopLengthBeats {
		l.EndBeats = l.StartBeats + minLoopLengthBeats
	}
	return l
}
