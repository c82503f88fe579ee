package tahti

import (
	"fmt"
	"math"
)

type (
	// TransportPosition is the musical position of the transport, expressed
	// both as a (bar, beat, tick) triple and as the raw number of ticks
	// received from the clock source. Bar and Beat are 1-based, Tick is in
	// [0, PPQ). AbsoluteTicks counts every hardware tick since the transport
	// was started and never decreases while running, even when the musical
	// position jumps backwards on a loop wrap or a manual seek.
	TransportPosition struct {
		Bar           int
		Beat          int
		Tick          int
		AbsoluteTicks int64
	}

	// TimeSignature tells how the tick stream maps to bars and beats: PPQ
	// ticks per beat, BeatsPerBar beats per bar.
	TimeSignature struct {
		PPQ         int `yaml:"ppq"`
		BeatsPerBar int `yaml:"beatsperbar"`
	}

	// Quantize selects the musical boundary that a trigger instant is rounded
	// forward to.
	Quantize int
)

const (
	QuantizeNone Quantize = iota
	QuantizeBar
	QuantizeBeat
	QuantizeHalves
	QuantizeQuarters
	QuantizeEighths
	QuantizeSixteenths
)

var quantizeNames = [...]string{"none", "bar", "beat", "halves", "quarters", "eighths", "sixteenths"}

func (q Quantize) String() string {
	if q < 0 || int(q) >= len(quantizeNames) {
		return fmt.Sprintf("quantize(%d)", int(q))
	}
	return quantizeNames[q]
}

// ParseQuantize converts the yaml/CLI name of a quantize setting back to the
// enum value.
func ParseQuantize(name string) (Quantize, error) {
	for i, n := range quantizeNames {
		if n == name {
			return Quantize(i), nil
		}
	}
	return QuantizeNone, fmt.Errorf("unknown quantize value %q", name)
}

// BoundaryTicks returns the length of the quantize boundary in ticks, e.g.
// PPQ*BeatsPerBar for a bar. QuantizeNone has no boundary and returns 0.
func (q Quantize) BoundaryTicks(ts TimeSignature) (int, error) {
	switch q {
	case QuantizeNone:
		return 0, nil
	case QuantizeBar:
		return ts.PPQ * ts.BeatsPerBar, nil
	case QuantizeBeat, QuantizeQuarters:
		return ts.PPQ, nil
	case QuantizeHalves:
		return ts.PPQ * 2, nil
	case QuantizeEighths:
		return ts.PPQ / 2, nil
	case QuantizeSixteenths:
		return ts.PPQ / 4, nil
	}
	return 0, fmt.Errorf("invalid quantize value %d", int(q))
}

func (ts TimeSignature) Validate() error {
	if ts.PPQ < 16 {
		return fmt.Errorf("PPQ should be at least 16, got %d", ts.PPQ)
	}
	if ts.BeatsPerBar < 1 {
		return fmt.Errorf("beats per bar should be > 0, got %d", ts.BeatsPerBar)
	}
	return nil
}

// TicksPerBar is just PPQ * BeatsPerBar.
func (ts TimeSignature) TicksPerBar() int { return ts.PPQ * ts.BeatsPerBar }

// BeatFloat converts the (bar, beat, tick) triple to a fractional beat count
// since the start of the song.
func (p TransportPosition) BeatFloat(ts TimeSignature) float64 {
	beats := float64((p.Bar-1)*ts.BeatsPerBar + (p.Beat - 1))
	return beats + float64(p.Tick)/float64(ts.PPQ)
}

// SongTicks returns the musical position in ticks since the start of the
// song. Unlike AbsoluteTicks, this goes backwards when the position is set
// backwards.
func (p TransportPosition) SongTicks(ts TimeSignature) int {
	return ((p.Bar-1)*ts.BeatsPerBar+(p.Beat-1))*ts.PPQ + p.Tick
}

// PositionForBeatFloat is the inverse of BeatFloat: it distributes a
// fractional beat count over the (bar, beat, tick) triple. The fractional
// part is rounded to the nearest tick so that
// PositionForBeatFloat(p.BeatFloat(ts), ts) reproduces p exactly.
func PositionForBeatFloat(beat float64, ts TimeSignature) TransportPosition {
	if beat < 0 {
		beat = 0
	}
	ticks := int(math.Round(beat * float64(ts.PPQ)))
	return PositionForSongTicks(ticks, ts)
}

// PositionForSongTicks converts a musical tick count since song start to the
// (bar, beat, tick) triple. AbsoluteTicks is left zero; the caller owns it.
func PositionForSongTicks(ticks int, ts TimeSignature) TransportPosition {
	if ticks < 0 {
		ticks = 0
	}
	beats := ticks / ts.PPQ
	return TransportPosition{
		Bar:  beats/ts.BeatsPerBar + 1,
		Beat: beats%ts.BeatsPerBar + 1,
		Tick: ticks % ts.PPQ,
	}
}

func (p TransportPosition) String() string {
	return fmt.Sprintf("%d.%d.%02d", p.Bar, p.Beat, p.Tick)
}

// SecondsPerTick returns the wall-clock duration of one tick at the given
// tempo.
func (ts TimeSignature) SecondsPerTick(bpm float64) float64 {
	return 60 / (bpm * float64(ts.PPQ))
}

// SecondsPerBeat returns the wall-clock duration of one beat at the given
// tempo.
func SecondsPerBeat(bpm float64) float64 { return 60 / bpm }
