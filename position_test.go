package tahti_test

import (
	"math"
	"testing"

	"github.com/tahti-studio/tahti"
)

var testTime = tahti.TimeSignature{PPQ: 96, BeatsPerBar: 4}

func TestPositionBeatFloatRoundTrip(t *testing.T) {
	for bar := 1; bar <= 5; bar++ {
		for beat := 1; beat <= 4; beat++ {
			for _, tick := range []int{0, 1, 23, 48, 95} {
				p := tahti.TransportPosition{Bar: bar, Beat: beat, Tick: tick}
				got := tahti.PositionForBeatFloat(p.BeatFloat(testTime), testTime)
				if got.Bar != p.Bar || got.Beat != p.Beat || got.Tick != p.Tick {
					t.Fatalf("round trip of %v gave %v", p, got)
				}
			}
		}
	}
}

func TestPositionForSongTicks(t *testing.T) {
	tests := []struct {
		ticks    int
		expected tahti.TransportPosition
	}{
		{0, tahti.TransportPosition{Bar: 1, Beat: 1, Tick: 0}},
		{95, tahti.TransportPosition{Bar: 1, Beat: 1, Tick: 95}},
		{96, tahti.TransportPosition{Bar: 1, Beat: 2, Tick: 0}},
		{383, tahti.TransportPosition{Bar: 1, Beat: 4, Tick: 95}},
		{384, tahti.TransportPosition{Bar: 2, Beat: 1, Tick: 0}},
		{960, tahti.TransportPosition{Bar: 3, Beat: 3, Tick: 0}},
		{-5, tahti.TransportPosition{Bar: 1, Beat: 1, Tick: 0}},
	}
	for _, test := range tests {
		got := tahti.PositionForSongTicks(test.ticks, testTime)
		if got != test.expected {
			t.Errorf("PositionForSongTicks(%v) = %v, expected %v", test.ticks, got, test.expected)
		}
		if test.ticks >= 0 {
			if back := got.SongTicks(testTime); back != test.ticks {
				t.Errorf("SongTicks(%v) = %v, expected %v", got, back, test.ticks)
			}
		}
	}
}

func TestQuantizeBoundaryTicks(t *testing.T) {
	tests := []struct {
		quantize tahti.Quantize
		expected int
	}{
		{tahti.QuantizeNone, 0},
		{tahti.QuantizeBar, 384},
		{tahti.QuantizeBeat, 96},
		{tahti.QuantizeHalves, 192},
		{tahti.QuantizeQuarters, 96},
		{tahti.QuantizeEighths, 48},
		{tahti.QuantizeSixteenths, 24},
	}
	for _, test := range tests {
		got, err := test.quantize.BoundaryTicks(testTime)
		if err != nil {
			t.Fatalf("BoundaryTicks(%v) returned error: %v", test.quantize, err)
		}
		if got != test.expected {
			t.Errorf("BoundaryTicks(%v) = %v, expected %v", test.quantize, got, test.expected)
		}
	}
	if _, err := tahti.Quantize(42).BoundaryTicks(testTime); err == nil {
		t.Errorf("expected an error for an invalid quantize value")
	}
}

func TestParseQuantize(t *testing.T) {
	for _, q := range []tahti.Quantize{tahti.QuantizeNone, tahti.QuantizeBar, tahti.QuantizeBeat,
		tahti.QuantizeHalves, tahti.QuantizeQuarters, tahti.QuantizeEighths, tahti.QuantizeSixteenths} {
		got, err := tahti.ParseQuantize(q.String())
		if err != nil {
			t.Fatalf("ParseQuantize(%q) returned error: %v", q.String(), err)
		}
		if got != q {
			t.Errorf("ParseQuantize(%q) = %v, expected %v", q.String(), got, q)
		}
	}
	if _, err := tahti.ParseQuantize("thirds"); err == nil {
		t.Errorf("expected an error for an unknown quantize name")
	}
}

func TestSecondsPerTick(t *testing.T) {
	got := testTime.SecondsPerTick(120)
	expected := 60.0 / (120 * 96)
	if math.Abs(got-expected) > 1e-12 {
		t.Errorf("SecondsPerTick(120) = %v, expected %v", got, expected)
	}
	if got := tahti.SecondsPerBeat(120); got != 0.5 {
		t.Errorf("SecondsPerBeat(120) = %v, expected 0.5", got)
	}
}

func TestTimeSignatureValidate(t *testing.T) {
	if err := testTime.Validate(); err != nil {
		t.Errorf("valid time signature rejected: %v", err)
	}
	if err := (tahti.TimeSignature{PPQ: 8, BeatsPerBar: 4}).Validate(); err == nil {
		t.Errorf("expected an error for too low PPQ")
	}
	if err := (tahti.TimeSignature{PPQ: 96, BeatsPerBar: 0}).Validate(); err == nil {
		t.Errorf("expected an error for zero beats per bar")
	}
}
