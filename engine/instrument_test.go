package engine_test

import (
	"testing"

	"github.com/tahti-studio/tahti"
	"github.com/tahti-studio/tahti/engine"
)

// advanceTo ticks the clock until the source time has passed the instant.
func advanceTo(clock *engine.TransportClock, src *manualSource, cfg tahti.EngineConfig, instant float64) {
	for src.nowSec <= instant {
		tick(clock, src, cfg, 1)
	}
}

func TestScheduleClipFiresEvents(t *testing.T) {
	clock, src, cfg := newTestClock(t)
	factory := &fakeFactory{}
	instr := engine.NewPooledInstrument(clock, factory, "track", 4, 0.02)
	defer instr.Dispose()

	notes := []tahti.Note{
		{Pitch: 60, StartBeat: 0, DurationBeats: 1, Velocity: 0.8},
		{Pitch: 64, StartBeat: 1, DurationBeats: 0.5, Velocity: 0.6},
	}
	if _, err := instr.ScheduleClip(notes, 0.3, 120); err != nil {
		t.Fatalf("error scheduling clip: %v", err)
	}
	if len(factory.voices) != 0 {
		t.Fatalf("nothing should sound before the scheduled instant")
	}
	advanceTo(clock, src, cfg, 0.3)
	if len(factory.voices) != 1 || factory.voices[0].pitch != 60 {
		t.Fatalf("expected the first note at 0.3s, got %v voices", len(factory.voices))
	}
	// at 120 BPM beat 1 is 0.5s after the clip start
	advanceTo(clock, src, cfg, 0.8)
	if len(factory.voices) != 2 || factory.voices[1].pitch != 64 {
		t.Fatalf("expected the second note at 0.8s, got %v voices", len(factory.voices))
	}
	if !factory.voices[0].released {
		t.Errorf("first note should have been released after one beat")
	}
	advanceTo(clock, src, cfg, 1.1)
	if !factory.voices[1].released {
		t.Errorf("second note should have been released after half a beat")
	}
}

func TestScheduleClipOffBeforeOnAtSameInstant(t *testing.T) {
	clock, src, cfg := newTestClock(t)
	factory := &fakeFactory{}
	instr := engine.NewPooledInstrument(clock, factory, "track", 4, 0.02)
	defer instr.Dispose()

	// back-to-back notes of the same pitch: the off of the first and the on
	// of the second land on the same instant
	notes := []tahti.Note{
		{Pitch: 60, StartBeat: 0, DurationBeats: 1, Velocity: 0.8},
		{Pitch: 60, StartBeat: 1, DurationBeats: 1, Velocity: 0.8},
	}
	if _, err := instr.ScheduleClip(notes, 0.1, 120); err != nil {
		t.Fatalf("error scheduling clip: %v", err)
	}
	advanceTo(clock, src, cfg, 0.7)
	if len(factory.voices) != 2 {
		t.Fatalf("expected 2 voices, got %v", len(factory.voices))
	}
	if !factory.voices[0].released {
		t.Errorf("the first note should be released by its own note-off")
	}
	if factory.voices[1].released {
		t.Errorf("the second note should not be choked by the first note's off")
	}
}

func TestClipHandleStopCancelsAndReleases(t *testing.T) {
	clock, src, cfg := newTestClock(t)
	factory := &fakeFactory{}
	instr := engine.NewPooledInstrument(clock, factory, "track", 4, 0.02)
	defer instr.Dispose()

	notes := []tahti.Note{
		{Pitch: 60, StartBeat: 0, DurationBeats: 4, Velocity: 0.8},
		{Pitch: 64, StartBeat: 2, DurationBeats: 1, Velocity: 0.8},
	}
	handle, err := instr.ScheduleClip(notes, 0.1, 120)
	if err != nil {
		t.Fatalf("error scheduling clip: %v", err)
	}
	advanceTo(clock, src, cfg, 0.3) // first note sounding, the rest pending
	handle.Stop()
	if !factory.voices[0].released {
		t.Errorf("a sounding note whose off was cancelled should be released immediately")
	}
	advanceTo(clock, src, cfg, 2.5)
	if len(factory.voices) != 1 {
		t.Errorf("pending notes should not fire after the handle was stopped, got %v voices", len(factory.voices))
	}
	handle.Stop() // idempotent
}

func TestScheduleClipRejectsBadTempo(t *testing.T) {
	clock, _, _ := newTestClock(t)
	instr := engine.NewPooledInstrument(clock, &fakeFactory{}, "track", 4, 0.02)
	defer instr.Dispose()
	if _, err := instr.ScheduleClip([]tahti.Note{{Pitch: 60, DurationBeats: 1}}, 0, 0); err == nil {
		t.Fatalf("expected an error for a zero BPM")
	}
}
