package engine_test

import (
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tahti-studio/tahti"
	"github.com/tahti-studio/tahti/engine"
)

type (
	// concurrentSource is a manually advanced clock source safe to step
	// from the test goroutine while the scheduler reads it.
	concurrentSource struct {
		nowBits atomic.Uint64
	}

	fakeProvider struct {
		fail bool
	}
)

func (s *concurrentSource) Start() error         { return nil }
func (s *concurrentSource) Stop() error          { return nil }
func (s *concurrentSource) SetTempo(bpm float64) {}
func (s *concurrentSource) Reset()               {}
func (s *concurrentSource) Now() float64         { return math.Float64frombits(s.nowBits.Load()) }
func (s *concurrentSource) advance(dt float64)   { s.nowBits.Store(math.Float64bits(s.Now() + dt)) }

func (p *fakeProvider) Voices(config tahti.InstrumentConfig) (tahti.VoiceFactory, error) {
	if p.fail {
		return nil, errors.New("no voices")
	}
	return &fakeFactory{}, nil
}

func newTestEngine(t *testing.T) (*engine.Engine, *concurrentSource) {
	t.Helper()
	cfg := tahti.DefaultEngineConfig()
	src := &concurrentSource{}
	eng, err := engine.NewEngine(cfg,
		func(*engine.Broker) engine.ClockSource { return src },
		&fakeLoader{}, &fakePlayer{}, &fakeProvider{})
	if err != nil {
		t.Fatalf("error creating engine: %v", err)
	}
	eng.Run()
	t.Cleanup(eng.Dispose)
	return eng, src
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v", what)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestEngineLaunchesNoteClip(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.ConfigureInstrument("track", tahti.InstrumentConfig{
		Kind:        tahti.SimpleSynth,
		SimpleSynth: &tahti.SimpleSynthConfig{Waveform: "sine", Sustain: 1, MaxVoices: 4},
	})
	eng.Start()
	clip := testClip()
	eng.LaunchClips([]tahti.LaunchItem{
		{TrackID: "track", ClipID: clip.ID, Kind: tahti.ClipKindNote, Note: &clip},
	}, tahti.QuantizeNone)
	waitFor(t, "note clip to become active", func() bool {
		return contains(eng.ActiveTrackIDs(), "track")
	})
	eng.StopNoteClip("track")
	waitFor(t, "note clip to stop", func() bool {
		return len(eng.ActiveTrackIDs()) == 0
	})
}

func TestEngineLaunchWithoutInstrumentIsNoOp(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Start()
	clip := testClip()
	eng.LaunchClips([]tahti.LaunchItem{
		{TrackID: "ghost", ClipID: clip.ID, Kind: tahti.ClipKindNote, Note: &clip},
	}, tahti.QuantizeNone)
	// an unknown instrument must not activate the track or crash the loop
	time.Sleep(50 * time.Millisecond)
	if ids := eng.ActiveTrackIDs(); len(ids) != 0 {
		t.Fatalf("launch without an instrument should be a no-op, got %v", ids)
	}
}

func TestEngineStartsAudioClip(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.Start()
	clip := tahti.AudioClip{ID: "amb", URL: "amb.wav", Loop: true}
	if err := eng.StartAudioClip("pad", clip, 0.5); err != nil {
		t.Fatalf("error starting audio clip: %v", err)
	}
	waitFor(t, "audio clip to become active", func() bool {
		return contains(eng.ActiveTrackIDs(), "pad")
	})
	eng.StopAudioClip("pad")
	waitFor(t, "audio clip to stop", func() bool {
		return len(eng.ActiveTrackIDs()) == 0
	})
}

func TestEngineStopAll(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.ConfigureInstrument("track", tahti.InstrumentConfig{
		Kind:        tahti.SimpleSynth,
		SimpleSynth: &tahti.SimpleSynthConfig{Waveform: "sine", Sustain: 1},
	})
	eng.Start()
	clip := testClip()
	audio := tahti.AudioClip{ID: "amb", URL: "amb.wav"}
	if err := eng.StartAudioClip("pad", audio, 0.5); err != nil {
		t.Fatalf("error starting audio clip: %v", err)
	}
	eng.StartNoteClipLoop("track", clip, 0.5, 0)
	waitFor(t, "both clips active", func() bool {
		ids := eng.ActiveTrackIDs()
		return contains(ids, "track") && contains(ids, "pad")
	})
	eng.StopAll()
	waitFor(t, "all clips stopped", func() bool {
		return len(eng.ActiveTrackIDs()) == 0
	})
}

func TestEngineLaunchSceneSwitchesTracks(t *testing.T) {
	eng, src := newTestEngine(t)
	eng.ConfigureInstrument("track", tahti.InstrumentConfig{
		Kind:        tahti.SimpleSynth,
		SimpleSynth: &tahti.SimpleSynthConfig{Waveform: "sine", Sustain: 1},
	})
	eng.Start()
	clip := testClip()
	eng.LaunchClips([]tahti.LaunchItem{
		{TrackID: "track", ClipID: clip.ID, Kind: tahti.ClipKindNote, Note: &clip},
	}, tahti.QuantizeNone)
	waitFor(t, "note clip to become active", func() bool {
		return contains(eng.ActiveTrackIDs(), "track")
	})
	for _, r := range eng.PreloadSamples([]engine.PreloadRequest{
		{TrackID: "pad", ClipID: "amb", URL: "amb.wav"},
	}) {
		if !r.Success {
			t.Fatalf("error preloading %v: %v", r.URL, r.Err)
		}
	}
	audio := tahti.AudioClip{ID: "amb", URL: "amb.wav"}
	eng.LaunchScene(
		[]tahti.LaunchItem{{TrackID: "pad", ClipID: audio.ID, Kind: tahti.ClipKindAudio, Audio: &audio}},
		[]tahti.LaunchItem{{TrackID: "track", ClipID: clip.ID, Kind: tahti.ClipKindNote}},
		tahti.QuantizeNone)
	// the deferred note stop fires once a tick moves past the shared instant
	spt := tahti.DefaultEngineConfig().Time.SecondsPerTick(120)
	waitFor(t, "the scene switch", func() bool {
		src.advance(spt)
		engine.TrySend(eng.Broker().Ticks, struct{}{})
		ids := eng.ActiveTrackIDs()
		return contains(ids, "pad") && !contains(ids, "track")
	})
}

func TestEngineAlertsOnBadCommand(t *testing.T) {
	eng, _ := newTestEngine(t)
	eng.SetBPM(-10)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-eng.Broker().ToModel:
			if alert, ok := msg.Data.(engine.Alert); ok {
				if alert.Name != "SetBPM" || alert.Priority != engine.Warning {
					t.Fatalf("unexpected alert %+v", alert)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the alert")
		}
	}
}

func TestEnginePublishesPositions(t *testing.T) {
	eng, src := newTestEngine(t)
	eng.Start()
	spt := tahti.DefaultEngineConfig().Time.SecondsPerTick(120)
	for i := 0; i < 10; i++ {
		src.advance(spt)
		engine.TrySend(eng.Broker().Ticks, struct{}{})
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-eng.Broker().ToModel:
			if msg.HasPosition && msg.Position.AbsoluteTicks >= 1 {
				if msg.BeatFloat <= 0 {
					t.Fatalf("beat float should advance with ticks, got %v", msg.BeatFloat)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a position message")
		}
	}
}

func TestEngineAlertsOnFailingProvider(t *testing.T) {
	cfg := tahti.DefaultEngineConfig()
	eng, err := engine.NewEngine(cfg,
		func(*engine.Broker) engine.ClockSource { return &concurrentSource{} },
		&fakeLoader{}, &fakePlayer{}, &fakeProvider{fail: true})
	if err != nil {
		t.Fatalf("error creating engine: %v", err)
	}
	eng.Run()
	t.Cleanup(eng.Dispose)
	eng.ConfigureInstrument("track", tahti.InstrumentConfig{
		Kind:        tahti.SimpleSynth,
		SimpleSynth: &tahti.SimpleSynthConfig{},
	})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-eng.Broker().ToModel:
			if alert, ok := msg.Data.(engine.Alert); ok {
				if alert.Name != "ConfigureInstrument" {
					t.Fatalf("unexpected alert %+v", alert)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the alert")
		}
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := tahti.DefaultEngineConfig()
	cfg.BPM = -1
	if _, err := engine.NewEngine(cfg, nil, &fakeLoader{}, &fakePlayer{}, &fakeProvider{}); err == nil {
		t.Fatalf("expected an error for an invalid config")
	}
}
