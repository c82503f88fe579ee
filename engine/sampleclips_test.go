package engine_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tahti-studio/tahti"
	"github.com/tahti-studio/tahti/engine"
)

type (
	fakeLoader struct {
		loads   atomic.Int32
		failing map[string]bool
		block   chan struct{} // when non-nil, Load waits on it
	}

	fakePlayer struct {
		mu      sync.Mutex
		plays   []fakePlay
		handles []*fakePlaybackHandle
		closed  bool
	}

	fakePlay struct {
		buf     *tahti.AudioBuffer
		whenSec float64
		opts    tahti.PlayOptions
	}

	fakePlaybackHandle struct {
		stopped   bool
		stopAtSec float64
	}
)

func (l *fakeLoader) Load(url string) (*tahti.AudioBuffer, error) {
	l.loads.Add(1)
	if l.block != nil {
		<-l.block
	}
	if l.failing[url] {
		return nil, fmt.Errorf("load failed")
	}
	buf := make(tahti.AudioBuffer, 4)
	return &buf, nil
}

func (p *fakePlayer) PlayBuffer(buf *tahti.AudioBuffer, whenSec float64, opts tahti.PlayOptions) (tahti.PlaybackHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, fakePlay{buf: buf, whenSec: whenSec, opts: opts})
	h := &fakePlaybackHandle{stopAtSec: -1}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakePlayer) Close() error { p.closed = true; return nil }

func (h *fakePlaybackHandle) Stop()                  { h.stopped = true }
func (h *fakePlaybackHandle) StopAt(whenSec float64) { h.stopAtSec = whenSec }

func TestEnsureSampleLoadsOnce(t *testing.T) {
	loader := &fakeLoader{}
	m := engine.NewSampleClipManager(loader, &fakePlayer{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureSample("track", "clip", "a.wav"); err != nil {
				t.Errorf("error ensuring sample: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := loader.loads.Load(); n != 1 {
		t.Fatalf("expected exactly one load for concurrent requests, got %v", n)
	}
	if _, ok := m.Resident("track", "clip"); !ok {
		t.Fatalf("sample should be resident after EnsureSample")
	}
}

func TestEnsureSampleRetriesAfterFailure(t *testing.T) {
	loader := &fakeLoader{failing: map[string]bool{"a.wav": true}}
	m := engine.NewSampleClipManager(loader, &fakePlayer{})
	if _, err := m.EnsureSample("track", "clip", "a.wav"); err == nil {
		t.Fatalf("expected the first load to fail")
	}
	if _, ok := m.Resident("track", "clip"); ok {
		t.Fatalf("failed load should not be resident")
	}
	loader.failing["a.wav"] = false
	if _, err := m.EnsureSample("track", "clip", "a.wav"); err != nil {
		t.Fatalf("retry after a failed load should succeed, got %v", err)
	}
	if n := loader.loads.Load(); n != 2 {
		t.Fatalf("expected 2 loads, got %v", n)
	}
}

func TestPreloadSamplesReportsPerItem(t *testing.T) {
	loader := &fakeLoader{failing: map[string]bool{"bad.wav": true}}
	m := engine.NewSampleClipManager(loader, &fakePlayer{})
	results := m.PreloadSamples([]engine.PreloadRequest{
		{TrackID: "a", ClipID: "1", URL: "good.wav"},
		{TrackID: "b", ClipID: "2", URL: "bad.wav"},
		{TrackID: "c", ClipID: "3", URL: "good2.wav"},
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %v", len(results))
	}
	for _, r := range results {
		expectSuccess := r.URL != "bad.wav"
		if r.Success != expectSuccess {
			t.Errorf("%v: success = %v, expected %v (err %v)", r.URL, r.Success, expectSuccess, r.Err)
		}
		if !r.Success && r.Err == nil {
			t.Errorf("%v: failed result should carry its error", r.URL)
		}
	}
}

func TestStartResidentAtSilentWhenNotResident(t *testing.T) {
	player := &fakePlayer{}
	m := engine.NewSampleClipManager(&fakeLoader{}, player)
	clip := tahti.AudioClip{ID: "clip", URL: "a.wav"}
	handle, err := m.StartResidentAt("track", clip, 1.0)
	if err != nil {
		t.Fatalf("non-resident start should be a silent no-op, got %v", err)
	}
	if handle != nil || len(player.plays) != 0 {
		t.Fatalf("nothing should play before the sample is resident")
	}
	if ids := m.ActiveTrackIDs(); len(ids) != 0 {
		t.Fatalf("no track should be active, got %v", ids)
	}
}

func TestStartResidentAtRetiresPrevious(t *testing.T) {
	player := &fakePlayer{}
	m := engine.NewSampleClipManager(&fakeLoader{}, player)
	clip := tahti.AudioClip{ID: "clip", URL: "a.wav", Loop: true, FadeInSec: 0.5, OffsetSec: 0.25}
	if _, err := m.EnsureSample("track", "clip", "a.wav"); err != nil {
		t.Fatalf("error ensuring sample: %v", err)
	}
	if _, err := m.StartResidentAt("track", clip, 1.0); err != nil {
		t.Fatalf("error starting clip: %v", err)
	}
	if len(player.plays) != 1 {
		t.Fatalf("expected one playback, got %v", len(player.plays))
	}
	play := player.plays[0]
	if play.whenSec != 1.0 || !play.opts.Loop || play.opts.FadeInSec != 0.5 || play.opts.OffsetSec != 0.25 {
		t.Fatalf("play options not forwarded: %+v", play)
	}
	if _, err := m.StartResidentAt("track", clip, 2.0); err != nil {
		t.Fatalf("error re-triggering clip: %v", err)
	}
	if !player.handles[0].stopped {
		t.Errorf("re-triggering should retire the previous playback")
	}
	if ids := m.ActiveTrackIDs(); len(ids) != 1 {
		t.Errorf("expected one active track, got %v", ids)
	}
}

func TestScheduleStopUsesHandle(t *testing.T) {
	player := &fakePlayer{}
	m := engine.NewSampleClipManager(&fakeLoader{}, player)
	if _, err := m.EnsureSample("track", "clip", "a.wav"); err != nil {
		t.Fatalf("error ensuring sample: %v", err)
	}
	if _, err := m.StartResidentAt("track", tahti.AudioClip{ID: "clip"}, 1.0); err != nil {
		t.Fatalf("error starting clip: %v", err)
	}
	m.ScheduleStop("track", 3.5)
	if player.handles[0].stopAtSec != 3.5 {
		t.Errorf("scheduled stop at %v, expected 3.5", player.handles[0].stopAtSec)
	}
	m.Stop("track")
	if !player.handles[0].stopped {
		t.Errorf("stop should retire the playback immediately")
	}
	if ids := m.ActiveTrackIDs(); len(ids) != 0 {
		t.Errorf("expected no active tracks, got %v", ids)
	}
}

func TestDisposeStopsEverything(t *testing.T) {
	player := &fakePlayer{}
	m := engine.NewSampleClipManager(&fakeLoader{}, player)
	if _, err := m.EnsureSample("track", "clip", "a.wav"); err != nil {
		t.Fatalf("error ensuring sample: %v", err)
	}
	if _, err := m.StartResidentAt("track", tahti.AudioClip{ID: "clip"}, 1.0); err != nil {
		t.Fatalf("error starting clip: %v", err)
	}
	m.Dispose()
	if !player.handles[0].stopped {
		t.Errorf("dispose should stop active playbacks")
	}
	if _, ok := m.Resident("track", "clip"); ok {
		t.Errorf("dispose should release the pooled buffers")
	}
}
