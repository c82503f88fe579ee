package engine

import (
	"fmt"
	"sync"

	"github.com/tahti-studio/tahti"
)

type (
	// SampleClipManager owns the lifecycle of audio clips per track: the
	// pool of decoded sample buffers and the one active playback per track.
	// The pool is guarded by a mutex because loading runs on application
	// goroutines; the active-clip map is only touched on the scheduler
	// goroutine.
	SampleClipManager struct {
		loader SampleLoader
		player tahti.SamplePlayer

		mu   sync.Mutex
		pool map[sampleKey]*pooledSample

		active map[string]*activeAudioClip
	}

	sampleKey struct {
		trackID string
		clipID  string
	}

	// pooledSample is the in-flight-load guard: the first request for a key
	// inserts the entry and loads; concurrent requests for the same key wait
	// on ready instead of double-fetching. The buffer is never mutated after
	// load.
	pooledSample struct {
		buf   *tahti.AudioBuffer
		err   error
		ready chan struct{}
	}

	activeAudioClip struct {
		clipID           string
		handle           tahti.PlaybackHandle
		scheduledWhenSec float64
	}

	// PreloadRequest identifies one sample of a batch preload.
	PreloadRequest struct {
		TrackID string
		ClipID  string
		URL     string
	}

	// PreloadResult reports one item of a batch preload; the batch itself
	// never fails as a whole.
	PreloadResult struct {
		TrackID string
		ClipID  string
		URL     string
		Success bool
		Err     error
	}
)

func NewSampleClipManager(loader SampleLoader, player tahti.SamplePlayer) *SampleClipManager {
	return &SampleClipManager{
		loader: loader,
		player: player,
		pool:   make(map[sampleKey]*pooledSample),
		active: make(map[string]*activeAudioClip),
	}
}

// EnsureSample returns the pooled buffer for (trackID, clipID), loading it
// on a miss. Exactly one load happens per key even under concurrent
// requests; a failed load is dropped from the pool so a later call retries.
func (m *SampleClipManager) EnsureSample(trackID, clipID, url string) (*tahti.AudioBuffer, error) {
	key := sampleKey{trackID: trackID, clipID: clipID}
	m.mu.Lock()
	ps, ok := m.pool[key]
	if ok {
		m.mu.Unlock()
		<-ps.ready
		return ps.buf, ps.err
	}
	ps = &pooledSample{ready: make(chan struct{})}
	m.pool[key] = ps
	m.mu.Unlock()

	ps.buf, ps.err = m.loader.Load(url)
	if ps.err != nil {
		m.mu.Lock()
		delete(m.pool, key)
		m.mu.Unlock()
	}
	close(ps.ready)
	return ps.buf, ps.err
}

// Resident returns the buffer if it is loaded and ready, without blocking.
func (m *SampleClipManager) Resident(trackID, clipID string) (*tahti.AudioBuffer, bool) {
	m.mu.Lock()
	ps, ok := m.pool[sampleKey{trackID: trackID, clipID: clipID}]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-ps.ready:
	default:
		return nil, false
	}
	if ps.err != nil {
		return nil, false
	}
	return ps.buf, true
}

// PreloadSamples loads the batch concurrently, reporting success or failure
// per item. One failed item does not abort the others.
func (m *SampleClipManager) PreloadSamples(list []PreloadRequest) []PreloadResult {
	results := make([]PreloadResult, len(list))
	var wg sync.WaitGroup
	for i, req := range list {
		wg.Add(1)
		go func(i int, req PreloadRequest) {
			defer wg.Done()
			_, err := m.EnsureSample(req.TrackID, req.ClipID, req.URL)
			results[i] = PreloadResult{
				TrackID: req.TrackID,
				ClipID:  req.ClipID,
				URL:     req.URL,
				Success: err == nil,
				Err:     err,
			}
		}(i, req)
	}
	wg.Wait()
	return results
}

// StartResidentAt schedules playback of an already loaded sample. A clip
// whose sample is not resident (load pending or failed) is silently not
// triggered; this is the no-op policy that keeps the launch path safe. An
// active clip on the track is retired first so re-triggering never doubles
// the sound.
func (m *SampleClipManager) StartResidentAt(trackID string, clip tahti.AudioClip, whenSec float64) (tahti.PlaybackHandle, error) {
	buf, ok := m.Resident(trackID, clip.ID)
	if !ok {
		return nil, nil
	}
	if old, ok := m.active[trackID]; ok {
		old.handle.Stop()
		delete(m.active, trackID)
	}
	handle, err := m.player.PlayBuffer(buf, whenSec, tahti.PlayOptions{
		Loop:      clip.Loop,
		FadeInSec: clip.FadeInSec,
		OffsetSec: clip.OffsetSec,
	})
	if err != nil {
		return nil, fmt.Errorf("could not schedule sample playback: %w", err)
	}
	m.active[trackID] = &activeAudioClip{clipID: clip.ID, handle: handle, scheduledWhenSec: whenSec}
	return handle, nil
}

// Stop retires the track's active clip immediately. Idempotent.
func (m *SampleClipManager) Stop(trackID string) {
	if c, ok := m.active[trackID]; ok {
		c.handle.Stop()
		delete(m.active, trackID)
	}
}

// ScheduleStop retires the track's active clip at the given instant; the
// handle stays active until then so a following start replaces it.
func (m *SampleClipManager) ScheduleStop(trackID string, whenSec float64) {
	if c, ok := m.active[trackID]; ok {
		c.handle.StopAt(whenSec)
	}
}

// ActiveTrackIDs returns the tracks with a playing or scheduled clip.
func (m *SampleClipManager) ActiveTrackIDs() []string {
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Dispose stops every active playback and releases the pooled buffers.
func (m *SampleClipManager) Dispose() {
	for id, c := range m.active {
		c.handle.Stop()
		delete(m.active, id)
	}
	m.mu.Lock()
	m.pool = make(map[sampleKey]*pooledSample)
	m.mu.Unlock()
}
