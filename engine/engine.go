package engine

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tahti-studio/tahti"
)

type (
	// Engine is the facade over the transport clock and the clip pool
	// managers. All scheduler state is owned by a single goroutine running
	// run(); the public methods either read atomically published snapshots
	// or forward commands over the broker, so the application side never
	// touches scheduler state directly and the tick path never blocks on
	// the application.
	Engine struct {
		cfg    tahti.EngineConfig
		broker *Broker
		clock  *TransportClock
		source ClockSource

		samples  *SampleClipManager
		notes    *NoteClipManager
		provider tahti.InstrumentProvider
		player   tahti.SamplePlayer

		instruments  map[string]*PooledInstrument
		pendingStops []timedAction

		activeIDs atomic.Pointer[[]string]
		started   atomic.Bool
	}

	timedAction struct {
		atSec float64
		fn    func()
	}
)

// NewEngine wires the engine together. sourceFor builds the clock source
// around the engine's broker; nil selects the built-in TickerSource.
// loader, player and provider are the boundaries to the external audio
// graph.
func NewEngine(cfg tahti.EngineConfig, sourceFor func(*Broker) ClockSource, loader SampleLoader, player tahti.SamplePlayer, provider tahti.InstrumentProvider) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	broker := NewBroker(cfg.TickChannelCapacity)
	var source ClockSource
	if sourceFor != nil {
		source = sourceFor(broker)
	}
	if source == nil {
		source = NewTickerSource(broker, cfg.Time, cfg.BPM)
	}
	clock := NewTransportClock(cfg, source)
	e := &Engine{
		cfg:         cfg,
		broker:      broker,
		clock:       clock,
		source:      source,
		samples:     NewSampleClipManager(loader, player),
		notes:       NewNoteClipManager(clock, broker, cfg),
		provider:    provider,
		player:      player,
		instruments: make(map[string]*PooledInstrument),
	}
	e.activeIDs.Store(&[]string{})
	return e, nil
}

// Broker exposes the channels for a model/UI to consume position updates
// and alerts, or to drive the scheduler directly.
func (e *Engine) Broker() *Broker { return e.broker }

// Clock exposes the transport clock for its goroutine-safe getters; the
// mutating transport API should go through the Engine methods so that it
// runs on the scheduler goroutine.
func (e *Engine) Clock() *TransportClock { return e.clock }

// Run starts the scheduler goroutine. It returns immediately; Dispose shuts
// the goroutine down.
func (e *Engine) Run() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
}

func (e *Engine) run() {
	defer close(e.broker.FinishedEngine)
	e.clock.OnLaunch(e.dispatchLaunch)
	e.clock.Subscribe(func(pos tahti.TransportPosition) {
		TrySend(e.broker.ToModel, MsgToModel{
			HasPosition: true,
			Position:    pos,
			BeatFloat:   pos.BeatFloat(e.cfg.Time),
		})
	})
	for {
		select {
		case <-e.broker.CloseEngine:
			e.dispose()
			return
		case <-e.broker.Ticks:
			e.clock.AdvanceTick()
			e.firePendingStops()
		case msg := <-e.broker.ToEngine:
			e.handleMessage(msg)
			e.publishActive()
		}
	}
}

// all sends from the scheduler are non-blocking so the tick path can never
// dead-lock on a slow consumer
func (e *Engine) alert(name, message string, priority AlertPriority) {
	TrySend(e.broker.ToModel, MsgToModel{Data: Alert{
		Name:     name,
		Message:  message,
		Priority: priority,
		Duration: defaultAlertDuration,
	}})
}

func (e *Engine) handleMessage(msg any) {
	switch m := msg.(type) {
	case StartMsg:
		if err := e.clock.Start(); err != nil {
			e.alert("TransportStart", err.Error(), Error)
		}
	case StopMsg:
		if err := e.clock.Stop(); err != nil {
			e.alert("TransportStop", err.Error(), Warning)
		}
	case ResetMsg:
		e.clock.Reset()
	case SetBPMMsg:
		if err := e.clock.SetBPM(m.BPM); err != nil {
			e.alert("SetBPM", err.Error(), Warning)
		}
	case SetLoopMsg:
		if err := e.clock.SetLoop(m.Start, m.End); err != nil {
			e.alert("SetLoop", err.Error(), Warning)
		}
	case SetLoopEnabledMsg:
		e.clock.SetLoopEnabled(m.Enabled)
	case ClearLoopMsg:
		e.clock.ClearLoop()
	case SetPositionMsg:
		e.clock.SetBeatFloat(m.BeatFloat)
	case LaunchMsg:
		if _, err := e.clock.LaunchAtQuantizedInstant(m.Items, m.Quantize); err != nil {
			e.alert("Launch", err.Error(), Warning)
		}
	case LaunchAtMsg:
		e.clock.LaunchAtInstant(m.Items, m.WhenSec)
	case StartAudioClipMsg:
		if _, err := e.samples.StartResidentAt(m.TrackID, m.Clip, m.WhenSec); err != nil {
			e.alert("StartAudioClip", err.Error(), Warning)
		}
	case StopAudioClipMsg:
		e.samples.Stop(m.TrackID)
	case ScheduleStopAudioClipMsg:
		e.samples.ScheduleStop(m.TrackID, m.WhenSec)
	case StartNoteOneShotMsg:
		if instr, ok := e.instruments[m.TrackID]; ok {
			if err := e.notes.StartOneShot(m.TrackID, instr, m.Clip, m.WhenSec); err != nil {
				e.alert("StartNoteClip", err.Error(), Warning)
			}
		}
	case StartNoteLoopMsg:
		if instr, ok := e.instruments[m.TrackID]; ok {
			if err := e.notes.StartLoop(m.TrackID, instr, m.Clip, m.WhenSec, m.StartOffsetBeats); err != nil {
				e.alert("StartNoteLoop", err.Error(), Warning)
			}
		}
	case RefreshNoteLoopMsg:
		if err := e.notes.Refresh(m.TrackID, m.Clip); err != nil {
			e.alert("RefreshNoteLoop", err.Error(), Warning)
		}
	case StopNoteClipMsg:
		e.notes.Stop(m.TrackID)
	case ConfigureInstrumentMsg:
		if err := e.configureInstrument(m.TrackID, m.Config); err != nil {
			e.alert("ConfigureInstrument", err.Error(), Warning)
		}
	case NoteOnMsg:
		if instr, ok := e.instruments[m.TrackID]; ok {
			instr.NoteOn(m.Pitch, m.Velocity, "", m.Preview)
		}
	case NoteOffMsg:
		if instr, ok := e.instruments[m.TrackID]; ok {
			instr.NoteOff(m.Pitch)
		}
	case StopAllMsg:
		e.stopAll()
	default:
		// ignore unknown messages
	}
}

// dispatchLaunch consumes the launch events the clock emits and routes them
// to the clip managers. A missing instrument or a non-resident sample makes
// the item a no-op; the tick path is never destabilized by a caller error.
func (e *Engine) dispatchLaunch(ev tahti.LaunchEvent) {
	item := ev.Item
	switch item.Kind {
	case tahti.ClipKindAudio:
		if item.Stop {
			e.samples.ScheduleStop(item.TrackID, ev.WhenSec)
			return
		}
		if item.Audio == nil {
			return
		}
		if _, err := e.samples.StartResidentAt(item.TrackID, *item.Audio, ev.WhenSec); err != nil {
			e.alert("LaunchAudioClip", err.Error(), Warning)
		}
	case tahti.ClipKindNote:
		if item.Stop {
			trackID := item.TrackID
			e.deferAt(ev.WhenSec, func() { e.notes.Stop(trackID) })
			return
		}
		instr, ok := e.instruments[item.TrackID]
		if !ok || item.Note == nil {
			return
		}
		var err error
		if item.Note.Loop.Enabled {
			err = e.notes.StartLoop(item.TrackID, instr, *item.Note, ev.WhenSec, item.StartOffsetBeats)
		} else {
			err = e.notes.StartOneShot(item.TrackID, instr, *item.Note, ev.WhenSec)
		}
		if err != nil {
			e.alert("LaunchNoteClip", err.Error(), Warning)
		}
	}
	e.publishActive()
}

// deferAt runs fn on the scheduler goroutine once the instant has passed;
// used to align note-clip stops with the shared launch instant.
func (e *Engine) deferAt(whenSec float64, fn func()) {
	e.pendingStops = append(e.pendingStops, timedAction{atSec: whenSec, fn: fn})
}

func (e *Engine) firePendingStops() {
	now := e.clock.Now()
	kept := e.pendingStops[:0]
	fired := false
	for _, a := range e.pendingStops {
		if a.atSec <= now {
			a.fn()
			fired = true
		} else {
			kept = append(kept, a)
		}
	}
	e.pendingStops = kept
	if fired {
		e.publishActive()
	}
}

func (e *Engine) configureInstrument(trackID string, config tahti.InstrumentConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if e.provider == nil {
		return fmt.Errorf("no instrument provider")
	}
	factory, err := e.provider.Voices(config)
	if err != nil {
		return fmt.Errorf("could not build voices for %v: %w", config.Kind, err)
	}
	if old, ok := e.instruments[trackID]; ok {
		e.notes.Stop(trackID)
		old.Dispose()
	}
	maxVoices := config.MaxVoices()
	if maxVoices <= 0 {
		maxVoices = e.cfg.MaxVoices
	}
	e.instruments[trackID] = NewPooledInstrument(e.clock, factory, trackID, maxVoices, e.cfg.StealReleaseSec)
	return nil
}

func (e *Engine) stopAll() {
	e.notes.StopAll()
	for _, trackID := range e.samples.ActiveTrackIDs() {
		e.samples.Stop(trackID)
	}
	// preview voices survive the sweep so auditioning is not interrupted
	for _, instr := range e.instruments {
		instr.CancelPending()
		instr.StopAllVoices()
	}
}

func (e *Engine) dispose() {
	e.stopAll()
	for id, instr := range e.instruments {
		instr.Dispose()
		delete(e.instruments, id)
	}
	e.samples.Dispose()
	e.clock.Stop()
	if e.player != nil {
		e.player.Close()
	}
}

func (e *Engine) publishActive() {
	seen := make(map[string]struct{})
	var ids []string
	for _, id := range e.samples.ActiveTrackIDs() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, id := range e.notes.ActiveTrackIDs() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	e.activeIDs.Store(&ids)
}

// --- application-side API; all methods below are safe from any goroutine ---

// Start attaches the transport to its tick source.
func (e *Engine) Start() { TrySend(e.broker.ToEngine, any(StartMsg{})) }

// Stop detaches the transport from its tick source.
func (e *Engine) Stop() { TrySend(e.broker.ToEngine, any(StopMsg{})) }

// Reset rewinds the transport to the beginning.
func (e *Engine) Reset() { TrySend(e.broker.ToEngine, any(ResetMsg{})) }

// SetBPM changes the tempo.
func (e *Engine) SetBPM(bpm float64) { TrySend(e.broker.ToEngine, any(SetBPMMsg{BPM: bpm})) }

// BPM returns the current tempo.
func (e *Engine) BPM() float64 { return e.clock.BPM() }

// Position returns the current transport position.
func (e *Engine) Position() tahti.TransportPosition { return e.clock.Position() }

// SetLoop sets and enables the transport loop region.
func (e *Engine) SetLoop(startBeats, endBeats float64) {
	TrySend(e.broker.ToEngine, any(SetLoopMsg{Start: startBeats, End: endBeats}))
}

// SetLoopEnabled toggles the transport loop.
func (e *Engine) SetLoopEnabled(enabled bool) {
	TrySend(e.broker.ToEngine, any(SetLoopEnabledMsg{Enabled: enabled}))
}

// ClearLoop disables and zeroes the transport loop.
func (e *Engine) ClearLoop() { TrySend(e.broker.ToEngine, any(ClearLoopMsg{})) }

// Loop returns the transport loop region.
func (e *Engine) Loop() tahti.LoopRegion { return e.clock.Loop() }

// SetPosition seeks the transport to the fractional beat.
func (e *Engine) SetPosition(beatFloat float64) {
	TrySend(e.broker.ToEngine, any(SetPositionMsg{BeatFloat: beatFloat}))
}

// NextLaunchTime returns the next quantized launch instant without emitting
// anything.
func (e *Engine) NextLaunchTime(quantize tahti.Quantize) (float64, error) {
	return e.clock.NextQuantizedInstant(quantize)
}

// LaunchClips computes one shared quantized instant for the batch and
// triggers every item at it.
func (e *Engine) LaunchClips(items []tahti.LaunchItem, quantize tahti.Quantize) {
	TrySend(e.broker.ToEngine, any(LaunchMsg{Items: items, Quantize: quantize}))
}

// LaunchScene switches scenes: the start items begin and the stop items
// end at one shared quantized instant, so the switch is aligned across
// tracks.
func (e *Engine) LaunchScene(starts, stops []tahti.LaunchItem, quantize tahti.Quantize) {
	items := make([]tahti.LaunchItem, 0, len(starts)+len(stops))
	items = append(items, starts...)
	for _, item := range stops {
		item.Stop = true
		items = append(items, item)
	}
	e.LaunchClips(items, quantize)
}

// LaunchClipsAt triggers the batch at a pre-computed instant, bypassing
// quantization.
func (e *Engine) LaunchClipsAt(items []tahti.LaunchItem, whenSec float64) {
	TrySend(e.broker.ToEngine, any(LaunchAtMsg{Items: items, WhenSec: whenSec}))
}

// PreloadSamples loads the batch, blocking the caller (never the
// scheduler), and reports per-item results.
func (e *Engine) PreloadSamples(list []PreloadRequest) []PreloadResult {
	return e.samples.PreloadSamples(list)
}

// StartAudioClip loads the sample if needed, blocking the caller until it
// is resident, then schedules playback at whenSec on the scheduler
// goroutine.
func (e *Engine) StartAudioClip(trackID string, clip tahti.AudioClip, whenSec float64) error {
	if _, err := e.samples.EnsureSample(trackID, clip.ID, clip.URL); err != nil {
		return err
	}
	TrySend(e.broker.ToEngine, any(StartAudioClipMsg{TrackID: trackID, Clip: clip, WhenSec: whenSec}))
	return nil
}

// StopAudioClip retires the track's audio clip immediately.
func (e *Engine) StopAudioClip(trackID string) {
	TrySend(e.broker.ToEngine, any(StopAudioClipMsg{TrackID: trackID}))
}

// ScheduleStopAudioClip retires the track's audio clip at the instant.
func (e *Engine) ScheduleStopAudioClip(trackID string, whenSec float64) {
	TrySend(e.broker.ToEngine, any(ScheduleStopAudioClipMsg{TrackID: trackID, WhenSec: whenSec}))
}

// StartNoteClipOneShot schedules the clip once at whenSec.
func (e *Engine) StartNoteClipOneShot(trackID string, clip tahti.NoteClip, whenSec float64) {
	TrySend(e.broker.ToEngine, any(StartNoteOneShotMsg{TrackID: trackID, Clip: clip, WhenSec: whenSec}))
}

// StartNoteClipLoop starts looped playback of the clip at whenSec,
// optionally offset into the loop.
func (e *Engine) StartNoteClipLoop(trackID string, clip tahti.NoteClip, whenSec, startOffsetBeats float64) {
	TrySend(e.broker.ToEngine, any(StartNoteLoopMsg{
		TrackID:          trackID,
		Clip:             clip,
		WhenSec:          whenSec,
		StartOffsetBeats: startOffsetBeats,
	}))
}

// RefreshNoteLoop picks up a live edit of a playing loop.
func (e *Engine) RefreshNoteLoop(trackID string, clip tahti.NoteClip) {
	TrySend(e.broker.ToEngine, any(RefreshNoteLoopMsg{TrackID: trackID, Clip: clip}))
}

// StopNoteClip stops the track's note clip.
func (e *Engine) StopNoteClip(trackID string) {
	TrySend(e.broker.ToEngine, any(StopNoteClipMsg{TrackID: trackID}))
}

// ConfigureInstrument (re)builds the track's instrument from the config.
func (e *Engine) ConfigureInstrument(trackID string, config tahti.InstrumentConfig) {
	TrySend(e.broker.ToEngine, any(ConfigureInstrumentMsg{TrackID: trackID, Config: config}))
}

// NoteOn previews or plays a single note on the track's instrument.
func (e *Engine) NoteOn(trackID string, pitch int, velocity float64, preview bool) {
	TrySend(e.broker.ToEngine, any(NoteOnMsg{TrackID: trackID, Pitch: pitch, Velocity: velocity, Preview: preview}))
}

// NoteOff releases a note started with NoteOn.
func (e *Engine) NoteOff(trackID string, pitch int) {
	TrySend(e.broker.ToEngine, any(NoteOffMsg{TrackID: trackID, Pitch: pitch}))
}

// StopAll stops every clip and sweeps all non-preview voices.
func (e *Engine) StopAll() { TrySend(e.broker.ToEngine, any(StopAllMsg{})) }

// ActiveTrackIDs returns the tracks that currently have an active clip.
func (e *Engine) ActiveTrackIDs() []string { return *e.activeIDs.Load() }

// Dispose shuts the scheduler down, stopping and releasing everything. It
// waits for the goroutine to finish, with a timeout so a wedged consumer
// cannot hang the caller forever.
func (e *Engine) Dispose() {
	if !e.started.Load() {
		return
	}
	TrySend(e.broker.CloseEngine, struct{}{})
	TimeoutReceive(e.broker.FinishedEngine, 3*time.Second)
}
