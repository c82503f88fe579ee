package engine

import (
	"fmt"
	"math"

	"github.com/tahti-studio/tahti"
)

type (
	// NoteClipManager owns the lifecycle of note clips per track: one-shot
	// scheduling, cyclic rescheduling of looped clips and live refresh of a
	// playing loop while its notes are edited. All methods run on the
	// scheduler goroutine.
	NoteClipManager struct {
		clock  *TransportClock
		broker *Broker
		cfg    tahti.EngineConfig
		active map[string]*noteClip
	}

	noteClip struct {
		trackID string
		clipID  string
		instr   tahti.Instrument
		handles []tahti.ClipHandle
		loop    *loopCycleState
	}

	// loopCycleState is the ephemeral scheduling cache of one playing loop.
	// cycleStartSec is the absolute instant cycle 0 started (possibly in
	// the past when playback began mid-loop); the cycle grid is derived
	// from it by pure multiplication so cycle instants never accumulate
	// float drift.
	loopCycleState struct {
		sub        SubID
		subscribed bool

		cycleStartSec      float64
		cycleLengthSec     float64
		nextCycleIndex     int
		cycleNotes         []tahti.Note
		cycleBuf           *[]tahti.Note
		lastScheduledAtSec float64
		lastLoopStart      float64
		lastLoopEnd        float64
		lastRefreshSec     float64
		pendingRefresh     *tahti.NoteClip
		// bpm is frozen when the loop starts; a mid-loop tempo change takes
		// effect when the loop is restarted, because the absolute-seconds
		// cycle grid cannot shift under already scheduled events.
		bpm     float64
		oneOffs []tahti.ClipHandle
	}
)

// injectionTimeEpsilonBeats decides whether an injected note pitch-collides
// with a note already due: same pitch closer than this in time would sound
// doubled, so the injection is skipped.
const injectionTimeEpsilonBeats = 1.0 / 64

func NewNoteClipManager(clock *TransportClock, broker *Broker, cfg tahti.EngineConfig) *NoteClipManager {
	return &NoteClipManager{
		clock:  clock,
		broker: broker,
		cfg:    cfg,
		active: make(map[string]*noteClip),
	}
}

// StartOneShot schedules the clip once at whenSec. Notes crossing the clip
// boundary are truncated with a minimum residual duration so no zero-length
// events reach the voice pool. An active clip on the track is retired first.
func (m *NoteClipManager) StartOneShot(trackID string, instr tahti.Instrument, clip tahti.NoteClip, whenSec float64) error {
	if clip.LengthBeats <= 0 {
		return fmt.Errorf("clip %v has non-positive length %v", clip.ID, clip.LengthBeats)
	}
	m.Stop(trackID)
	notes := tahti.ClampNotes(clip.Notes, clip.LengthBeats, m.cfg.MinNoteDurationBeats)
	handle, err := instr.ScheduleClip(notes, whenSec, m.clock.BPM())
	if err != nil {
		return fmt.Errorf("could not schedule clip %v: %w", clip.ID, err)
	}
	m.active[trackID] = &noteClip{trackID: trackID, clipID: clip.ID, instr: instr, handles: []tahti.ClipHandle{handle}}
	return nil
}

// StartLoop starts looped playback of the clip at whenSec. A non-zero
// startOffsetBeats begins playback that far into the loop (legato start),
// producing a shortened first cycle; full cycles re-based to zero follow on
// the cycle grid, pre-scheduled within the lookahead window.
func (m *NoteClipManager) StartLoop(trackID string, instr tahti.Instrument, clip tahti.NoteClip, whenSec, startOffsetBeats float64) error {
	loop := clip.Loop.Sanitize()
	if err := loop.Validate(); err != nil {
		return fmt.Errorf("clip %v: %w", clip.ID, err)
	}
	m.Stop(trackID)
	return m.startLoop(trackID, instr, clip, loop, whenSec, startOffsetBeats)
}

func (m *NoteClipManager) startLoop(trackID string, instr tahti.Instrument, clip tahti.NoteClip, loop tahti.LoopRegion, whenSec, startOffsetBeats float64) error {
	bpm := m.clock.BPM()
	secPerBeat := tahti.SecondsPerBeat(bpm)
	loopLen := loop.LengthBeats()
	offset := math.Mod(startOffsetBeats, loopLen)
	if offset < 0 {
		offset += loopLen
	}

	// the cycle content is rescheduled on every loop boundary, so its
	// backing array comes from the broker's pool instead of a fresh
	// allocation per start
	buf := m.broker.GetNoteBuffer()
	*buf = append(*buf, m.cycleNotes(clip, loop)...)
	full := *buf
	first := tahti.SliceNotes(full, offset, loopLen)

	c := &noteClip{trackID: trackID, clipID: clip.ID, instr: instr}
	st := &loopCycleState{
		cycleStartSec:      whenSec - offset*secPerBeat,
		cycleLengthSec:     loopLen * secPerBeat,
		nextCycleIndex:     1,
		cycleNotes:         full,
		cycleBuf:           buf,
		lastScheduledAtSec: whenSec,
		lastLoopStart:      loop.StartBeats,
		lastLoopEnd:        loop.EndBeats,
		bpm:                bpm,
	}
	c.loop = st

	handle, err := instr.ScheduleClip(first, whenSec, bpm)
	if err != nil {
		m.broker.PutNoteBuffer(buf)
		return fmt.Errorf("could not schedule clip %v: %w", clip.ID, err)
	}
	c.handles = append(c.handles, handle)

	st.sub = m.clock.Subscribe(func(tahti.TransportPosition) { m.lookahead(c) })
	st.subscribed = true
	m.active[trackID] = c
	return nil
}

// cycleNotes extracts the loop region of the clip, re-based so that the
// loop start becomes zero and truncated at the loop end.
func (m *NoteClipManager) cycleNotes(clip tahti.NoteClip, loop tahti.LoopRegion) []tahti.Note {
	notes := tahti.SliceNotes(clip.Notes, loop.StartBeats, loop.EndBeats)
	return tahti.ClampNotes(notes, loop.LengthBeats(), m.cfg.MinNoteDurationBeats)
}

// lookahead runs on every tick, far more often than cycle boundaries occur.
// When the next cycle instant enters the lookahead window it schedules the
// next cycle using the current cycle content, so live edits are picked up,
// and advances the cycle index. The epsilon guard refuses to schedule an
// instant closer than ScheduleEpsilonSec to the previously scheduled one.
func (m *NoteClipManager) lookahead(c *noteClip) {
	st := c.loop
	if st == nil || !st.subscribed {
		return
	}
	now := m.clock.Now()
	if st.pendingRefresh != nil && now-st.lastRefreshSec >= m.cfg.RefreshMinIntervalSec {
		clip := *st.pendingRefresh
		st.pendingRefresh = nil
		st.lastRefreshSec = now
		m.applyRefresh(c.trackID, c, clip, now)
		if !st.subscribed {
			// the refresh restarted the loop; the new subscription owns it
			return
		}
	}
	next := st.cycleStartSec + float64(st.nextCycleIndex)*st.cycleLengthSec
	if now+m.cfg.LookaheadSec < next {
		return
	}
	if math.Abs(next-st.lastScheduledAtSec) <= m.cfg.ScheduleEpsilonSec {
		return
	}
	handle, err := c.instr.ScheduleClip(st.cycleNotes, next, st.bpm)
	if err != nil {
		return
	}
	c.handles = append(c.handles, handle)
	if len(c.handles) > 4 {
		// older cycles have fully sounded; dropping their handles just
		// forgets the already-fired events
		c.handles = append(c.handles[:0], c.handles[len(c.handles)-4:]...)
	}
	st.lastScheduledAtSec = next
	st.nextCycleIndex++
}

// Refresh is called on every note edit while a loop plays. Small edits keep
// playback continuous by injecting only the added notes; moving the loop
// bounds by more than BigDeltaBeats restarts the loop cleanly from the
// current phase, because patching the cycle grid underneath scheduled
// events cannot be done inaudibly. Refreshes are throttled to bound the
// diffing cost under rapid edits; a throttled refresh is stashed and
// applied from the lookahead once the interval has passed, so the last
// edit of a burst always lands.
func (m *NoteClipManager) Refresh(trackID string, clip tahti.NoteClip) error {
	c, ok := m.active[trackID]
	if !ok || c.loop == nil {
		return nil
	}
	st := c.loop
	now := m.clock.Now()
	if now-st.lastRefreshSec < m.cfg.RefreshMinIntervalSec {
		stash := clip
		st.pendingRefresh = &stash
		return nil
	}
	st.lastRefreshSec = now
	st.pendingRefresh = nil
	return m.applyRefresh(trackID, c, clip, now)
}

func (m *NoteClipManager) applyRefresh(trackID string, c *noteClip, clip tahti.NoteClip, now float64) error {
	st := c.loop
	loop := clip.Loop.Sanitize()
	deltaBeats := math.Max(
		math.Abs(loop.StartBeats-st.lastLoopStart),
		math.Abs(loop.EndBeats-st.lastLoopEnd),
	)
	if deltaBeats > m.cfg.BigDeltaBeats {
		return m.reinitLoop(trackID, c, clip, loop, now)
	}
	m.injectAdded(c, clip, loop, now)
	return nil
}

// reinitLoop cancels everything pending and restarts the loop from the
// phase the listener is currently hearing.
func (m *NoteClipManager) reinitLoop(trackID string, c *noteClip, clip tahti.NoteClip, loop tahti.LoopRegion, now float64) error {
	st := c.loop
	m.retire(c)
	secPerBeat := tahti.SecondsPerBeat(st.bpm)
	newLen := loop.LengthBeats()
	phaseBeats := math.Mod((now-st.cycleStartSec)/secPerBeat, newLen)
	if phaseBeats < 0 {
		phaseBeats += newLen
	}
	return m.startLoop(trackID, c.instr, clip, loop, now+m.cfg.UnquantizedSafetySec, phaseBeats)
}

// injectAdded diffs the edited cycle against the scheduled one by
// structural note key and schedules every added note still ahead of the
// current phase as a one-off at its absolute instant. Already scheduled
// notes are left untouched; removals take effect when the next full cycle
// is scheduled from the updated content.
func (m *NoteClipManager) injectAdded(c *noteClip, clip tahti.NoteClip, loop tahti.LoopRegion, now float64) {
	st := c.loop
	newNotes := m.cycleNotes(clip, loop)
	added := tahti.DiffNotes(st.cycleNotes, newNotes)

	secPerBeat := tahti.SecondsPerBeat(st.bpm)
	cycleBase := st.cycleStartSec + float64(st.nextCycleIndex-1)*st.cycleLengthSec
	phaseBeats := (now - cycleBase) / secPerBeat
	for _, n := range added {
		if n.StartBeat <= phaseBeats {
			continue // already behind the playhead; next cycle picks it up
		}
		if pitchCollides(st.cycleNotes, n, phaseBeats) {
			continue
		}
		at := cycleBase + n.StartBeat*secPerBeat
		oneOff := n
		oneOff.StartBeat = 0
		handle, err := c.instr.ScheduleClip([]tahti.Note{oneOff}, at, st.bpm)
		if err != nil {
			continue
		}
		st.oneOffs = append(st.oneOffs, handle)
	}
	*st.cycleBuf = append((*st.cycleBuf)[:0], newNotes...)
	st.cycleNotes = *st.cycleBuf
	st.lastLoopStart = loop.StartBeats
	st.lastLoopEnd = loop.EndBeats
}

// pitchCollides reports whether a note of the same pitch is already due at
// nearly the same time, in which case injecting would double the pitch.
func pitchCollides(scheduled []tahti.Note, n tahti.Note, phaseBeats float64) bool {
	for _, s := range scheduled {
		if s.Pitch != n.Pitch || s.StartBeat <= phaseBeats {
			continue
		}
		if math.Abs(s.StartBeat-n.StartBeat) < injectionTimeEpsilonBeats {
			return true
		}
	}
	return false
}

// retire cancels the clip's pending schedules and detaches its lookahead
// subscription, without touching sounding voices.
func (m *NoteClipManager) retire(c *noteClip) {
	if st := c.loop; st != nil {
		if st.subscribed {
			m.clock.Unsubscribe(st.sub)
			st.subscribed = false
		}
		for _, h := range st.oneOffs {
			h.Stop()
		}
		st.oneOffs = nil
		if st.cycleBuf != nil {
			m.broker.PutNoteBuffer(st.cycleBuf)
			st.cycleBuf = nil
			st.cycleNotes = nil
		}
	}
	for _, h := range c.handles {
		h.Stop()
	}
	c.handles = nil
}

// Stop unsubscribes the lookahead listener, cancels pending schedules and
// stops the track's instrument voices. Idempotent.
func (m *NoteClipManager) Stop(trackID string) {
	c, ok := m.active[trackID]
	if !ok {
		return
	}
	m.retire(c)
	c.instr.CancelPending()
	c.instr.StopAllVoices()
	delete(m.active, trackID)
}

// StopAll stops every track's note clip.
func (m *NoteClipManager) StopAll() {
	for trackID := range m.active {
		m.Stop(trackID)
	}
}

// ActiveTrackIDs returns the tracks with a playing note clip.
func (m *NoteClipManager) ActiveTrackIDs() []string {
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}
