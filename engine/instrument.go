package engine

import (
	"errors"
	"sort"

	"github.com/tahti-studio/tahti"
)

type (
	// PooledInstrument implements tahti.Instrument on top of a VoicePool.
	// Scheduled clips become pending note-on/note-off events fired from the
	// clock subscription when their instant passes; the render side of the
	// voice pool is therefore only ever touched inside the tick callback.
	PooledInstrument struct {
		clock       *TransportClock
		pool        *VoicePool
		destination string

		pending    []scheduledEvent
		nextClipID int
		sub        SubID
		subscribed bool
	}

	scheduledEvent struct {
		atSec    float64
		on       bool
		pitch    int
		velocity float64
		clipID   int
	}

	pooledClipHandle struct {
		instr  *PooledInstrument
		clipID int
		done   bool
	}
)

func NewPooledInstrument(clock *TransportClock, factory tahti.VoiceFactory, destination string, maxVoices int, releaseSec float64) *PooledInstrument {
	i := &PooledInstrument{
		clock:       clock,
		pool:        NewVoicePool(factory, clock.Now, maxVoices, releaseSec),
		destination: destination,
	}
	i.sub = clock.Subscribe(i.advance)
	i.subscribed = true
	return i
}

// Dispose cancels everything pending and detaches from the clock.
func (i *PooledInstrument) Dispose() {
	i.CancelPending()
	i.StopAllVoices()
	if i.subscribed {
		i.clock.Unsubscribe(i.sub)
		i.subscribed = false
	}
}

func (i *PooledInstrument) NoteOn(pitch int, velocity float64, destination string, preview bool) {
	if destination == "" {
		destination = i.destination
	}
	i.pool.NoteOn(pitch, velocity, destination, preview)
}

func (i *PooledInstrument) NoteOff(pitch int) { i.pool.NoteOff(pitch) }

// ScheduleClip schedules the notes relative to whenSec at the given tempo
// and returns a handle cancelling whatever has not fired yet.
func (i *PooledInstrument) ScheduleClip(notes []tahti.Note, whenSec float64, bpm float64) (tahti.ClipHandle, error) {
	if bpm <= 0 {
		return nil, errors.New("BPM should be > 0")
	}
	i.nextClipID++
	id := i.nextClipID
	secPerBeat := tahti.SecondsPerBeat(bpm)
	for _, n := range notes {
		on := whenSec + n.StartBeat*secPerBeat
		i.pending = append(i.pending,
			scheduledEvent{atSec: on, on: true, pitch: n.Pitch, velocity: n.Velocity, clipID: id},
			scheduledEvent{atSec: on + n.DurationBeats*secPerBeat, pitch: n.Pitch, clipID: id},
		)
	}
	return &pooledClipHandle{instr: i, clipID: id}, nil
}

// CancelPending drops every scheduled event that has not fired yet.
func (i *PooledInstrument) CancelPending() { i.pending = i.pending[:0] }

func (i *PooledInstrument) StopAllVoices() { i.pool.StopAllVoices() }

// advance fires the events whose instant has passed. Note-offs fire before
// note-ons of the same instant so a re-triggered pitch is not released by
// the tail of its predecessor.
func (i *PooledInstrument) advance(tahti.TransportPosition) {
	now := i.clock.Now()
	var due []scheduledEvent
	kept := i.pending[:0]
	for _, e := range i.pending {
		if e.atSec <= now {
			due = append(due, e)
		} else {
			kept = append(kept, e)
		}
	}
	i.pending = kept
	if len(due) == 0 {
		return
	}
	sort.SliceStable(due, func(a, b int) bool {
		if due[a].atSec != due[b].atSec {
			return due[a].atSec < due[b].atSec
		}
		return !due[a].on && due[b].on
	})
	for _, e := range due {
		if e.on {
			i.pool.NoteOn(e.pitch, e.velocity, i.destination, false)
		} else {
			i.pool.NoteOff(e.pitch)
		}
	}
}

// Stop removes the clip's pending events. Note-offs whose note-on has
// already fired are executed immediately so no note is left hanging.
// Idempotent.
func (h *pooledClipHandle) Stop() {
	if h.done {
		return
	}
	h.done = true
	i := h.instr
	onPending := make(map[int]int)
	for _, e := range i.pending {
		if e.clipID == h.clipID && e.on {
			onPending[e.pitch]++
		}
	}
	kept := i.pending[:0]
	for _, e := range i.pending {
		if e.clipID != h.clipID {
			kept = append(kept, e)
			continue
		}
		if !e.on {
			if onPending[e.pitch] > 0 {
				onPending[e.pitch]--
			} else {
				i.pool.NoteOff(e.pitch)
			}
		}
	}
	i.pending = kept
}
