package gomidi

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/tahti-studio/tahti"
	"github.com/tahti-studio/tahti/engine"
)

type (
	// RTMIDIClockSource drives the transport from hardware MIDI realtime
	// messages instead of a local ticker. Each TimingClock pulse (24 per
	// quarter note) is expanded to the transport's PPQ resolution and
	// forwarded into the broker's bounded tick channel; Start/Continue and
	// Stop gate the forwarding so a stopped external sequencer freezes the
	// transport.
	RTMIDIClockSource struct {
		broker             *engine.Broker
		driver             *rtmididrv.Driver
		currentIn          drivers.In
		inputDevices       []RTMIDIDevice
		devicesInitialized bool

		origin        time.Time
		ticksPerClock int
		running       atomic.Bool
	}

	RTMIDIDevice struct {
		context *RTMIDIClockSource
		in      drivers.In
	}
)

const midiClocksPerBeat = 24

// NewClockSource opens the rtmidi driver. A missing driver is not an error
// here; it surfaces when a device is opened.
func NewClockSource(broker *engine.Broker, ts tahti.TimeSignature) *RTMIDIClockSource {
	s := &RTMIDIClockSource{
		broker:        broker,
		origin:        time.Now(),
		ticksPerClock: ts.PPQ / midiClocksPerBeat,
	}
	if s.ticksPerClock < 1 {
		s.ticksPerClock = 1
	}
	// there's not much we can do if this fails, so just use s.driver = nil
	// to indicate no driver available
	s.driver, _ = rtmididrv.New()
	return s
}

func (s *RTMIDIClockSource) InputDevices(yield func(RTMIDIDevice) bool) {
	if s.devicesInitialized {
		for _, device := range s.inputDevices {
			if !yield(device) {
				break
			}
		}
		return
	}
	if s.driver == nil {
		return
	}
	ins, err := s.driver.Ins()
	if err != nil {
		return
	}
	for _, in := range ins {
		device := RTMIDIDevice{context: s, in: in}
		s.inputDevices = append(s.inputDevices, device)
		if !yield(device) {
			break
		}
	}
	s.devicesInitialized = true
}

// Open an input device while closing the currently open if necessary.
func (d RTMIDIDevice) Open() error {
	s := d.context
	if s.currentIn == d.in {
		return nil
	}
	if s.driver == nil {
		return errors.New("no driver available")
	}
	if s.currentIn != nil && s.currentIn.IsOpen() {
		s.currentIn.Close()
	}
	s.currentIn = d.in
	if err := d.in.Open(); err != nil {
		s.currentIn = nil
		return fmt.Errorf("opening MIDI input failed: %w", err)
	}
	if _, err := midi.ListenTo(d.in, s.HandleMessage, midi.UseTimeCode()); err != nil {
		d.in.Close()
		s.currentIn = nil
		return fmt.Errorf("listening to MIDI input failed: %w", err)
	}
	return nil
}

func (d RTMIDIDevice) String() string { return d.in.String() }

func (s *RTMIDIClockSource) HandleMessage(msg midi.Message, timestampms int32) {
	switch {
	case msg.Is(midi.TimingClockMsg):
		if !s.running.Load() {
			return
		}
		for i := 0; i < s.ticksPerClock; i++ {
			engine.TrySend(s.broker.Ticks, struct{}{})
		}
	case msg.Is(midi.StartMsg), msg.Is(midi.ContinueMsg):
		s.running.Store(true)
	case msg.Is(midi.StopMsg):
		s.running.Store(false)
	}
}

func (s *RTMIDIClockSource) Now() float64 { return time.Since(s.origin).Seconds() }

func (s *RTMIDIClockSource) Start() error {
	s.running.Store(true)
	return nil
}

func (s *RTMIDIClockSource) Stop() error {
	s.running.Store(false)
	return nil
}

// SetTempo is a no-op; the external sequencer owns the tempo and the
// transport just counts its pulses.
func (s *RTMIDIClockSource) SetTempo(bpm float64) {}

func (s *RTMIDIClockSource) Reset() {}

func (s *RTMIDIClockSource) Close() {
	if s.driver == nil {
		return
	}
	if s.currentIn != nil && s.currentIn.IsOpen() {
		s.currentIn.Close()
	}
	s.driver.Close()
}
