package tahti

import "fmt"

type (
	// InstrumentKind tags the InstrumentConfig union.
	InstrumentKind int

	// InstrumentConfig is a tagged union: Kind tells which payload pointer is
	// set. Dispatch on Kind with a switch; Payload() returns the active
	// payload for generic handling.
	InstrumentConfig struct {
		Kind        InstrumentKind     `yaml:"kind"`
		SimpleSynth *SimpleSynthConfig `yaml:"simplesynth,omitempty"`
		DualSynth   *DualSynthConfig   `yaml:"dualsynth,omitempty"`
		Sampler     *SamplerConfig     `yaml:"sampler,omitempty"`
		DrumMachine *DrumMachineConfig `yaml:"drummachine,omitempty"`
	}

	SimpleSynthConfig struct {
		Waveform   string  `yaml:"waveform"`
		AttackSec  float64 `yaml:"attack"`
		DecaySec   float64 `yaml:"decay"`
		Sustain    float64 `yaml:"sustain"`
		ReleaseSec float64 `yaml:"release"`
		MaxVoices  int     `yaml:"maxvoices"`
	}

	DualSynthConfig struct {
		OscA      SimpleSynthConfig `yaml:"osca"`
		OscB      SimpleSynthConfig `yaml:"oscb"`
		Mix       float64           `yaml:"mix"`
		DetuneSt  float64           `yaml:"detune"`
		MaxVoices int               `yaml:"maxvoices"`
	}

	SamplerConfig struct {
		URL       string `yaml:"url"`
		RootPitch int    `yaml:"rootpitch"`
		MaxVoices int    `yaml:"maxvoices"`
	}

	DrumMachineConfig struct {
		// Kit maps a pitch to the sample URL triggered by that pitch.
		Kit       map[int]string `yaml:"kit"`
		MaxVoices int            `yaml:"maxvoices"`
	}
)

const (
	SimpleSynth InstrumentKind = iota
	DualSynth
	Sampler
	DrumMachine
)

var instrumentKindNames = [...]string{"simplesynth", "dualsynth", "sampler", "drummachine"}

func (k InstrumentKind) String() string {
	if k < 0 || int(k) >= len(instrumentKindNames) {
		return fmt.Sprintf("instrument(%d)", int(k))
	}
	return instrumentKindNames[k]
}

// Payload returns the payload matching Kind, or nil if the union is
// inconsistent.
func (c InstrumentConfig) Payload() any {
	switch c.Kind {
	case SimpleSynth:
		if c.SimpleSynth != nil {
			return *c.SimpleSynth
		}
	case DualSynth:
		if c.DualSynth != nil {
			return *c.DualSynth
		}
	case Sampler:
		if c.Sampler != nil {
			return *c.Sampler
		}
	case DrumMachine:
		if c.DrumMachine != nil {
			return *c.DrumMachine
		}
	}
	return nil
}

// MaxVoices returns the configured polyphony cap of the active payload, or 0
// if unset.
func (c InstrumentConfig) MaxVoices() int {
	switch p := c.Payload().(type) {
	case SimpleSynthConfig:
		return p.MaxVoices
	case DualSynthConfig:
		return p.MaxVoices
	case SamplerConfig:
		return p.MaxVoices
	case DrumMachineConfig:
		return p.MaxVoices
	}
	return 0
}

func (c InstrumentConfig) Validate() error {
	if c.Payload() == nil {
		return fmt.Errorf("instrument config of kind %v is missing its payload", c.Kind)
	}
	count := 0
	for _, set := range []bool{c.SimpleSynth != nil, c.DualSynth != nil, c.Sampler != nil, c.DrumMachine != nil} {
		if set {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("instrument config should carry exactly one payload, got %d", count)
	}
	return nil
}

type (
	// Instrument is the contract the clip engine consumes to produce notes.
	// Implementations own a voice pool; the engine never touches voices
	// directly. ScheduleClip schedules every note of the list relative to
	// whenSec (clock-source seconds), converting beats to seconds at the
	// given tempo, and returns a handle that cancels whatever has not yet
	// sounded.
	Instrument interface {
		NoteOn(pitch int, velocity float64, destination string, preview bool)
		NoteOff(pitch int)
		ScheduleClip(notes []Note, whenSec float64, bpm float64) (ClipHandle, error)
		CancelPending()
		StopAllVoices()
	}

	// ClipHandle cancels a scheduled clip. Stop is idempotent.
	ClipHandle interface {
		Stop()
	}

	// SynthVoice is one playback voice created by a VoiceFactory. All times
	// are clock-source seconds; implementations translate them to their own
	// rendering clock. Stop after Release cuts the sound generators; calling
	// either on an already stopped voice is a no-op.
	SynthVoice interface {
		Trigger(pitch int, velocity float64, whenSec float64)
		Release(whenSec float64)
		Stop(whenSec float64)
	}

	// VoiceFactory creates voices routed to a destination in the external
	// audio graph.
	VoiceFactory interface {
		NewVoice(destination string) (SynthVoice, error)
	}

	// InstrumentProvider turns a declarative instrument config into a voice
	// factory. It is the boundary to the external synthesis layer.
	InstrumentProvider interface {
		Voices(config InstrumentConfig) (VoiceFactory, error)
	}
)
