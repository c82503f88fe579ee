package tahti_test

import (
	"testing"

	"github.com/tahti-studio/tahti"
)

func TestInstrumentConfigPayload(t *testing.T) {
	c := tahti.InstrumentConfig{
		Kind:    tahti.Sampler,
		Sampler: &tahti.SamplerConfig{URL: "kick.wav", RootPitch: 60, MaxVoices: 4},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	p, ok := c.Payload().(tahti.SamplerConfig)
	if !ok {
		t.Fatalf("payload has wrong type: %T", c.Payload())
	}
	if p.URL != "kick.wav" {
		t.Errorf("payload url = %v, expected kick.wav", p.URL)
	}
	if c.MaxVoices() != 4 {
		t.Errorf("MaxVoices() = %v, expected 4", c.MaxVoices())
	}
}

func TestInstrumentConfigValidate(t *testing.T) {
	missing := tahti.InstrumentConfig{Kind: tahti.DrumMachine}
	if err := missing.Validate(); err == nil {
		t.Errorf("expected an error for a missing payload")
	}
	mismatched := tahti.InstrumentConfig{
		Kind:      tahti.SimpleSynth,
		DualSynth: &tahti.DualSynthConfig{},
	}
	if err := mismatched.Validate(); err == nil {
		t.Errorf("expected an error when the payload does not match the kind")
	}
	double := tahti.InstrumentConfig{
		Kind:        tahti.SimpleSynth,
		SimpleSynth: &tahti.SimpleSynthConfig{},
		DualSynth:   &tahti.DualSynthConfig{},
	}
	if err := double.Validate(); err == nil {
		t.Errorf("expected an error for two payloads")
	}
}

func TestInstrumentKindString(t *testing.T) {
	if got := tahti.DrumMachine.String(); got != "drummachine" {
		t.Errorf("DrumMachine.String() = %q, expected drummachine", got)
	}
	if got := tahti.InstrumentKind(9).String(); got != "instrument(9)" {
		t.Errorf("invalid kind string = %q", got)
	}
}
