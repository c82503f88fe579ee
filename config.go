package tahti

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// EngineConfig collects every scheduling tunable in one place. The values
// used to be constants scattered over the scheduler; they are configuration
// so that the tradeoffs they encode (jitter absorption vs. latency, restart
// audibility vs. edit fidelity) can be tuned per deployment.
type EngineConfig struct {
	Time TimeSignature `yaml:"time"`

	// BPM is the initial tempo; SetBPM changes it at runtime.
	BPM float64 `yaml:"bpm"`

	// LookaheadSec is the margin before a loop-cycle boundary within which
	// the next cycle is pre-scheduled. It must exceed the worst-case tick
	// jitter of the clock source; larger values delay how late live edits
	// can still affect the upcoming cycle.
	LookaheadSec float64 `yaml:"lookahead"`

	// ScheduleEpsilonSec is the minimum distance between two scheduled
	// cycle instants of the same loop. The lookahead fires on every tick,
	// far more often than cycle boundaries occur; anything closer than this
	// to the previously scheduled instant is the same boundary seen again.
	ScheduleEpsilonSec float64 `yaml:"scheduleepsilon"`

	// RefreshMinIntervalSec throttles live-refresh work under rapid edits.
	RefreshMinIntervalSec float64 `yaml:"refreshmininterval"`

	// BigDeltaBeats separates the two live-refresh tiers: loop-bound edits
	// moving start or end by more than this restart the loop from the
	// current phase (audible but correct); smaller edits only inject the
	// added notes and keep playback continuous.
	BigDeltaBeats float64 `yaml:"bigdelta"`

	// UnquantizedSafetySec is added to "now" for unquantized launches so a
	// consumer never receives an instant that is already in the past by the
	// time it acts on it.
	UnquantizedSafetySec float64 `yaml:"unquantizedsafety"`

	// LaunchSafetyMarginSec caps the forward clamp of quantized launch
	// instants; the effective margin is min(this, beat duration / 8).
	LaunchSafetyMarginSec float64 `yaml:"launchsafetymargin"`

	// StealReleaseSec is the forced release envelope applied to a stolen
	// voice; its generators are cut slightly after the release completes.
	StealReleaseSec float64 `yaml:"stealrelease"`

	// MinNoteDurationBeats is the residual duration enforced when notes are
	// truncated at a clip boundary, so no zero-length events are scheduled.
	MinNoteDurationBeats float64 `yaml:"minnoteduration"`

	// MaxVoices is the default per-instrument voice cap, used when an
	// instrument config does not set its own.
	MaxVoices int `yaml:"maxvoices"`

	// TickChannelCapacity bounds the channel between the clock source and
	// the scheduler. The source never blocks on it; if the scheduler falls
	// this many ticks behind, further ticks are dropped.
	TickChannelCapacity int `yaml:"tickchannelcapacity"`
}

// DefaultEngineConfig returns the tuning the engine ships with.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Time:                  TimeSignature{PPQ: 96, BeatsPerBar: 4},
		BPM:                   120,
		LookaheadSec:          0.1,
		ScheduleEpsilonSec:    0.001,
		RefreshMinIntervalSec: 0.05,
		BigDeltaBeats:         1.0 / 32,
		UnquantizedSafetySec:  0.005,
		LaunchSafetyMarginSec: 0.020,
		StealReleaseSec:       0.02,
		MinNoteDurationBeats:  1.0 / 64,
		MaxVoices:             16,
		TickChannelCapacity:   256,
	}
}

func (c *EngineConfig) Validate() error {
	if err := c.Time.Validate(); err != nil {
		return err
	}
	if c.BPM <= 0 {
		return fmt.Errorf("BPM should be > 0, got %v", c.BPM)
	}
	if c.LookaheadSec <= 0 {
		return fmt.Errorf("lookahead should be > 0, got %v", c.LookaheadSec)
	}
	if c.ScheduleEpsilonSec <= 0 || c.ScheduleEpsilonSec >= c.LookaheadSec {
		return fmt.Errorf("schedule epsilon should be in (0, lookahead), got %v", c.ScheduleEpsilonSec)
	}
	if c.BigDeltaBeats <= 0 {
		return fmt.Errorf("big delta should be > 0, got %v", c.BigDeltaBeats)
	}
	if c.MinNoteDurationBeats <= 0 {
		return fmt.Errorf("min note duration should be > 0, got %v", c.MinNoteDurationBeats)
	}
	if c.MaxVoices < 1 {
		return fmt.Errorf("max voices should be > 0, got %v", c.MaxVoices)
	}
	if c.TickChannelCapacity < 1 {
		return fmt.Errorf("tick channel capacity should be > 0, got %v", c.TickChannelCapacity)
	}
	return nil
}

// ReadEngineConfig reads a yaml engine config, filling unset fields from the
// defaults.
func ReadEngineConfig(r io.Reader) (EngineConfig, error) {
	c := DefaultEngineConfig()
	data, err := io.ReadAll(r)
	if err != nil {
		return c, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("could not parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
