package oto

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/tahti-studio/tahti"
)

type (
	// SynthProvider is a small built-in synthesis layer for the CLI: it
	// turns SimpleSynth and DualSynth configs into oscillator voices
	// rendered through oto stream players. It is not meant to replace a
	// real synthesis engine; Sampler and DrumMachine configs belong to an
	// external provider and are rejected here.
	SynthProvider struct {
		context *oto.Context
		now     func() float64
	}

	oscVoiceFactory struct {
		provider *SynthProvider
		oscs     []oscillator
	}

	oscillator struct {
		cfg      tahti.SimpleSynthConfig
		gain     float64
		detuneSt float64
	}

	// oscVoice renders its oscillators with an ADSR envelope. Trigger,
	// Release and Stop run on the scheduler goroutine while Read runs on
	// oto's pull goroutine, so the envelope instants cross over as atomic
	// sample counts.
	oscVoice struct {
		factory *oscVoiceFactory
		player  *oto.Player
		now     func() float64

		freqs    []float64
		velocity float64

		// sample index at which release/stop begin, relative to stream
		// start; math.MaxInt64 while not yet set. frame is the render
		// position, advanced by Read and read back by frameAt.
		releaseFrame atomic.Int64
		stopFrame    atomic.Int64
		frame        atomic.Int64

		mu      sync.Mutex
		timer   *time.Timer
		stopped bool

		phases   []float64
		envLevel float64
	}
)

func (c *OtoContext) Synth(now func() float64) *SynthProvider {
	return &SynthProvider{context: c.context, now: now}
}

func (p *SynthProvider) Voices(config tahti.InstrumentConfig) (tahti.VoiceFactory, error) {
	switch cfg := config.Payload().(type) {
	case tahti.SimpleSynthConfig:
		return &oscVoiceFactory{provider: p, oscs: []oscillator{{cfg: cfg, gain: 1}}}, nil
	case tahti.DualSynthConfig:
		return &oscVoiceFactory{provider: p, oscs: []oscillator{
			{cfg: cfg.OscA, gain: 1 - cfg.Mix},
			{cfg: cfg.OscB, gain: cfg.Mix, detuneSt: cfg.DetuneSt},
		}}, nil
	}
	return nil, fmt.Errorf("instrument kind %v is not supported by the oto synth", config.Kind)
}

// NewVoice ignores the destination; the oto adapter has a single stereo
// output and no routing graph.
func (f *oscVoiceFactory) NewVoice(destination string) (tahti.SynthVoice, error) {
	v := &oscVoice{
		factory: f,
		now:     f.provider.now,
		phases:  make([]float64, len(f.oscs)),
	}
	v.releaseFrame.Store(math.MaxInt64)
	v.stopFrame.Store(math.MaxInt64)
	v.player = f.provider.context.NewPlayer(v)
	return v, nil
}

func pitchToFreq(pitch int) float64 {
	return 440 * math.Pow(2, float64(pitch-69)/12)
}

func (v *oscVoice) Trigger(pitch int, velocity float64, whenSec float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped || v.timer != nil {
		return
	}
	v.velocity = velocity
	v.freqs = v.freqs[:0]
	for _, osc := range v.factory.oscs {
		v.freqs = append(v.freqs, pitchToFreq(pitch)*math.Pow(2, osc.detuneSt/12))
	}
	delay := time.Duration((whenSec - v.now()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	v.timer = time.AfterFunc(delay, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if !v.stopped {
			v.player.Play()
		}
	})
}

// frameAt converts a scheduling instant to a frame index relative to stream
// start, so the envelope transitions land sample-accurately inside Read.
func (v *oscVoice) frameAt(whenSec float64) int64 {
	delta := (whenSec - v.now()) * tahti.SampleRate
	f := v.frame.Load() + int64(delta)
	if f < 0 {
		f = 0
	}
	return f
}

func (v *oscVoice) Release(whenSec float64) {
	if v.releaseFrame.Load() != math.MaxInt64 {
		return
	}
	v.releaseFrame.Store(v.frameAt(whenSec))
}

func (v *oscVoice) Stop(whenSec float64) {
	f := v.frameAt(whenSec)
	if f <= v.frame.Load() {
		v.shutdown()
		return
	}
	v.stopFrame.Store(f)
}

func (v *oscVoice) shutdown() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	if v.timer != nil {
		v.timer.Stop()
	}
	v.player.Pause()
	v.player.Close()
}

// Read renders 16-bit LE stereo frames. The envelope level is advanced per
// sample so a release starting mid-attack ramps down from wherever the
// attack got to, without clicks.
func (v *oscVoice) Read(p []byte) (int, error) {
	release := v.releaseFrame.Load()
	stop := v.stopFrame.Load()
	osc0 := v.factory.oscs[0].cfg
	attackFrames := osc0.AttackSec * tahti.SampleRate
	decayFrames := osc0.DecaySec * tahti.SampleRate
	releaseFrames := osc0.ReleaseSec * tahti.SampleRate
	n := 0
	frame := v.frame.Load()
	for n+4 <= len(p) {
		if frame >= stop {
			v.frame.Store(frame)
			return v.finish(n)
		}
		var env float64
		if frame >= release {
			rel := float64(frame - release)
			if releaseFrames <= 0 || rel >= releaseFrames {
				v.frame.Store(frame)
				return v.finish(n)
			}
			env = v.envLevel * (1 - rel/releaseFrames)
		} else {
			f := float64(frame)
			switch {
			case attackFrames > 0 && f < attackFrames:
				env = f / attackFrames
			case decayFrames > 0 && f < attackFrames+decayFrames:
				env = 1 - (1-osc0.Sustain)*(f-attackFrames)/decayFrames
			default:
				env = osc0.Sustain
			}
			v.envLevel = env
		}
		var sample float64
		for i, osc := range v.factory.oscs {
			sample += osc.gain * waveform(osc.cfg.Waveform, v.phases[i])
			v.phases[i] += v.freqs[i] / tahti.SampleRate
			if v.phases[i] >= 1 {
				v.phases[i] -= 1
			}
		}
		s := int16(sample * env * v.velocity * math.MaxInt16 / 2)
		p[n] = byte(s & 255)
		p[n+1] = byte(s >> 8)
		p[n+2] = byte(s & 255)
		p[n+3] = byte(s >> 8)
		n += 4
		frame++
	}
	v.frame.Store(frame)
	return n, nil
}

// finish ends the stream and disposes the player. The close happens on a
// fresh goroutine because oto calls Read with its own lock held.
func (v *oscVoice) finish(n int) (int, error) {
	go v.shutdown()
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func waveform(name string, phase float64) float64 {
	switch name {
	case "square":
		if phase < 0.5 {
			return 1
		}
		return -1
	case "saw":
		return 2*phase - 1
	case "triangle":
		if phase < 0.5 {
			return 4*phase - 1
		}
		return 3 - 4*phase
	}
	return math.Sin(2 * math.Pi * phase)
}
