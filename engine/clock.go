package engine

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/tahti-studio/tahti"
)

type (
	// TransportClock converts the raw tick stream into musical time. It owns
	// the TransportPosition and the transport-level loop region, computes
	// quantized trigger instants and fans out tick and launch notifications.
	//
	// AdvanceTick, SetBeatFloat, Subscribe/Unsubscribe and the launch
	// methods must only be called on the scheduler goroutine (or, in tests,
	// from a single goroutine). The getters and the tempo/loop setters are
	// safe from any goroutine: all cross-boundary state is published with
	// single atomic stores so a concurrent reader never observes a
	// half-written position or loop region.
	TransportClock struct {
		ts     tahti.TimeSignature
		cfg    tahti.EngineConfig
		source ClockSource

		pos     tahti.TransportPosition // canonical, scheduler goroutine only
		posPtr  atomic.Pointer[tahti.TransportPosition]
		loopPtr atomic.Pointer[tahti.LoopRegion]
		bpmBits atomic.Uint64
		running atomic.Bool

		// lastTickSec is the hardware-time reference of the most recent
		// tick; quantized instants are computed from it so that two calls at
		// the same position return the same instant.
		lastTickSec float64
		inTick      bool

		subs     registry[func(tahti.TransportPosition)]
		launches registry[func(tahti.LaunchEvent)]
	}

	// SubID is the token returned by Subscribe and OnLaunch. Tokens are
	// never reused, so removing one twice, or after the owning clip has
	// stopped, is a no-op.
	SubID struct{ id uint64 }

	registry[T any] struct {
		next    uint64
		entries []registryEntry[T]
	}

	registryEntry[T any] struct {
		id uint64
		fn T
	}
)

func (r *registry[T]) add(fn T) SubID {
	r.next++
	r.entries = append(r.entries, registryEntry[T]{id: r.next, fn: fn})
	return SubID{id: r.next}
}

// remove is copy-on-write so that removal from inside a notification
// callback does not disturb the fan-out iterating the old slice.
func (r *registry[T]) remove(token SubID) {
	for i, e := range r.entries {
		if e.id == token.id {
			entries := make([]registryEntry[T], 0, len(r.entries)-1)
			entries = append(entries, r.entries[:i]...)
			entries = append(entries, r.entries[i+1:]...)
			r.entries = entries
			return
		}
	}
}

// loopWrapEpsilon is the distance (in beats) from the loop end within which
// the playhead is considered to have reached it; half a tick, so a wrap is
// never missed between two tick advances.
func (c *TransportClock) loopWrapEpsilon() float64 {
	return 0.5 / float64(c.ts.PPQ)
}

func NewTransportClock(cfg tahti.EngineConfig, source ClockSource) *TransportClock {
	c := &TransportClock{ts: cfg.Time, cfg: cfg, source: source}
	c.pos = tahti.TransportPosition{Bar: 1, Beat: 1}
	c.publishPos()
	c.bpmBits.Store(math.Float64bits(cfg.BPM))
	return c
}

func (c *TransportClock) publishPos() {
	pos := c.pos
	c.posPtr.Store(&pos)
}

// Position returns the current transport position.
func (c *TransportClock) Position() tahti.TransportPosition { return *c.posPtr.Load() }

// BPM returns the current tempo.
func (c *TransportClock) BPM() float64 { return math.Float64frombits(c.bpmBits.Load()) }

// SetBPM changes the tempo. Valid whether or not the transport is running.
func (c *TransportClock) SetBPM(bpm float64) error {
	if bpm <= 0 {
		return fmt.Errorf("BPM should be > 0, got %v", bpm)
	}
	c.bpmBits.Store(math.Float64bits(bpm))
	c.source.SetTempo(bpm)
	return nil
}

// Loop returns the transport loop region.
func (c *TransportClock) Loop() tahti.LoopRegion {
	if l := c.loopPtr.Load(); l != nil {
		return *l
	}
	return tahti.LoopRegion{}
}

// SetLoop sets the transport loop region and enables it. The region is
// validated, not clamped: a programmer error like a negative loop length is
// rejected at this boundary.
func (c *TransportClock) SetLoop(startBeats, endBeats float64) error {
	l := tahti.LoopRegion{Enabled: true, StartBeats: startBeats, EndBeats: endBeats}
	if err := l.Validate(); err != nil {
		return err
	}
	c.loopPtr.Store(&l)
	return nil
}

// SetLoopEnabled toggles the loop without touching its bounds.
func (c *TransportClock) SetLoopEnabled(enabled bool) {
	l := c.Loop()
	l.Enabled = enabled
	c.loopPtr.Store(&l)
}

// ClearLoop disables and zeroes the loop region.
func (c *TransportClock) ClearLoop() { c.loopPtr.Store(&tahti.LoopRegion{}) }

// Running tells whether the transport is attached to its tick source.
func (c *TransportClock) Running() bool { return c.running.Load() }

// Start attaches the tick source. Starting an already running transport is a
// no-op.
func (c *TransportClock) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}
	c.lastTickSec = c.source.Now()
	if err := c.source.Start(); err != nil {
		c.running.Store(false)
		return fmt.Errorf("could not start clock source: %w", err)
	}
	return nil
}

// Stop detaches the tick source. Tempo and loop changes stay valid while
// stopped.
func (c *TransportClock) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := c.source.Stop(); err != nil {
		return fmt.Errorf("could not stop clock source: %w", err)
	}
	return nil
}

// Reset rewinds the musical position to the beginning and resets the source.
func (c *TransportClock) Reset() {
	c.source.Reset()
	c.pos = tahti.TransportPosition{Bar: 1, Beat: 1}
	c.publishPos()
}

// Subscribe registers a callback invoked synchronously after every tick
// advance, in subscription order. The callback must not advance the clock
// itself.
func (c *TransportClock) Subscribe(fn func(tahti.TransportPosition)) SubID {
	return c.subs.add(fn)
}

// Unsubscribe removes a tick subscription. Idempotent.
func (c *TransportClock) Unsubscribe(token SubID) { c.subs.remove(token) }

// OnLaunch registers a callback for launch events emitted by the batch
// launch methods.
func (c *TransportClock) OnLaunch(fn func(tahti.LaunchEvent)) SubID {
	return c.launches.add(fn)
}

// RemoveLaunchListener removes a launch subscription. Idempotent.
func (c *TransportClock) RemoveLaunchListener(token SubID) { c.launches.remove(token) }

// AdvanceTick processes one tick pulse from the clock source: it advances
// the position, wraps it at the loop end, and notifies every subscriber.
// Faults inside subscribers must not destabilize the tick path, so a
// subscriber attempting to re-enter AdvanceTick is ignored rather than
// recursing.
func (c *TransportClock) AdvanceTick() {
	if c.inTick {
		return
	}
	c.inTick = true
	defer func() { c.inTick = false }()

	c.lastTickSec = c.source.Now()
	c.pos.AbsoluteTicks++
	c.pos.Tick++
	if c.pos.Tick == c.ts.PPQ {
		c.pos.Tick = 0
		c.pos.Beat++
		if c.pos.Beat > c.ts.BeatsPerBar {
			c.pos.Beat = 1
			c.pos.Bar++
		}
	}
	if loop := c.Loop(); loop.Enabled {
		if bf := c.pos.BeatFloat(c.ts); bf >= loop.EndBeats-c.loopWrapEpsilon() {
			c.setBeatFloat(loop.StartBeats)
		}
	}
	c.publishPos()
	for _, e := range c.subs.entries {
		e.fn(c.pos)
	}
}

// BeatFloat returns the position as fractional beats since song start.
func (c *TransportClock) BeatFloat() float64 { return c.Position().BeatFloat(c.ts) }

// SetBeatFloat seeks the musical position. It is the single source of truth
// for loop jumps and manual seeks: bar, beat and tick are always restored
// together from the fractional beat, never patched individually, and
// AbsoluteTicks keeps counting monotonically through the jump.
func (c *TransportClock) SetBeatFloat(beat float64) {
	c.setBeatFloat(beat)
	c.publishPos()
}

func (c *TransportClock) setBeatFloat(beat float64) {
	p := tahti.PositionForBeatFloat(beat, c.ts)
	p.AbsoluteTicks = c.pos.AbsoluteTicks
	c.pos = p
}

// NextQuantizedInstant computes the instant, in clock-source seconds, of the
// next boundary of the given quantize size. The remaining distance is
// computed with modular arithmetic on ticks so repeated quantization never
// accumulates float drift; QuantizeNone returns now plus a fixed safety
// offset to avoid same-instant scheduling races.
func (c *TransportClock) NextQuantizedInstant(quantize tahti.Quantize) (float64, error) {
	if quantize == tahti.QuantizeNone {
		return c.source.Now() + c.cfg.UnquantizedSafetySec, nil
	}
	boundary, err := quantize.BoundaryTicks(c.ts)
	if err != nil {
		return 0, err
	}
	cur := c.Position().SongTicks(c.ts)
	remaining := (boundary - cur%boundary) % boundary
	return c.lastTickSec + float64(remaining)*c.ts.SecondsPerTick(c.BPM()), nil
}

// LaunchAtQuantizedInstant computes one shared instant for the whole batch
// and emits one launch event per item carrying it. If the boundary is closer
// than the safety margin to now, the instant is clamped forward so that no
// consumer ever receives an already-past instant. Returns the instant.
func (c *TransportClock) LaunchAtQuantizedInstant(items []tahti.LaunchItem, quantize tahti.Quantize) (float64, error) {
	when, err := c.NextQuantizedInstant(quantize)
	if err != nil {
		return 0, err
	}
	margin := math.Min(c.cfg.LaunchSafetyMarginSec, tahti.SecondsPerBeat(c.BPM())/8)
	if now := c.source.Now(); when < now+margin {
		when = now + margin
	}
	c.emitLaunches(items, when)
	return when, nil
}

// LaunchAtInstant bypasses quantization and emits the items at a
// pre-computed instant, e.g. a scene launch whose starts and stops must
// share one instant.
func (c *TransportClock) LaunchAtInstant(items []tahti.LaunchItem, whenSec float64) {
	c.emitLaunches(items, whenSec)
}

func (c *TransportClock) emitLaunches(items []tahti.LaunchItem, whenSec float64) {
	for _, item := range items {
		for _, e := range c.launches.entries {
			e.fn(tahti.LaunchEvent{Item: item, WhenSec: whenSec})
		}
	}
}

// Now returns the current clock-source time in seconds.
func (c *TransportClock) Now() float64 { return c.source.Now() }
