package engine

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/tahti-studio/tahti"
)

type (
	// ClockSource is the external tick source driving the transport. It
	// delivers discrete tick pulses at PPQ resolution into the broker's
	// bounded tick channel and accepts tempo and reset control. Now is the
	// source's monotonic time in seconds; every scheduling instant in the
	// engine is expressed on this clock.
	ClockSource interface {
		Start() error
		Stop() error
		SetTempo(bpm float64)
		Reset()
		Now() float64
	}

	// TickerSource is the default ClockSource, driving ticks from a
	// time.Ticker on its own goroutine. Tick delivery is non-blocking; when
	// the scheduler cannot keep up the ticks are dropped at the channel.
	TickerSource struct {
		broker  *Broker
		ts      tahti.TimeSignature
		origin  time.Time
		bpmBits atomic.Uint64
		retime  chan struct{}
		close   chan struct{}
		done    chan struct{}
		running atomic.Bool
	}
)

func NewTickerSource(broker *Broker, ts tahti.TimeSignature, bpm float64) *TickerSource {
	s := &TickerSource{
		broker: broker,
		ts:     ts,
		origin: time.Now(),
		retime: make(chan struct{}, 1),
	}
	s.bpmBits.Store(math.Float64bits(bpm))
	return s
}

func (s *TickerSource) Now() float64 { return time.Since(s.origin).Seconds() }

func (s *TickerSource) SetTempo(bpm float64) {
	if bpm <= 0 {
		return
	}
	s.bpmBits.Store(math.Float64bits(bpm))
	TrySend(s.retime, struct{}{})
}

func (s *TickerSource) Reset() {
	// nothing to rewind; the transport clock owns the musical position and
	// the monotonic origin must not jump under scheduled instants
}

func (s *TickerSource) tickInterval() time.Duration {
	bpm := math.Float64frombits(s.bpmBits.Load())
	return time.Duration(s.ts.SecondsPerTick(bpm) * float64(time.Second))
}

func (s *TickerSource) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	s.close = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
	return nil
}

func (s *TickerSource) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.close)
	<-s.done
	return nil
}

func (s *TickerSource) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.close:
			return
		case <-s.retime:
			ticker.Reset(s.tickInterval())
		case <-ticker.C:
			TrySend(s.broker.Ticks, struct{}{})
		}
	}
}
