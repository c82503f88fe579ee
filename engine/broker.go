package engine

import (
	"sync"
	"time"

	"github.com/tahti-studio/tahti"
)

type (
	// Broker carries all communication between the real-time clock source,
	// the scheduler goroutine and the application/model side. The clock
	// source writes into the bounded Ticks channel and never blocks: if the
	// scheduler falls a full channel behind, ticks are dropped rather than
	// stalling the source. The application sends commands into ToEngine; the
	// scheduler publishes position updates, launches and alerts into
	// ToModel. Additionally the broker pools note slices so that cycle
	// scheduling does not allocate a fresh slice on every loop boundary.
	//
	// For closing the scheduler goroutine, CloseEngine has a capacity of 1,
	// so requesting closure never blocks; a second request is dropped
	// because the goroutine is already closing. FinishedEngine is closed
	// (never sent to) when the goroutine has cleaned up, so waiting for
	// shutdown is "<-FinishedEngine", combined with a timeout if deadlocks
	// are a concern.
	Broker struct {
		Ticks    chan struct{}
		ToEngine chan any
		ToModel  chan MsgToModel

		CloseEngine    chan struct{}
		FinishedEngine chan struct{}

		notePool sync.Pool
	}
)

// NewBroker creates a broker with the tick channel bounded to capacity.
func NewBroker(tickCapacity int) *Broker {
	return &Broker{
		Ticks:          make(chan struct{}, tickCapacity),
		ToEngine:       make(chan any, 1024),
		ToModel:        make(chan MsgToModel, 1024),
		CloseEngine:    make(chan struct{}, 1),
		FinishedEngine: make(chan struct{}),
		notePool:       sync.Pool{New: func() any { return &[]tahti.Note{} }},
	}
}

// GetNoteBuffer returns an empty note slice from the pool. After the notes
// have been handed to an instrument, return it with PutNoteBuffer.
func (b *Broker) GetNoteBuffer() *[]tahti.Note {
	return b.notePool.Get().(*[]tahti.Note)
}

// PutNoteBuffer returns a note slice to the pool, resetting its length but
// keeping the capacity.
func (b *Broker) PutNoteBuffer(buf *[]tahti.Note) {
	if len(*buf) > 0 {
		*buf = (*buf)[:0]
	}
	b.notePool.Put(buf)
}

// TrySend is a helper function to send a value to a channel if it is not
// full. It is guaranteed to be non-blocking. Returns true if the value was
// sent, false otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive blocks until a value is received from the channel or until
// the timeout; ok is false on timeout or when the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
