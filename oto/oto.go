package oto

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/tahti-studio/tahti"
)

type (
	// OtoContext wraps the process-wide oto audio context. Players it
	// creates implement the SamplePlayer contract: decoded float32 buffers
	// are rendered to 16-bit LE up front and streamed by oto at their
	// scheduled instant.
	OtoContext struct {
		context *oto.Context
	}

	// OtoSamplePlayer schedules pre-rendered buffers on the oto context.
	// The engine's scheduling instants are on the clock source's time base,
	// so the player needs the same Now to convert instants to delays.
	OtoSamplePlayer struct {
		context *oto.Context
		now     func() float64

		mu      sync.Mutex
		handles []*otoPlaybackHandle
		closed  bool
	}

	otoPlaybackHandle struct {
		now func() float64

		mu      sync.Mutex
		player  *oto.Player
		start   *time.Timer
		stop    *time.Timer
		stopped bool
	}
)

func NewContext() (*OtoContext, error) {
	context, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   tahti.SampleRate,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create oto context: %w", err)
	}
	<-ready
	return &OtoContext{context: context}, nil
}

// Player returns a SamplePlayer scheduling on the given time base, which
// must be the engine clock source's Now.
func (c *OtoContext) Player(now func() float64) *OtoSamplePlayer {
	return &OtoSamplePlayer{context: c.context, now: now}
}

// PlayBuffer renders the buffer with the playback options applied and arms
// a timer for the scheduled instant. Instants already in the past start
// immediately.
func (p *OtoSamplePlayer) PlayBuffer(buf *tahti.AudioBuffer, whenSec float64, opts tahti.PlayOptions) (tahti.PlaybackHandle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("player is closed")
	}
	p.mu.Unlock()
	data := renderBuffer(buf, opts)
	if len(data) == 0 {
		return nil, fmt.Errorf("no audio to play: offset %v s is past the end of the sample", opts.OffsetSec)
	}
	var src io.Reader
	if opts.Loop {
		src = &loopReader{data: data}
	} else {
		src = &onceReader{data: data}
	}
	h := &otoPlaybackHandle{now: p.now, player: p.context.NewPlayer(src)}
	delay := time.Duration((whenSec - p.now()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	h.start = time.AfterFunc(delay, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.stopped {
			h.player.Play()
		}
	})
	p.mu.Lock()
	p.handles = append(p.handles, h)
	if len(p.handles) > 64 {
		kept := p.handles[:0]
		for _, old := range p.handles {
			if !old.done() {
				kept = append(kept, old)
			}
		}
		p.handles = kept
	}
	p.mu.Unlock()
	return h, nil
}

func (p *OtoSamplePlayer) Close() error {
	p.mu.Lock()
	handles := p.handles
	p.handles = nil
	p.closed = true
	p.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
	return nil
}

func (h *otoPlaybackHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	h.start.Stop()
	if h.stop != nil {
		h.stop.Stop()
	}
	h.player.Pause()
	h.player.Close()
}

func (h *otoPlaybackHandle) StopAt(whenSec float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if h.stop != nil {
		h.stop.Stop()
	}
	delay := time.Duration((whenSec - h.now()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	h.stop = time.AfterFunc(delay, h.Stop)
}

func (h *otoPlaybackHandle) done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped || (!h.player.IsPlaying() && h.player.BufferedSize() == 0)
}

// renderBuffer applies offset and fade-in and converts the stereo floats to
// the interleaved 16-bit LE stream oto consumes.
func renderBuffer(buf *tahti.AudioBuffer, opts tahti.PlayOptions) []byte {
	frames := *buf
	offset := int(opts.OffsetSec * tahti.SampleRate)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(frames) {
		return nil
	}
	frames = frames[offset:]
	fadeFrames := int(opts.FadeInSec * tahti.SampleRate)
	floats := make([]float32, 0, len(frames)*2)
	for i, frame := range frames {
		gain := float32(1)
		if i < fadeFrames {
			gain = float32(i) / float32(fadeFrames)
		}
		floats = append(floats, frame[0]*gain, frame[1]*gain)
	}
	return FloatBufferTo16BitLE(floats, nil)
}

type (
	onceReader struct {
		data []byte
		pos  int
	}

	loopReader struct {
		data []byte
		pos  int
	}
)

func (r *onceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *loopReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if r.pos >= len(r.data) {
			r.pos = 0
		}
		c := copy(p[n:], r.data[r.pos:])
		r.pos += c
		n += c
	}
	return n, nil
}
