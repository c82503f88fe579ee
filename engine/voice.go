package engine

import "github.com/tahti-studio/tahti"

type (
	// VoicePool owns a bounded set of playback voices for one instrument.
	// Allocation order: reuse a free slot, grow until the cap, then steal
	// the oldest active voice. Every trigger gets a fresh generator from the
	// factory, so re-triggering a sounding pitch never chokes it implicitly.
	//
	// All methods must be called from the scheduler goroutine.
	VoicePool struct {
		factory    tahti.VoiceFactory
		now        func() float64
		maxVoices  int
		releaseSec float64
		voices     []voiceSlot
	}

	voiceSlot struct {
		gen       tahti.SynthVoice
		pitch     int
		startedAt float64
		active    bool
		preview   bool
	}
)

// stopAfterReleaseSec is the margin past the forced release after which a
// stolen generator is cut, so the release envelope is never truncated.
const stopAfterReleaseSec = 0.005

func NewVoicePool(factory tahti.VoiceFactory, now func() float64, maxVoices int, releaseSec float64) *VoicePool {
	return &VoicePool{
		factory:    factory,
		now:        now,
		maxVoices:  maxVoices,
		releaseSec: releaseSec,
	}
}

// NoteOn allocates a voice and triggers it. A failing factory makes the note
// a no-op: a caller error must never destabilize the scheduling path.
func (p *VoicePool) NoteOn(pitch int, velocity float64, destination string, preview bool) {
	gen, err := p.factory.NewVoice(destination)
	if err != nil {
		return
	}
	now := p.now()
	slot := p.allocate(now)
	if slot < 0 {
		return
	}
	p.voices[slot] = voiceSlot{gen: gen, pitch: pitch, startedAt: now, active: true, preview: preview}
	gen.Trigger(pitch, velocity, now)
}

// allocate returns the index of the slot to use, stealing if needed.
func (p *VoicePool) allocate(now float64) int {
	for i := range p.voices {
		if !p.voices[i].active {
			return i
		}
	}
	if len(p.voices) < p.maxVoices {
		p.voices = append(p.voices, voiceSlot{})
		return len(p.voices) - 1
	}
	if len(p.voices) == 0 {
		return -1
	}
	// steal the oldest currently active voice: forced release, generators
	// cut slightly after the release completes, slot reused immediately
	oldest := 0
	for i := range p.voices {
		if p.voices[i].startedAt < p.voices[oldest].startedAt {
			oldest = i
		}
	}
	v := &p.voices[oldest]
	v.gen.Release(now)
	v.gen.Stop(now + p.releaseSec + stopAfterReleaseSec)
	v.active = false
	return oldest
}

// NoteOff releases the oldest active voice sounding the pitch. Only one
// voice is released per call so overlapping notes of the same pitch each
// need their own note-off.
func (p *VoicePool) NoteOff(pitch int) {
	now := p.now()
	found := -1
	for i := range p.voices {
		if !p.voices[i].active || p.voices[i].pitch != pitch {
			continue
		}
		if found < 0 || p.voices[i].startedAt < p.voices[found].startedAt {
			found = i
		}
	}
	if found < 0 {
		return
	}
	p.voices[found].gen.Release(now)
	p.voices[found].active = false
}

// StopAllVoices releases and cuts every active voice except previews, so
// that keyboard auditioning survives a transport stop.
func (p *VoicePool) StopAllVoices() {
	now := p.now()
	for i := range p.voices {
		if !p.voices[i].active || p.voices[i].preview {
			continue
		}
		p.voices[i].gen.Release(now)
		p.voices[i].gen.Stop(now + p.releaseSec + stopAfterReleaseSec)
		p.voices[i].active = false
	}
}

// ActiveVoices returns the number of currently sounding voices.
func (p *VoicePool) ActiveVoices() int {
	n := 0
	for i := range p.voices {
		if p.voices[i].active {
			n++
		}
	}
	return n
}
