package tahti

type (
	// ClipKind tells whether a clip plays a decoded sample buffer or
	// schedules notes into an instrument.
	ClipKind int

	// NoteClip is the declarative content of a note clip, supplied by the
	// project model and read-only for the engine. LengthBeats bounds
	// one-shot playback; Loop is the clip-local loop region used when the
	// clip is launched looping.
	NoteClip struct {
		ID          string     `yaml:"id"`
		LengthBeats float64    `yaml:"length"`
		Loop        LoopRegion `yaml:"loop"`
		Notes       []Note     `yaml:"notes,flow"`
	}

	// AudioClip is the declarative content of a sample clip. The URL is
	// fetched and decoded once per (track, clip) and pooled.
	AudioClip struct {
		ID        string  `yaml:"id"`
		URL       string  `yaml:"url"`
		Loop      bool    `yaml:"loop"`
		FadeInSec float64 `yaml:"fadein"`
		OffsetSec float64 `yaml:"offset"`
	}

	// LaunchItem is one entry of a batch launch. All items of a batch share
	// the same computed instant so that scene starts and stops line up. Stop
	// items retire the track's active clip at the instant instead of
	// starting one.
	LaunchItem struct {
		TrackID          string
		ClipID           string
		Kind             ClipKind
		Stop             bool
		Note             *NoteClip
		Audio            *AudioClip
		StartOffsetBeats float64
	}

	// LaunchEvent is emitted by the transport clock for every item of a
	// batch launch, carrying the shared instant in clock-source seconds.
	LaunchEvent struct {
		Item    LaunchItem
		WhenSec float64
	}
)

const (
	ClipKindAudio ClipKind = iota
	ClipKindNote
)

func (k ClipKind) String() string {
	switch k {
	case ClipKindAudio:
		return "audio"
	case ClipKindNote:
		return "note"
	}
	return "unknown"
}
