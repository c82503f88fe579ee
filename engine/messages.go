package engine

import (
	"time"

	"github.com/tahti-studio/tahti"
)

type (
	// MsgToModel is the message published to the model/UI side. The
	// frequently sent position fields are not boxed to avoid allocations;
	// infrequent messages (Alert, tahti.LaunchEvent) travel boxed in Data.
	MsgToModel struct {
		HasPosition bool
		Position    tahti.TransportPosition
		BeatFloat   float64

		Data any
	}

	// Alert is a diagnostic surfaced to the model side. The scheduler never
	// logs or blocks; anything worth reporting becomes an Alert sent with
	// TrySend.
	Alert struct {
		Name     string
		Message  string
		Priority AlertPriority
		Duration time.Duration
	}

	AlertPriority int
)

const (
	Notify AlertPriority = iota
	Warning
	Error
)

const defaultAlertDuration = 3 * time.Second

// Command messages sent to the scheduler goroutine via Broker.ToEngine. The
// Engine facade wraps them; they are exported so that an embedding
// application can drive the scheduler directly over the channel as well.
type (
	StartMsg  struct{}
	StopMsg   struct{}
	ResetMsg  struct{}
	SetBPMMsg struct{ BPM float64 }

	SetLoopMsg        struct{ Start, End float64 }
	SetLoopEnabledMsg struct{ Enabled bool }
	ClearLoopMsg      struct{}
	SetPositionMsg    struct{ BeatFloat float64 }

	LaunchMsg struct {
		Items    []tahti.LaunchItem
		Quantize tahti.Quantize
	}
	LaunchAtMsg struct {
		Items   []tahti.LaunchItem
		WhenSec float64
	}

	StartAudioClipMsg struct {
		TrackID string
		Clip    tahti.AudioClip
		WhenSec float64
	}
	StopAudioClipMsg         struct{ TrackID string }
	ScheduleStopAudioClipMsg struct {
		TrackID string
		WhenSec float64
	}

	StartNoteOneShotMsg struct {
		TrackID string
		Clip    tahti.NoteClip
		WhenSec float64
	}
	StartNoteLoopMsg struct {
		TrackID          string
		Clip             tahti.NoteClip
		WhenSec          float64
		StartOffsetBeats float64
	}
	RefreshNoteLoopMsg struct {
		TrackID string
		Clip    tahti.NoteClip
	}
	StopNoteClipMsg struct{ TrackID string }

	ConfigureInstrumentMsg struct {
		TrackID string
		Config  tahti.InstrumentConfig
	}

	NoteOnMsg struct {
		TrackID  string
		Pitch    int
		Velocity float64
		Preview  bool
	}
	NoteOffMsg struct {
		TrackID string
		Pitch   int
	}

	StopAllMsg struct{}
)
