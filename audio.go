package tahti

// SampleRate is the fixed sample rate of decoded sample buffers, matching
// the rate the playback adapters open their devices with.
const SampleRate = 44100

type (
	// AudioBuffer is a stereo buffer of interleaved left/right samples.
	AudioBuffer [][2]float32

	// PlayOptions modify a single scheduled sample playback.
	PlayOptions struct {
		Loop      bool
		FadeInSec float64
		OffsetSec float64
	}

	// PlaybackHandle controls one scheduled sample playback. Stop and StopAt
	// are idempotent and safe to call after playback has already ended.
	PlaybackHandle interface {
		Stop()
		StopAt(whenSec float64)
	}

	// SamplePlayer schedules decoded buffers for playback at an instant in
	// clock-source seconds. It is the boundary to the external audio graph;
	// the engine only ever hands it buffers that are fully resident.
	SamplePlayer interface {
		PlayBuffer(buf *AudioBuffer, whenSec float64, opts PlayOptions) (PlaybackHandle, error)
		Close() error
	}

	// AudioSink is a raw audio output, written as interleaved stereo floats.
	AudioSink interface {
		WriteAudio(buffer []float32) error
		Close() error
	}

	// AudioContext produces sinks for raw audio output.
	AudioContext interface {
		Output() AudioSink
		Close() error
	}
)
