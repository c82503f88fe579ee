package tahti

import "math"

type (
	// Note is one note of a note clip. StartBeat is relative to the start of
	// the clip, DurationBeats is the length of the note and Velocity is in
	// [0, 1]. Notes are immutable once handed to the scheduler; edits produce
	// a new note list.
	Note struct {
		Pitch         int     `yaml:"pitch"`
		StartBeat     float64 `yaml:"start"`
		DurationBeats float64 `yaml:"duration"`
		Velocity      float64 `yaml:"velocity"`
	}

	// NoteKey is the structural identity of a note, used to diff an edited
	// loop cycle against the previously scheduled one. Times, durations and
	// velocities are quantized so that float noise from the editor does not
	// make every note look new.
	NoteKey struct {
		Pitch    int
		Start    int64
		Duration int64
		Velocity int64
	}
)

// noteKeyQuantum is the quantization step of NoteKey in beats (and in
// velocity units); two notes closer than this in every field are considered
// the same note.
const noteKeyQuantum = 1.0 / 1024

// Key returns the structural key of the note.
func (n Note) Key() NoteKey {
	return NoteKey{
		Pitch:    n.Pitch,
		Start:    int64(math.Round(n.StartBeat / noteKeyQuantum)),
		Duration: int64(math.Round(n.DurationBeats / noteKeyQuantum)),
		Velocity: int64(math.Round(n.Velocity / noteKeyQuantum)),
	}
}

// ClampNotes truncates notes crossing the end of the clip to lengthBeats and
// drops notes starting at or after it. Truncated notes keep at least
// minDuration so no zero-length events reach the voice pool.
func ClampNotes(notes []Note, lengthBeats, minDuration float64) []Note {
	ret := make([]Note, 0, len(notes))
	for _, n := range notes {
		if n.StartBeat >= lengthBeats || n.StartBeat < 0 {
			continue
		}
		if end := n.StartBeat + n.DurationBeats; end > lengthBeats {
			n.DurationBeats = lengthBeats - n.StartBeat
		}
		if n.DurationBeats < minDuration {
			n.DurationBeats = minDuration
		}
		ret = append(ret, n)
	}
	return ret
}

// SliceNotes returns the notes with fromBeat <= StartBeat < toBeat, re-based
// so that fromBeat becomes zero. It is used to split a looped clip into the
// possibly partial first cycle and the full cycle.
func SliceNotes(notes []Note, fromBeat, toBeat float64) []Note {
	ret := make([]Note, 0, len(notes))
	for _, n := range notes {
		if n.StartBeat < fromBeat || n.StartBeat >= toBeat {
			continue
		}
		n.StartBeat -= fromBeat
		ret = append(ret, n)
	}
	return ret
}

// DiffNotes returns the notes of the new list whose structural key does not
// appear in the old list. Unchanged and removed notes are not reported;
// removals are picked up when the next full cycle is scheduled.
func DiffNotes(oldNotes, newNotes []Note) []Note {
	seen := make(map[NoteKey]struct{}, len(oldNotes))
	for _, n := range oldNotes {
		seen[n.Key()] = struct{}{}
	}
	var added []Note
	for _, n := range newNotes {
		if _, ok := seen[n.Key()]; !ok {
			added = append(added, n)
		}
	}
	return added
}
