package tahti

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type (
	// Project is the serialized form of a session: tempo, time signature,
	// transport loop and the per-track clips and instruments. The engine
	// itself never reads a Project; it is the cmd/UI layer's input format.
	Project struct {
		BPM    float64        `yaml:"bpm"`
		Time   TimeSignature  `yaml:"time"`
		Loop   LoopRegion     `yaml:"loop,omitempty"`
		Tracks []ProjectTrack `yaml:"tracks"`
	}

	ProjectTrack struct {
		ID         string            `yaml:"id"`
		Instrument *InstrumentConfig `yaml:"instrument,omitempty"`
		NoteClips  []NoteClip        `yaml:"noteclips,omitempty"`
		AudioClips []AudioClip       `yaml:"audioclips,omitempty"`
	}
)

func (p *Project) Validate() error {
	if err := p.Time.Validate(); err != nil {
		return err
	}
	if p.BPM <= 0 {
		return fmt.Errorf("BPM should be > 0, got %v", p.BPM)
	}
	seen := make(map[string]bool)
	for _, t := range p.Tracks {
		if t.ID == "" {
			return fmt.Errorf("track with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate track id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Instrument != nil {
			if err := t.Instrument.Validate(); err != nil {
				return fmt.Errorf("track %v: %w", t.ID, err)
			}
		}
		for _, c := range t.NoteClips {
			if c.LengthBeats <= 0 {
				return fmt.Errorf("track %v clip %v: length should be > 0, got %v", t.ID, c.ID, c.LengthBeats)
			}
		}
	}
	return nil
}

// ReadProject reads and validates a yaml project file.
func ReadProject(r io.Reader) (Project, error) {
	var p Project
	data, err := io.ReadAll(r)
	if err != nil {
		return p, fmt.Errorf("could not read project: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("could not parse project: %w", err)
	}
	if p.Time == (TimeSignature{}) {
		p.Time = DefaultEngineConfig().Time
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("invalid project: %w", err)
	}
	return p, nil
}
