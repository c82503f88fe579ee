package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tahti-studio/tahti"
	"github.com/tahti-studio/tahti/engine"
	"github.com/tahti-studio/tahti/engine/gomidi"
	"github.com/tahti-studio/tahti/oto"
	"github.com/tahti-studio/tahti/version"
)

func main() {
	configFile := flag.String("c", "", "Engine configuration .yml file; defaults are used when omitted.")
	quantizeName := flag.String("q", "bar", "Quantization of the clip launches: none, bar, beat, halves, quarters, eighths or sixteenths.")
	seconds := flag.Float64("t", 16, "How long to play, in seconds.")
	useMIDI := flag.Bool("m", false, "Drive the transport from the first MIDI input device instead of the internal ticker.")
	versionFlag := flag.Bool("v", false, "Print version.")
	help := flag.Bool("h", false, "Show help.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if flag.NArg() == 0 || *help {
		flag.Usage()
		os.Exit(0)
	}
	quantize, err := tahti.ParseQuantize(*quantizeName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	retval := 0
	for _, filename := range flag.Args() {
		if err := play(filename, *configFile, quantize, *seconds, *useMIDI); err != nil {
			fmt.Fprintf(os.Stderr, "could not play %v: %v\n", filename, err)
			retval = 1
		}
	}
	os.Exit(retval)
}

func play(filename, configFile string, quantize tahti.Quantize, seconds float64, useMIDI bool) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	project, err := tahti.ReadProject(f)
	f.Close()
	if err != nil {
		return err
	}
	cfg := tahti.DefaultEngineConfig()
	if configFile != "" {
		cf, err := os.Open(configFile)
		if err != nil {
			return err
		}
		cfg, err = tahti.ReadEngineConfig(cf)
		cf.Close()
		if err != nil {
			return err
		}
	}
	cfg.Time = project.Time
	cfg.BPM = project.BPM

	audioContext, err := oto.NewContext()
	if err != nil {
		return fmt.Errorf("could not acquire oto context: %w", err)
	}
	// the player and the synth schedule on the engine's clock, which does
	// not exist yet; the closure resolves it lazily
	var eng *engine.Engine
	now := func() float64 { return eng.Clock().Now() }

	var sourceFor func(*engine.Broker) engine.ClockSource
	if useMIDI {
		sourceFor = func(b *engine.Broker) engine.ClockSource {
			src := gomidi.NewClockSource(b, cfg.Time)
			opened := false
			src.InputDevices(func(d gomidi.RTMIDIDevice) bool {
				if err := d.Open(); err != nil {
					fmt.Fprintf(os.Stderr, "could not open MIDI input %v: %v\n", d, err)
					return true
				}
				fmt.Printf("transport driven by MIDI input %v\n", d)
				opened = true
				return false
			})
			if !opened {
				fmt.Fprintln(os.Stderr, "no MIDI input available, falling back to the internal ticker")
				return nil
			}
			return src
		}
	}
	eng, err = engine.NewEngine(cfg, sourceFor, &engine.HTTPSampleLoader{}, audioContext.Player(now), audioContext.Synth(now))
	if err != nil {
		return err
	}
	eng.Run()
	defer eng.Dispose()
	go printMessages(eng.Broker(), cfg.Time)

	var preloads []engine.PreloadRequest
	for _, track := range project.Tracks {
		if track.Instrument != nil {
			eng.ConfigureInstrument(track.ID, *track.Instrument)
		}
		for _, clip := range track.AudioClips {
			preloads = append(preloads, engine.PreloadRequest{TrackID: track.ID, ClipID: clip.ID, URL: clip.URL})
		}
	}
	for _, r := range eng.PreloadSamples(preloads) {
		if !r.Success {
			fmt.Fprintf(os.Stderr, "could not preload %v: %v\n", r.URL, r.Err)
		}
	}
	if project.Loop.Enabled {
		eng.SetLoop(project.Loop.StartBeats, project.Loop.EndBeats)
	}
	eng.Start()

	var items []tahti.LaunchItem
	for _, track := range project.Tracks {
		if len(track.NoteClips) > 0 {
			clip := track.NoteClips[0]
			items = append(items, tahti.LaunchItem{TrackID: track.ID, ClipID: clip.ID, Kind: tahti.ClipKindNote, Note: &clip})
		}
		if len(track.AudioClips) > 0 {
			clip := track.AudioClips[0]
			items = append(items, tahti.LaunchItem{TrackID: track.ID, ClipID: clip.ID, Kind: tahti.ClipKindAudio, Audio: &clip})
		}
	}
	eng.LaunchClips(items, quantize)
	time.Sleep(time.Duration(seconds * float64(time.Second)))
	eng.StopAll()
	return nil
}

// printMessages drains the model channel, printing alerts and the position
// once per bar.
func printMessages(broker *engine.Broker, ts tahti.TimeSignature) {
	lastBar := 0
	for msg := range broker.ToModel {
		if alert, ok := msg.Data.(engine.Alert); ok {
			fmt.Fprintf(os.Stderr, "%v: %v\n", alert.Name, alert.Message)
		}
		if msg.HasPosition && msg.Position.Bar != lastBar {
			lastBar = msg.Position.Bar
			fmt.Printf("bar %v\n", msg.Position.Bar)
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Tahti command line utility for playing .yml project files.\nUsage: %s [flags] [path ...]\n", os.Args[0])
	flag.PrintDefaults()
}
