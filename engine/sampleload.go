package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"

	"github.com/viterin/vek/vek32"

	"github.com/tahti-studio/tahti"
)

type (
	// SampleLoader fetches and decodes a sample into a stereo float32
	// buffer. Loading happens on application goroutines, never on the tick
	// path; the scheduler only ever sees fully resident buffers.
	SampleLoader interface {
		Load(url string) (*tahti.AudioBuffer, error)
	}

	// HTTPSampleLoader loads .wav samples over http(s) or from the local
	// filesystem for plain paths. Decoded buffers are peak-normalized so
	// hot recordings do not clip when clips are layered.
	HTTPSampleLoader struct {
		Client *http.Client
	}
)

func (l *HTTPSampleLoader) Load(url string) (*tahti.AudioBuffer, error) {
	data, err := l.fetch(url)
	if err != nil {
		return nil, fmt.Errorf("could not fetch sample %v: %w", url, err)
	}
	buf, err := DecodeWav(data)
	if err != nil {
		return nil, fmt.Errorf("could not decode sample %v: %w", url, err)
	}
	return buf, nil
}

func (l *HTTPSampleLoader) fetch(url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return os.ReadFile(url)
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %v", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// DecodeWav decodes a RIFF/WAVE file (16-bit PCM or 32-bit float, mono or
// stereo, at the engine's fixed sample rate) into a stereo buffer,
// normalized to at most unit peak.
func DecodeWav(data []byte) (*tahti.AudioBuffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF/WAVE file")
	}
	var (
		format      uint16
		numChannels uint16
		sampleRate  uint32
		bitsPerSmp  uint16
		sampleData  []byte
		haveFmt     bool
	)
	for pos := 12; pos+8 <= len(data); {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %v bytes", size)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			numChannels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			sampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			bitsPerSmp = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true
		case "data":
			sampleData = data[body : body+size]
		}
		pos = body + size
		if size%2 == 1 {
			pos++ // chunks are word aligned
		}
	}
	if !haveFmt || sampleData == nil {
		return nil, fmt.Errorf("missing fmt or data chunk")
	}
	if numChannels < 1 || numChannels > 2 {
		return nil, fmt.Errorf("unsupported channel count %v", numChannels)
	}
	// the engine has no resampler; a mismatched rate would play silently
	// detuned at the fixed output rate
	if sampleRate != tahti.SampleRate {
		return nil, fmt.Errorf("unsupported sample rate %v, expected %v", sampleRate, tahti.SampleRate)
	}
	var samples []float32
	switch {
	case format == 1 && bitsPerSmp == 16:
		samples = make([]float32, len(sampleData)/2)
		for i := range samples {
			v := int16(binary.LittleEndian.Uint16(sampleData[i*2 : i*2+2]))
			samples[i] = float32(v) / math.MaxInt16
		}
	case format == 3 && bitsPerSmp == 32:
		samples = make([]float32, len(sampleData)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(sampleData[i*4 : i*4+4]))
		}
	default:
		return nil, fmt.Errorf("unsupported wav format %v with %v bits per sample", format, bitsPerSmp)
	}
	normalize(samples)
	frames := len(samples) / int(numChannels)
	buf := make(tahti.AudioBuffer, frames)
	if numChannels == 1 {
		for i := 0; i < frames; i++ {
			buf[i] = [2]float32{samples[i], samples[i]}
		}
	} else {
		for i := 0; i < frames; i++ {
			buf[i] = [2]float32{samples[i*2], samples[i*2+1]}
		}
	}
	return &buf, nil
}

// normalize scales the samples down to unit peak; quieter samples are left
// untouched.
func normalize(samples []float32) {
	if len(samples) == 0 {
		return
	}
	tmp := make([]float32, len(samples))
	vek32.Abs_Into(tmp, samples)
	if peak := vek32.Max(tmp); peak > 1 {
		vek32.MulNumber_Inplace(samples, 1/peak)
	}
}
