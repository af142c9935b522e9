// Package wavdump writes captured utterances and rendered responses to WAV
// files for offline inspection.
package wavdump

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/tolk/pkg/audio"
)

const (
	bitDepth      = 16
	wavFormatPCM  = 1
	filePerm      = 0o644
	directoryPerm = 0o755
)

// unsafeName matches characters not allowed in dump file names.
var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Dumper writes numbered WAV files into a directory. A nil *Dumper is valid
// and discards everything, so callers need not check whether dumping is on.
type Dumper struct {
	dir     string
	capture atomic.Uint64
}

// New creates dir if needed and returns a Dumper writing into it.
func New(dir string) (*Dumper, error) {
	if err := os.MkdirAll(dir, directoryPerm); err != nil {
		return nil, fmt.Errorf("wavdump: create %q: %w", dir, err)
	}
	return &Dumper{dir: dir}, nil
}

// Capture writes an outbound utterance as capture-<n>.wav and returns the path.
func (d *Dumper) Capture(pcm audio.IntegerPCM, rate int) (string, error) {
	if d == nil {
		return "", nil
	}
	n := d.capture.Add(1)
	path := filepath.Join(d.dir, fmt.Sprintf("capture-%04d.wav", n))
	return path, WriteFile(path, pcm, rate, 1)
}

// Response writes a rendered response as response-<id>.wav and returns the path.
func (d *Dumper) Response(id string, pcm audio.IntegerPCM, rate int) (string, error) {
	if d == nil {
		return "", nil
	}
	path := filepath.Join(d.dir, "response-"+unsafeName.ReplaceAllString(id, "_")+".wav")
	return path, WriteFile(path, pcm, rate, 1)
}

// WriteFile encodes interleaved PCM16 as a WAV file at path.
func WriteFile(path string, pcm audio.IntegerPCM, rate, channels int) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("wavdump: create %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("wavdump: close %q: %w", path, cerr)
		}
	}()

	enc := wav.NewEncoder(f, rate, bitDepth, channels, wavFormatPCM)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavdump: encode %q: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavdump: finalise %q: %w", path, err)
	}
	return nil
}

// ReadFile decodes a PCM16 WAV file written by [WriteFile].
func ReadFile(path string) (audio.IntegerPCM, audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavdump: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("wavdump: %q is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavdump: decode %q: %w", path, err)
	}
	pcm := make(audio.IntegerPCM, len(buf.Data))
	for i, v := range buf.Data {
		pcm[i] = int16(v)
	}
	return pcm, audio.Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}, nil
}
