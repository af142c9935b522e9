// Package mixer sums overlapping one-shot buffers into a single output
// stream, the way independent buffer sources share one speaker in a browser
// audio graph. A device callback pulls mixed samples with [Mixer.Read]; each
// [Mixer.Add] starts a new voice that plays once and is then dropped.
package mixer

import (
	"sync"

	"github.com/samber/lo"

	"github.com/MrWong99/tolk/pkg/audio"
)

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithOnEnded registers fn to be called once per voice after its last sample
// has been read. fn runs on the caller of Read (typically the audio thread)
// and must not block.
func WithOnEnded(fn func(id uint64)) Option {
	return func(m *Mixer) { m.onEnded = fn }
}

// voice is one buffer being played.
type voice struct {
	id      uint64
	samples audio.FloatPCM
	pos     int
}

// Mixer mixes mono voices at a fixed sample rate. All exported methods are
// safe for concurrent use.
type Mixer struct {
	rate    int
	onEnded func(id uint64)

	mu     sync.Mutex
	voices []*voice
	seq    uint64
}

// New creates a mono [Mixer] producing samples at rate Hz.
func New(rate int, opts ...Option) *Mixer {
	m := &Mixer{rate: rate}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SampleRate returns the output sample rate.
func (m *Mixer) SampleRate() int { return m.rate }

// Add starts playing buf immediately and returns the voice id. Multi-channel
// buffers are downmixed; buffers at another rate are resampled. An empty
// buffer is ignored and yields id 0.
func (m *Mixer) Add(buf audio.Buffer) uint64 {
	samples := buf.Samples
	if buf.Channels > 1 {
		samples = audio.Downmix(samples, buf.Channels)
	}
	if buf.SampleRate > 0 && buf.SampleRate != m.rate {
		samples = audio.Resample(samples, buf.SampleRate, m.rate)
	}
	if len(samples) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.voices = append(m.voices, &voice{id: m.seq, samples: samples})
	return m.seq
}

// Active returns the number of voices still playing.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Read fills out with the sum of all active voices, clamped to [-1, 1], and
// advances them. Positions with no active voice are silence. Finished voices
// are removed before Read returns.
func (m *Mixer) Read(out []float32) {
	clear(out)

	m.mu.Lock()
	var ended []uint64
	live := m.voices[:0]
	for _, v := range m.voices {
		n := copyAdd(out, v.samples[v.pos:])
		v.pos += n
		if v.pos >= len(v.samples) {
			ended = append(ended, v.id)
			continue
		}
		live = append(live, v)
	}
	clear(m.voices[len(live):])
	m.voices = live
	m.mu.Unlock()

	for i, s := range out {
		out[i] = lo.Clamp(s, -1, 1)
	}
	if m.onEnded != nil {
		for _, id := range ended {
			m.onEnded(id)
		}
	}
}

// copyAdd adds src into dst element-wise and returns the count consumed.
func copyAdd(dst []float32, src audio.FloatPCM) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] += src[i]
	}
	return n
}
