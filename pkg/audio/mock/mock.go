// Package mock provides in-memory mock implementations of the [audio.Source],
// [audio.Stream], and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Format{SampleRate: 24000, Channels: 1}, 8)
//	src := &mock.Source{Stream: stream}
//	sink := &mock.Sink{}
//	// ... drive the code under test, then:
//	stream.Emit(audio.AudioFrame{Samples: make(audio.IntegerPCM, 2400)})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tolk/pkg/audio"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Frames pushed with
// [Stream.Emit] are delivered on Frames until Close is called.
type Stream struct {
	mu     sync.Mutex
	format audio.Format
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream reporting format with a frame buffer of depth buf.
func NewStream(format audio.Format, buf int) *Stream {
	return &Stream{format: format, frames: make(chan audio.AudioFrame, buf)}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Emit delivers f on the Frames channel. It reports false if the stream is
// already closed. Emit blocks when the buffer is full.
func (s *Stream) Emit(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if f.SampleRate == 0 {
		f.SampleRate = s.format.SampleRate
	}
	if f.Channels == 0 {
		f.Channels = s.format.Channels
	}
	s.frames <- f
	return true
}

// Close implements [audio.Stream]. The Frames channel is closed on the first
// call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// Stream is returned by Open. When nil, Open creates a mono 24 kHz stream.
	Stream *Stream

	// OpenError is returned by Open instead of a stream when non-nil.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// Opened holds every stream handed out, in order.
	Opened []*Stream
}

// Open implements [audio.Source].
func (s *Source) Open(_ context.Context) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	st := s.Stream
	if st == nil || st.Closed() {
		st = NewStream(audio.Format{SampleRate: 24000, Channels: 1}, 64)
	}
	s.Stream = st
	s.Opened = append(s.Opened, st)
	return st, nil
}

// Current returns the most recently opened stream, or nil.
func (s *Source) Current() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Opened) == 0 {
		return nil
	}
	return s.Opened[len(s.Opened)-1]
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayError is returned by Play when non-nil. The buffer is still recorded.
	PlayError error

	// Played records every buffer passed to Play, in order.
	Played []audio.Buffer
}

// Play implements [audio.Sink].
func (s *Sink) Play(buf audio.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Played = append(s.Played, buf)
	return s.PlayError
}

// PlayCount returns the number of recorded Play calls.
func (s *Sink) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}
