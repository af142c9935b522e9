// Package audio defines the sample formats, conversions, and device
// interfaces used by the tolk capture and playback pipelines.
//
// The two device abstractions are:
//
//   - [Source]: opens a live input stream (a microphone) and delivers
//     [AudioFrame] values until it is stopped.
//   - [Sink]: accepts one-shot [Buffer] values and renders them immediately.
//
// Concrete implementations live in audio/device (miniaudio via malgo) and
// audio/mock (in-memory doubles for tests). The Sample Codec ([ToFloat],
// [ToInteger]) is the only part of this package with numeric semantics.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when no input or output device exists or
// access to it was denied.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Stream is a live input stream returned by [Source.Open].
//
// Frames is closed after Close returns or when the underlying device fails.
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the channel on which captured frames arrive, in capture
	// order.
	Frames() <-chan AudioFrame

	// Format reports the native format the device actually delivers. It may
	// differ from what was requested.
	Format() Format

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Source opens input streams. Open returns an error wrapping
// [ErrDeviceUnavailable] when no device can be acquired.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Sink renders one-shot buffers. Play starts playback immediately and
// returns without waiting for it to finish. Overlapping buffers are mixed.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Play(buf Buffer) error
}

// SinkFunc adapts an ordinary function to the [Sink] interface.
type SinkFunc func(buf Buffer) error

// Play calls f(buf).
func (f SinkFunc) Play(buf Buffer) error { return f(buf) }
