package audio

import "time"

// IntegerPCM is a sequence of signed 16-bit samples. Every value is in
// [-32768, 32767] by construction.
type IntegerPCM []int16

// FloatPCM is a sequence of normalised samples. Values produced by [ToFloat]
// lie in [-1.0, 32767/32768].
type FloatPCM []float32

// AudioFrame represents a single frame of audio data flowing out of an input
// stream. Frames are the atomic unit the capture path works with: a device
// callback produces one, the recorder batches them into encoded chunks.
type AudioFrame struct {
	// Samples holds interleaved signed 16-bit PCM.
	Samples IntegerPCM

	// SampleRate in Hz (e.g., 24000 for the realtime API, 48000 for Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo. Samples are interleaved when > 1.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Buffer is a one-shot block of normalised PCM handed to a [Sink].
type Buffer struct {
	// Samples is interleaved float PCM. Its length is Frames()*Channels.
	Samples FloatPCM

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count. Playback uses mono.
	Channels int
}

// Frames returns the number of sample frames in b.
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}
