package translator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/tolk/internal/observe"
	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/audio/codec"
	"github.com/MrWong99/tolk/pkg/audio/wavdump"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
)

var (
	// ErrCaptureBusy is returned by [Capture.Start] while a recording is in
	// progress or being flushed.
	ErrCaptureBusy = errors.New("translator: capture busy")

	// ErrDecodeFailure is returned by [Capture.Stop] when the recorded chunks
	// cannot be decoded. Nothing is sent in that case.
	ErrDecodeFailure = errors.New("translator: decode failure")

	// ErrNotConnected is returned when audio is ready to send but there is no
	// realtime session to send it to.
	ErrNotConnected = errors.New("translator: not connected")
)

// CaptureState is the state of the [Capture] state machine.
type CaptureState int32

const (
	// StateIdle means no input stream is open.
	StateIdle CaptureState = iota

	// StateRecording means chunks are being collected.
	StateRecording

	// StateFlushing means the stream is stopped and the collected chunks are
	// being decoded and sent.
	StateFlushing
)

// String returns the lower-case state name.
func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("CaptureState(%d)", int32(s))
	}
}

// CaptureOption is a functional option for [NewCapture].
type CaptureOption func(*Capture)

// WithChunkInterval sets how often the recorder emits an encoded chunk.
// Default: 100 ms.
func WithChunkInterval(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithCaptureMetrics records flush metrics on m.
func WithCaptureMetrics(m *observe.Metrics) CaptureOption {
	return func(c *Capture) { c.metrics = m }
}

// WithCaptureDump writes every sent utterance to d.
func WithCaptureDump(d *wavdump.Dumper) CaptureOption {
	return func(c *Capture) { c.dump = d }
}

// Capture records one utterance at a time from an [audio.Source] and, on
// Stop, sends it to a realtime session as a single AppendAudio followed by a
// single RequestResponse.
//
// Start, Append and Stop must be called from one goroutine (the dispatch
// loop). State may be read from any goroutine.
type Capture struct {
	source   audio.Source
	codec    codec.Codec
	interval time.Duration
	metrics  *observe.Metrics
	dump     *wavdump.Dumper

	state  atomic.Int32
	stream audio.Stream
	rec    *recorder
	chunks [][]byte
	conv   audio.FormatConverter
}

// NewCapture returns an idle Capture reading from src and encoding with cd.
func NewCapture(src audio.Source, cd codec.Codec, opts ...CaptureOption) *Capture {
	c := &Capture{
		source:   src,
		codec:    cd,
		interval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current state.
func (c *Capture) State() CaptureState { return CaptureState(c.state.Load()) }

func (c *Capture) setState(s CaptureState) { c.state.Store(int32(s)) }

// Start opens an input stream and begins recording. The returned channel
// delivers encoded chunks; the caller passes each to [Capture.Append].
//
// Start returns [ErrCaptureBusy] unless the state is Idle. An open failure
// is returned wrapping [audio.ErrDeviceUnavailable] and leaves the state Idle.
func (c *Capture) Start(ctx context.Context) (<-chan []byte, error) {
	if st := c.State(); st != StateIdle {
		return nil, fmt.Errorf("%w: %s", ErrCaptureBusy, st)
	}

	stream, err := c.source.Open(ctx)
	if err != nil {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		return nil, fmt.Errorf("translator: start capture: %w", err)
	}

	enc, err := c.codec.NewEncoder(stream.Format())
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("translator: start capture: %w", err)
	}

	c.stream = stream
	c.chunks = c.chunks[:0]
	c.rec = startRecorder(stream, enc, c.interval)
	c.setState(StateRecording)
	if c.metrics != nil {
		c.metrics.ActiveRecordings.Add(ctx, 1)
	}
	observe.Logger(ctx).Info("recording started",
		"format", stream.Format().String(),
		"codec", c.codec.Name(),
		"chunk_interval", c.interval)
	return c.rec.Chunks(), nil
}

// Append adds an encoded chunk to the current recording. Chunks are kept in
// call order. Empty chunks are ignored.
func (c *Capture) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.chunks = append(c.chunks, chunk)
}

// Stop ends the recording and sends it to sess. It is a no-op returning
// (0, nil) when not recording.
//
// The stream is closed, the recorder's final chunk is collected, and the
// chunks are concatenated, decoded, converted to mono at the session's input
// rate, and sent. When nothing was recorded, nothing is sent. A decode
// failure is returned wrapping [ErrDecodeFailure]. In every case the state
// is Idle and the chunk buffer is empty when Stop returns.
//
// Stop returns the number of samples sent.
func (c *Capture) Stop(ctx context.Context, sess realtime.Session) (n int, err error) {
	if c.State() != StateRecording {
		return 0, nil
	}
	c.setState(StateFlushing)

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "capture.flush")
	defer func() {
		span.SetAttributes(
			attribute.Int("chunks", len(c.chunks)),
			attribute.Int("samples", n),
		)
		observe.EndSpan(span, err)

		c.chunks = c.chunks[:0]
		c.stream = nil
		c.rec = nil
		c.setState(StateIdle)
		if c.metrics != nil {
			c.metrics.ActiveRecordings.Add(ctx, -1)
		}
	}()

	log := observe.Logger(ctx)
	format := c.stream.Format()
	if cerr := c.stream.Close(); cerr != nil {
		log.Warn("close input stream", "err", cerr)
	}
	for chunk := range c.rec.Chunks() {
		c.Append(chunk)
	}

	if len(c.chunks) == 0 {
		log.Info("recording stopped, nothing captured")
		return 0, nil
	}

	dec, err := c.codec.NewDecoder(format)
	if err != nil {
		return 0, c.decodeFailed(ctx, err)
	}
	pcm, err := dec.Decode(bytes.Join(c.chunks, nil))
	if err != nil {
		return 0, c.decodeFailed(ctx, err)
	}
	if len(pcm) == 0 {
		log.Info("recording stopped, no samples decoded", "chunks", len(c.chunks))
		return 0, nil
	}
	if sess == nil {
		return 0, ErrNotConnected
	}

	rate := sess.InputSampleRate()
	c.conv.Target = audio.Format{SampleRate: rate, Channels: 1}
	mono := c.conv.Convert(pcm, format)
	if len(mono) == 0 {
		log.Info("recording stopped, shorter than one frame", "chunks", len(c.chunks))
		return 0, nil
	}
	samples := audio.ToInteger(mono)

	if _, derr := c.dump.Capture(samples, rate); derr != nil {
		log.Warn("dump capture", "err", derr)
	}

	log.Info("sending audio", "samples", len(samples), "duration", audio.Buffer{
		Samples: mono, SampleRate: rate, Channels: 1,
	}.Duration())
	if err := sess.AppendAudio(ctx, samples); err != nil {
		return 0, fmt.Errorf("translator: append audio: %w", err)
	}
	if err := sess.RequestResponse(ctx); err != nil {
		return len(samples), fmt.Errorf("translator: request response: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordUtterance(ctx, len(samples))
		c.metrics.FlushDuration.Record(ctx, time.Since(start).Seconds())
	}
	return len(samples), nil
}

func (c *Capture) decodeFailed(ctx context.Context, err error) error {
	if c.metrics != nil {
		c.metrics.DecodeFailures.Add(ctx, 1)
	}
	return fmt.Errorf("%w: %w", ErrDecodeFailure, err)
}
