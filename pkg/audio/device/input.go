package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/tolk/pkg/audio"
)

// defaultFrameBuffer is the depth of the frame channel of an input stream.
// At miniaudio's default 10 ms period this holds a few seconds of audio.
const defaultFrameBuffer = 256

var _ audio.Source = (*Input)(nil)

// Input opens microphone streams on the default capture device.
type Input struct {
	dctx   *Context
	format audio.Format
}

// NewInput returns a [audio.Source] that requests format from the default
// capture device. miniaudio converts when the hardware differs.
func NewInput(dctx *Context, format audio.Format) *Input {
	return &Input{dctx: dctx, format: format}
}

// Open starts capturing. Errors wrap [audio.ErrDeviceUnavailable].
func (in *Input) Open(ctx context.Context) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := in.dctx.handle()
	if err != nil {
		return nil, fmt.Errorf("device: open input: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(in.format.Channels)
	cfg.SampleRate = uint32(in.format.SampleRate)

	s := &inputStream{
		frames: make(chan audio.AudioFrame, defaultFrameBuffer),
		format: in.format,
	}
	dev, err := malgo.InitDevice(mctx, cfg, malgo.DeviceCallbacks{Data: s.onData})
	if err != nil {
		return nil, fmt.Errorf("device: init capture: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	if sr := int(dev.SampleRate()); sr > 0 {
		s.format.SampleRate = sr
	}
	if ch := int(dev.CaptureChannels()); ch > 0 {
		s.format.Channels = ch
	}
	s.dev = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start capture: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	slog.Debug("capture device started", "format", s.format.String())
	return s, nil
}

// inputStream is a running capture device.
type inputStream struct {
	dev    *malgo.Device
	format audio.Format
	frames chan audio.AudioFrame

	mu      sync.Mutex
	closed  bool
	samples int64
	dropped sync.Once
}

func (s *inputStream) Frames() <-chan audio.AudioFrame { return s.frames }

func (s *inputStream) Format() audio.Format { return s.format }

// onData runs on the miniaudio thread.
func (s *inputStream) onData(_, input []byte, _ uint32) {
	if len(input) == 0 {
		return
	}
	samples := audio.BytesToInt16s(input)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	ts := time.Duration(s.samples) * time.Second / time.Duration(s.format.SampleRate*s.format.Channels)
	s.samples += int64(len(samples))

	frame := audio.AudioFrame{
		Samples:    samples,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  ts,
	}
	select {
	case s.frames <- frame:
	default:
		s.dropped.Do(func() {
			slog.Warn("capture consumer too slow, dropping frames")
		})
	}
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.dev.Stop()
	s.dev.Uninit()
	close(s.frames)
	if err != nil {
		return fmt.Errorf("device: stop capture: %w", err)
	}
	return nil
}
