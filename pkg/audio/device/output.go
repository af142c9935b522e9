package device

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/audio/mixer"
)

var _ audio.Sink = (*Output)(nil)

// Output is a running mono playback device. Buffers passed to Play start
// immediately and overlap with anything already playing.
type Output struct {
	dev    *malgo.Device
	mix    *mixer.Mixer
	floats []float32

	mu     sync.Mutex
	closed bool
}

// OpenOutput starts the default playback device at rate Hz, mono float32.
// Errors wrap [audio.ErrDeviceUnavailable].
func OpenOutput(dctx *Context, rate int, opts ...mixer.Option) (*Output, error) {
	mctx, err := dctx.handle()
	if err != nil {
		return nil, fmt.Errorf("device: open output: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(rate)

	o := &Output{mix: mixer.New(rate, opts...)}
	dev, err := malgo.InitDevice(mctx, cfg, malgo.DeviceCallbacks{Data: o.onData})
	if err != nil {
		return nil, fmt.Errorf("device: init playback: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start playback: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	o.dev = dev
	return o, nil
}

// Play implements [audio.Sink].
func (o *Output) Play(buf audio.Buffer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("device: play: %w", errClosed)
	}
	o.mix.Add(buf)
	return nil
}

// Active returns the number of buffers still playing.
func (o *Output) Active() int { return o.mix.Active() }

// onData runs on the miniaudio thread and renders one period.
func (o *Output) onData(output, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if cap(o.floats) < n {
		o.floats = make([]float32, n)
	}
	buf := o.floats[:n]
	o.mix.Read(buf)
	for i, s := range buf {
		binary.LittleEndian.PutUint32(output[i*4:], math.Float32bits(s))
	}
}

// Close stops playback and releases the device. Calling Close more than once
// is safe and returns nil.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	err := o.dev.Stop()
	o.dev.Uninit()
	if err != nil {
		return fmt.Errorf("device: stop playback: %w", err)
	}
	return nil
}
