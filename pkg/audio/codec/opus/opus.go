// Package opus implements [codec.Codec] with libopus via layeh.com/gopus.
//
// Samples are encoded in fixed 20 ms frames. Each Opus packet is written to
// the stream with a two-byte big-endian length prefix so that chunks can be
// concatenated and split again without a container format. The final frame
// of a recording is zero-padded to the full frame size.
package opus

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/audio/codec"
)

// Name is the configuration name of this codec.
const Name = "opus"

const (
	frameDurationMs = 20
	// maxPacketBytes is the recommended upper bound for a single Opus packet.
	maxPacketBytes = 4000
)

// Codec is the Opus [codec.Codec]. The zero value uses libopus' default
// bitrate.
type Codec struct {
	// Bitrate in bits per second. Zero keeps the encoder default.
	Bitrate int
}

var _ codec.Codec = Codec{}

// Name implements [codec.Codec].
func (Codec) Name() string { return Name }

// frameSize returns the number of samples per channel in one frame.
func frameSize(f audio.Format) int {
	return f.SampleRate * frameDurationMs / 1000
}

func validate(f audio.Format) error {
	switch f.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("opus: unsupported channel count %d", f.Channels)
	}
	return nil
}

// NewEncoder implements [codec.Codec].
func (c Codec) NewEncoder(f audio.Format) (codec.Encoder, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if c.Bitrate > 0 {
		enc.SetBitrate(c.Bitrate)
	}
	return &encoder{
		enc:       enc,
		frameSize: frameSize(f),
		channels:  f.Channels,
	}, nil
}

// NewDecoder implements [codec.Codec].
func (Codec) NewDecoder(f audio.Format) (codec.Decoder, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &decoder{dec: dec, frameSize: frameSize(f)}, nil
}

// encoder buffers samples until a full frame is available.
type encoder struct {
	enc       *gopus.Encoder
	frameSize int
	channels  int
	pending   audio.IntegerPCM
}

func (e *encoder) Encode(pcm audio.IntegerPCM) ([]byte, error) {
	e.pending = append(e.pending, pcm...)
	n := e.frameSize * e.channels

	var out []byte
	for len(e.pending) >= n {
		pkt, err := e.enc.Encode(e.pending[:n], e.frameSize, maxPacketBytes)
		if err != nil {
			return out, fmt.Errorf("opus: encode: %w", err)
		}
		out = appendPacket(out, pkt)
		e.pending = e.pending[n:]
	}
	// Compact so the backing array does not grow without bound.
	e.pending = append(audio.IntegerPCM(nil), e.pending...)
	return out, nil
}

func (e *encoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make(audio.IntegerPCM, e.frameSize*e.channels)
	copy(frame, e.pending)
	e.pending = nil
	pkt, err := e.enc.Encode(frame, e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return appendPacket(nil, pkt), nil
}

func appendPacket(dst, pkt []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(pkt)))
	return append(dst, pkt...)
}

type decoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func (d *decoder) Decode(data []byte) (audio.FloatPCM, error) {
	var pcm audio.IntegerPCM
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated packet header at offset %d", codec.ErrCorrupt, off)
		}
		size := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if size == 0 || off+size > len(data) {
			return nil, fmt.Errorf("%w: packet of %d bytes at offset %d overruns stream", codec.ErrCorrupt, size, off)
		}
		samples, err := d.dec.Decode(data[off:off+size], d.frameSize, false)
		if err != nil {
			return nil, fmt.Errorf("opus: decode: %w", err)
		}
		pcm = append(pcm, samples...)
		off += size
	}
	return audio.ToFloat(pcm), nil
}
