// Package codec defines how captured PCM is packed into encoded chunks and
// how a concatenation of those chunks is decoded back into linear PCM.
//
// A recorder feeds live samples to an [Encoder] and emits whatever bytes it
// returns as one chunk per interval. Chunks are opaque; the only guarantee
// is that concatenating every chunk of a recording, in order, yields a byte
// stream the matching [Decoder] accepts. This mirrors how a browser
// MediaRecorder hands out Blob fragments of a single container.
package codec

import (
	"errors"
	"fmt"

	"github.com/MrWong99/tolk/pkg/audio"
)

// ErrCorrupt is returned by decoders when the encoded stream is malformed.
var ErrCorrupt = errors.New("codec: corrupt stream")

// Encoder turns interleaved PCM into encoded bytes. Encoders may buffer
// samples internally; Flush returns whatever remains.
// Encoders are not safe for concurrent use.
type Encoder interface {
	// Encode consumes pcm and returns the encoded bytes that became
	// available. The result may be empty when the encoder is still buffering.
	Encode(pcm audio.IntegerPCM) ([]byte, error)

	// Flush encodes any buffered samples and returns the trailing bytes.
	Flush() ([]byte, error)
}

// Decoder turns a complete encoded stream into normalised float PCM with the
// channel layout it was encoded with.
type Decoder interface {
	Decode(data []byte) (audio.FloatPCM, error)
}

// Codec creates encoders and decoders for a fixed stream format.
type Codec interface {
	// Name is the identifier used in configuration (e.g. "opus", "pcm16").
	Name() string

	NewEncoder(f audio.Format) (Encoder, error)
	NewDecoder(f audio.Format) (Decoder, error)
}

// PCM16Name is the configuration name of [PCM16].
const PCM16Name = "pcm16"

// PCM16 is the identity codec: chunks carry raw little-endian PCM16.
// It has no framing constraints and never pads.
type PCM16 struct{}

var _ Codec = PCM16{}

// Name implements [Codec].
func (PCM16) Name() string { return PCM16Name }

// NewEncoder implements [Codec].
func (PCM16) NewEncoder(audio.Format) (Encoder, error) { return pcm16Encoder{}, nil }

// NewDecoder implements [Codec].
func (PCM16) NewDecoder(audio.Format) (Decoder, error) { return pcm16Decoder{}, nil }

type pcm16Encoder struct{}

func (pcm16Encoder) Encode(pcm audio.IntegerPCM) ([]byte, error) {
	return audio.Int16sToBytes(pcm), nil
}

func (pcm16Encoder) Flush() ([]byte, error) { return nil, nil }

type pcm16Decoder struct{}

func (pcm16Decoder) Decode(data []byte) (audio.FloatPCM, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d for pcm16", ErrCorrupt, len(data))
	}
	return audio.ToFloat(audio.BytesToInt16s(data)), nil
}
