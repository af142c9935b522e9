package audio

import (
	"encoding/binary"
	"math"

	"github.com/samber/lo"
)

// pcmScale maps the signed 16-bit range onto [-1.0, 1.0).
const pcmScale = 32768.0

// ToFloat converts integer PCM to normalised float PCM by dividing every
// sample by 32768. The result has the same length as samples.
func ToFloat(samples IntegerPCM) FloatPCM {
	out := make(FloatPCM, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / pcmScale
	}
	return out
}

// ToInteger quantises float PCM to signed 16-bit samples using
// floor(f*32768). Values outside the representable range saturate at
// -32768 and 32767 instead of wrapping. NaN maps to 0.
//
// ToInteger(ToFloat(x)) is within one LSB of x, not bit-exact in general.
func ToInteger(samples FloatPCM) IntegerPCM {
	out := make(IntegerPCM, len(samples))
	for i, f := range samples {
		if f != f {
			continue
		}
		v := math.Floor(float64(f) * pcmScale)
		out[i] = int16(lo.Clamp(v, math.MinInt16, math.MaxInt16))
	}
	return out
}

// Int16sToBytes encodes samples as little-endian PCM16.
func Int16sToBytes(samples IntegerPCM) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16s decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToInt16s(b []byte) IntegerPCM {
	out := make(IntegerPCM, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
