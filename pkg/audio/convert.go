package audio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FormatConverter brings decoded float PCM to a target format. It logs a
// warning on the first format mismatch. Create one per capture adapter; it is
// not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts samples in format from to the target format. If the
// formats already match, samples is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample, so multi-channel input is
// never resampled per channel.
func (c *FormatConverter) Convert(samples FloatPCM, from Format) FloatPCM {
	if from.SampleRate == c.Target.SampleRate && from.Channels == c.Target.Channels {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", from.String(),
			"to", c.Target.String(),
		)
	})

	out := samples
	if from.Channels > 1 && c.Target.Channels == 1 {
		out = Downmix(out, from.Channels)
	}
	if from.SampleRate != c.Target.SampleRate {
		out = Resample(out, from.SampleRate, c.Target.SampleRate)
	}
	return out
}

// Downmix averages each interleaved frame of channels samples into a single
// mono sample. A trailing partial frame is dropped. channels <= 1 returns the
// input unchanged.
func Downmix(samples FloatPCM, channels int) FloatPCM {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make(FloatPCM, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts mono float PCM from srcRate to dstRate using linear
// interpolation. If the rates match or either is non-positive, the input is
// returned unchanged.
func Resample(samples FloatPCM, srcRate, dstRate int) FloatPCM {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(dstRate) / float64(srcRate)
	n := int(math.Round(float64(len(samples)) * ratio))
	if n <= 0 {
		return nil
	}

	out := make(FloatPCM, n)
	last := len(samples) - 1
	for i := range n {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
