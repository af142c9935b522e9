package translator

import (
	"log/slog"
	"time"

	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/audio/codec"
)

// recorderBuf is the depth of the chunk channel. At the default 100 ms
// interval it holds 1.6 s of chunks while the dispatch loop is busy.
const recorderBuf = 16

// recorder encodes frames from a live stream and hands out one encoded chunk
// per interval. It runs until the stream's frame channel closes, then emits
// whatever the encoder still holds as a final chunk and closes out.
type recorder struct {
	stream   audio.Stream
	enc      codec.Encoder
	interval time.Duration
	out      chan []byte
}

func startRecorder(stream audio.Stream, enc codec.Encoder, interval time.Duration) *recorder {
	r := &recorder{
		stream:   stream,
		enc:      enc,
		interval: interval,
		out:      make(chan []byte, recorderBuf),
	}
	go r.run()
	return r
}

// Chunks returns the channel on which encoded chunks arrive in order.
func (r *recorder) Chunks() <-chan []byte { return r.out }

func (r *recorder) run() {
	defer close(r.out)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pending []byte
	frames := r.stream.Frames()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				tail, err := r.enc.Flush()
				if err != nil {
					slog.Warn("recorder: flush encoder", "err", err)
				}
				pending = append(pending, tail...)
				if len(pending) > 0 {
					r.out <- pending
				}
				return
			}
			b, err := r.enc.Encode(f.Samples)
			if err != nil {
				slog.Warn("recorder: encode frame", "samples", len(f.Samples), "err", err)
				continue
			}
			pending = append(pending, b...)

		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			r.out <- pending
			pending = nil
		}
	}
}
