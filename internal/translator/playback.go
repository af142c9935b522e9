package translator

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/tolk/internal/observe"
	"github.com/MrWong99/tolk/pkg/audio"
	"github.com/MrWong99/tolk/pkg/audio/wavdump"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
)

// DefaultPlaybackRate is the rate of assistant audio.
const DefaultPlaybackRate = 24000

// Eligible reports whether it is a finished assistant item carrying audio.
// Only eligible items are passed to [Playback.Render].
func Eligible(it realtime.Item) bool {
	return it.Role == realtime.RoleAssistant && it.Completed() && it.Audio != nil
}

// PlaybackOption is a functional option for [NewPlayback].
type PlaybackOption func(*Playback)

// WithPlaybackRate sets the sample rate assistant audio is played at.
func WithPlaybackRate(rate int) PlaybackOption {
	return func(p *Playback) {
		if rate > 0 {
			p.rate = rate
		}
	}
}

// WithPlaybackMetrics records render metrics on m.
func WithPlaybackMetrics(m *observe.Metrics) PlaybackOption {
	return func(p *Playback) { p.metrics = m }
}

// WithPlaybackDump writes every rendered response to d.
func WithPlaybackDump(d *wavdump.Dumper) PlaybackOption {
	return func(p *Playback) { p.dump = d }
}

// Playback renders completed assistant items through an [audio.Sink], at most
// once per item id.
//
// Render must be called from one goroutine. HasResponse and LastID may be
// called from any goroutine.
type Playback struct {
	sink    audio.Sink
	rate    int
	metrics *observe.Metrics
	dump    *wavdump.Dumper

	// last holds the id of the most recently rendered item, nil before the
	// first render.
	last        atomic.Pointer[string]
	hasResponse atomic.Bool
}

// NewPlayback returns a Playback writing to sink.
func NewPlayback(sink audio.Sink, opts ...PlaybackOption) *Playback {
	p := &Playback{sink: sink, rate: DefaultPlaybackRate}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Render plays it unless its audio is empty or its id was the last one
// rendered. It reports whether playback was started.
//
// A sink failure is logged and leaves the last rendered id unchanged, so a
// later snapshot of the same item can still be played.
func (p *Playback) Render(ctx context.Context, it realtime.Item) bool {
	log := observe.Logger(ctx).With("item_id", it.ID)

	if len(it.Audio) == 0 {
		log.Warn("completed response has no audio")
		if p.metrics != nil {
			p.metrics.EmptyPayloads.Add(ctx, 1)
		}
		return false
	}
	if last := p.last.Load(); last != nil && *last == it.ID {
		log.Debug("response already played")
		if p.metrics != nil {
			p.metrics.DuplicatesSuppressed.Add(ctx, 1)
		}
		return false
	}

	ctx, span := observe.StartSpan(ctx, "playback.render",
		attribute.String("item_id", it.ID),
		attribute.Int("samples", len(it.Audio)),
	)

	buf := audio.Buffer{
		Samples:    audio.ToFloat(it.Audio),
		SampleRate: p.rate,
		Channels:   1,
	}
	if err := p.sink.Play(buf); err != nil {
		observe.EndSpan(span, err)
		log.Error("play response", "err", err)
		return false
	}
	observe.EndSpan(span, nil)

	id := it.ID
	p.last.Store(&id)
	p.hasResponse.Store(true)
	if p.metrics != nil {
		p.metrics.ResponsesRendered.Add(ctx, 1)
	}
	if _, err := p.dump.Response(it.ID, it.Audio, p.rate); err != nil {
		log.Warn("dump response", "err", err)
	}
	log.Info("playing response",
		"duration", buf.Duration(),
		"transcript", it.Transcript)
	return true
}

// LastID returns the id of the most recently rendered item, or "" if nothing
// was rendered yet.
func (p *Playback) LastID() string {
	if last := p.last.Load(); last != nil {
		return *last
	}
	return ""
}

// HasResponse reports whether at least one response has been played.
func (p *Playback) HasResponse() bool { return p.hasResponse.Load() }
