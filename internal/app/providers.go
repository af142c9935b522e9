package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/tolk/internal/config"
	"github.com/MrWong99/tolk/internal/observe"
	"github.com/MrWong99/tolk/pkg/audio/codec"
	"github.com/MrWong99/tolk/pkg/audio/codec/opus"
	"github.com/MrWong99/tolk/pkg/provider/realtime"
	oairealtime "github.com/MrWong99/tolk/pkg/provider/realtime/openai"
)

// builtinProviders lists the implementations that ship with tolk. Used for
// startup logging.
var builtinProviders = map[string][]string{
	"realtime": {"openai"},
	"codec":    {opus.Name, codec.PCM16Name},
}

// RegisterBuiltinProviders wires all built-in factories into reg. Realtime
// server events are counted on m when it is non-nil.
func RegisterBuiltinProviders(reg *config.Registry, m *observe.Metrics) {
	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai", func(entry config.RealtimeConfig) (realtime.Provider, error) {
		var opts []oairealtime.Option
		if entry.Model != "" {
			opts = append(opts, oairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(entry.BaseURL))
		}
		if m != nil {
			opts = append(opts, oairealtime.WithEventHook(func(eventType string) {
				m.RecordRealtimeEvent(context.Background(), eventType)
			}))
		}
		return oairealtime.New(entry.APIKey, opts...), nil
	})

	// ── Codecs ────────────────────────────────────────────────────────────────

	reg.RegisterCodec(opus.Name, func(c config.CaptureConfig) (codec.Codec, error) {
		return opus.Codec{Bitrate: c.OpusBitrate}, nil
	})

	reg.RegisterCodec(codec.PCM16Name, func(config.CaptureConfig) (codec.Codec, error) {
		return codec.PCM16{}, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// sessionConfig derives the realtime session settings from cfg.
func sessionConfig(cfg config.RealtimeConfig) realtime.SessionConfig {
	sc := realtime.SessionConfig{
		Instructions: cfg.Instructions,
		Voice:        cfg.Voice,
	}
	if cfg.TranscriptionEnabled() {
		sc.TranscriptionModel = cfg.TranscriptionModel
	}
	return sc
}
