// Package config provides the configuration schema, loader, and provider registry
// for the tolk push-to-talk translator.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching [slog.Level]. Unknown and empty levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultRealtimeProvider   = "openai"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
	DefaultInstructions       = "Starting now you are a translator. Translate everything I say to you into Chinese. " +
		"If you do not recognise a word, for example the name of a person or a company, just say the word. " +
		"Respond with just the audio translation and nothing else."

	DefaultCaptureRate   = 24000
	DefaultChannels      = 1
	DefaultChunkInterval = 100 * time.Millisecond
	DefaultCodec         = "opus"
	DefaultOpusBitrate   = 32000
	DefaultPlaybackRate  = 24000
)

// Config is the root configuration structure for tolk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Debug    DebugConfig    `yaml:"debug"`
}

// ServerConfig holds the optional HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics
	// (e.g., "127.0.0.1:9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry is the common configuration block for a named provider.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key. A value of the form ${VAR} is
	// replaced with the environment variable VAR at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// RealtimeConfig selects the realtime speech provider and the session it
// opens.
type RealtimeConfig struct {
	ProviderEntry `yaml:",inline"`

	// Voice is the provider voice used for responses.
	Voice string `yaml:"voice"`

	// Instructions is the translator brief sent as the session's system prompt.
	Instructions string `yaml:"instructions"`

	// TranscriptionModel enables input transcription. Set to "none" to disable.
	TranscriptionModel string `yaml:"transcription_model"`

	// ConnectTimeout bounds a single connect attempt. Default: 15s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CaptureConfig configures the microphone and chunk encoding.
type CaptureConfig struct {
	// SampleRate requested from the input device. The device may deliver a
	// different rate; audio is resampled before sending.
	SampleRate int `yaml:"sample_rate"`

	// Channels requested from the input device (1 or 2).
	Channels int `yaml:"channels"`

	// ChunkInterval is how often an encoded chunk is emitted while recording.
	ChunkInterval time.Duration `yaml:"chunk_interval"`

	// Codec names the chunk codec registered in the [Registry] ("opus", "pcm16").
	Codec string `yaml:"codec"`

	// OpusBitrate is the target bitrate for the opus codec in bits per second.
	OpusBitrate int `yaml:"opus_bitrate"`
}

// PlaybackConfig configures the speaker.
type PlaybackConfig struct {
	// SampleRate the output device runs at. Responses are resampled to it.
	SampleRate int `yaml:"sample_rate"`
}

// DebugConfig holds developer aids.
type DebugConfig struct {
	// DumpDir, when set, receives a WAV file for every sent utterance and
	// every played response.
	DumpDir string `yaml:"dump_dir"`
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	r := &cfg.Realtime
	if r.Name == "" {
		r.Name = DefaultRealtimeProvider
	}
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.Voice == "" {
		r.Voice = DefaultVoice
	}
	if r.Instructions == "" {
		r.Instructions = DefaultInstructions
	}
	if r.TranscriptionModel == "" {
		r.TranscriptionModel = DefaultTranscriptionModel
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = 15 * time.Second
	}

	c := &cfg.Capture
	if c.SampleRate == 0 {
		c.SampleRate = DefaultCaptureRate
	}
	if c.Channels == 0 {
		c.Channels = DefaultChannels
	}
	if c.ChunkInterval == 0 {
		c.ChunkInterval = DefaultChunkInterval
	}
	if c.Codec == "" {
		c.Codec = DefaultCodec
	}
	if c.OpusBitrate == 0 {
		c.OpusBitrate = DefaultOpusBitrate
	}

	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultPlaybackRate
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// TranscriptionEnabled reports whether input transcription is requested.
func (r RealtimeConfig) TranscriptionEnabled() bool {
	return r.TranscriptionModel != "" && r.TranscriptionModel != "none"
}
