package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv is consulted when realtime.api_key is empty.
const APIKeyEnv = "OPENAI_API_KEY"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai"},
	"codec":    {"opus", "pcm16"},
}

// opusRates are the sample rates the opus codec accepts.
var opusRates = []int{8000, 12000, 16000, 24000, 48000}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references in secrets and falls back to
// [APIKeyEnv] for an empty API key.
func expandEnv(cfg *Config) {
	cfg.Realtime.APIKey = os.ExpandEnv(cfg.Realtime.APIKey)
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv(APIKeyEnv)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Realtime
	rt := cfg.Realtime
	if rt.Name == "" {
		errs = append(errs, errors.New("realtime.name is required"))
	}
	validateProviderName("realtime", rt.Name)
	if rt.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set %s)", APIKeyEnv))
	}
	if rt.BaseURL != "" && !strings.HasPrefix(rt.BaseURL, "ws://") && !strings.HasPrefix(rt.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("realtime.base_url %q must be a ws:// or wss:// URL", rt.BaseURL))
	}
	if strings.TrimSpace(rt.Instructions) == "" {
		errs = append(errs, errors.New("realtime.instructions must not be blank"))
	}
	if rt.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.connect_timeout %v must not be negative", rt.ConnectTimeout))
	}

	// Capture
	c := cfg.Capture
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [8000, 192000]", c.SampleRate))
	}
	if c.Channels < 1 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is invalid; valid values: 1, 2", c.Channels))
	}
	if c.ChunkInterval < 10*time.Millisecond || c.ChunkInterval > 10*time.Second {
		errs = append(errs, fmt.Errorf("capture.chunk_interval %v is out of range [10ms, 10s]", c.ChunkInterval))
	}
	if !slices.Contains(ValidProviderNames["codec"], c.Codec) {
		errs = append(errs, fmt.Errorf("capture.codec %q is invalid; valid values: %s", c.Codec, strings.Join(ValidProviderNames["codec"], ", ")))
	}
	if c.Codec == "opus" {
		if !slices.Contains(opusRates, c.SampleRate) {
			errs = append(errs, fmt.Errorf("capture.sample_rate %d is not supported by opus; valid values: 8000, 12000, 16000, 24000, 48000", c.SampleRate))
		}
		if c.OpusBitrate < 6000 || c.OpusBitrate > 510000 {
			errs = append(errs, fmt.Errorf("capture.opus_bitrate %d is out of range [6000, 510000]", c.OpusBitrate))
		}
	}

	// Playback
	if cfg.Playback.SampleRate < 8000 || cfg.Playback.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d is out of range [8000, 192000]", cfg.Playback.SampleRate))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
