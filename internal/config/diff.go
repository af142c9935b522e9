package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	// SessionChanged is true when instructions, voice or transcription model
	// changed. These are pushed to the live realtime session.
	SessionChanged bool

	InstructionsChanged       bool
	VoiceChanged              bool
	TranscriptionModelChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists dotted keys of changed fields that only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.SessionChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Live session settings
	o, n := old.Realtime, new.Realtime
	d.InstructionsChanged = o.Instructions != n.Instructions
	d.VoiceChanged = o.Voice != n.Voice
	d.TranscriptionModelChanged = o.TranscriptionModel != n.TranscriptionModel
	d.SessionChanged = d.InstructionsChanged || d.VoiceChanged || d.TranscriptionModelChanged

	// Restart-only settings
	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("realtime.name", o.Name != n.Name)
	restart("realtime.api_key", o.APIKey != n.APIKey)
	restart("realtime.base_url", o.BaseURL != n.BaseURL)
	restart("realtime.model", o.Model != n.Model)
	restart("capture", old.Capture != new.Capture)
	restart("playback", old.Playback != new.Playback)
	restart("debug", old.Debug != new.Debug)

	return d
}
