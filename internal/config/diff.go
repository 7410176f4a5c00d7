package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged covers persona, voice and transcription settings.
	SessionChanged bool

	// AudioChanged covers capture and playback tuning.
	AudioChanged bool

	// DevicesChanged covers the capture period and output buffer. It is
	// reported but not applied at runtime.
	DevicesChanged bool

	// ProviderChanged covers backend selection, credentials and model.
	ProviderChanged bool

	// ListenAddrChanged is reported but not applied at runtime.
	ListenAddrChanged bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return d == ConfigDiff{}
}

// AppliesToNextSession reports whether the change only takes effect on the
// next Connect.
func (d ConfigDiff) AppliesToNextSession() bool {
	return d.SessionChanged || d.AudioChanged || d.ProviderChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr
	d.SessionChanged = !sessionEqual(old.Session, new.Session)
	d.AudioChanged = withoutDevices(old.Audio) != withoutDevices(new.Audio)
	d.DevicesChanged = old.Audio.CapturePeriod != new.Audio.CapturePeriod ||
		old.Audio.OutputBuffer != new.Audio.OutputBuffer
	d.ProviderChanged = !providerEqual(old.Providers.S2S, new.Providers.S2S)

	return d
}

func withoutDevices(a AudioConfig) AudioConfig {
	a.CapturePeriod, a.OutputBuffer = 0, 0
	return a
}

func sessionEqual(a, b SessionConfig) bool {
	return a.Instructions == b.Instructions &&
		a.InstructionsFile == b.InstructionsFile &&
		a.Voice == b.Voice &&
		Enabled(a.InputTranscription) == Enabled(b.InputTranscription) &&
		Enabled(a.OutputTranscription) == Enabled(b.OutputTranscription)
}

func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		maps.EqualFunc(a.Options, b.Options, func(x, y any) bool { return reflect.DeepEqual(x, y) })
}
