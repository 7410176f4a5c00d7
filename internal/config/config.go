// Package config provides the configuration schema, loader, and provider
// registry for the interviewer voice client.
package config

import (
	_ "embed"
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

// Defaults applied by [ApplyDefaults].
const (
	DefaultProvider           = "gemini-live"
	DefaultModel              = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice              = "Puck"
	DefaultCaptureSampleRate  = 16000
	DefaultPlaybackSampleRate = 24000
	DefaultOutputSampleRate   = 24000
	DefaultOutputChannels     = 1
	DefaultFrameSize          = 4096
	DefaultNoiseThreshold     = 0.01
	DefaultVolumeGain         = 10
	DefaultOutputVolumeGain   = 5
	DefaultSendQueue          = 8
	DefaultCapturePeriod      = 20 * time.Millisecond
	DefaultOutputBuffer       = 100 * time.Millisecond
)

// DefaultInstructions is the built-in interviewer persona used when neither
// session.instructions nor session.instructions_file is set.
//
//go:embed persona.md
var DefaultInstructions string

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds the diagnostics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., "127.0.0.1:9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the speech-to-speech backend.
type ProvidersConfig struct {
	S2S ProviderEntry `yaml:"s2s"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. When empty it
	// is filled from GEMINI_API_KEY or API_KEY by [ApplyEnv].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig describes the conversation the model is set up for.
type SessionConfig struct {
	// Instructions is the system prompt. Mutually exclusive with
	// InstructionsFile.
	Instructions string `yaml:"instructions"`

	// InstructionsFile is a path to a text file holding the system prompt,
	// relative to the config file.
	InstructionsFile string `yaml:"instructions_file"`

	// Voice is the backend's prebuilt voice name.
	Voice string `yaml:"voice"`

	// InputTranscription requests transcripts of the candidate's speech.
	// Defaults to true.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of the model's speech.
	// Defaults to true.
	OutputTranscription *bool `yaml:"output_transcription"`
}

// AudioConfig tunes capture and playback.
type AudioConfig struct {
	// CaptureSampleRate is the microphone and upstream PCM rate in Hz.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// PlaybackSampleRate is the rate of the model's PCM output in Hz.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// OutputSampleRate and OutputChannels select the speaker format.
	OutputSampleRate int `yaml:"output_sample_rate"`
	OutputChannels   int `yaml:"output_channels"`

	// FrameSize is the number of samples per upstream frame.
	FrameSize int `yaml:"frame_size"`

	// NoiseThreshold is the RMS level under which frames are sent as silence.
	NoiseThreshold float64 `yaml:"noise_threshold"`

	// VolumeGain scales the microphone RMS for the level indicator.
	VolumeGain float64 `yaml:"volume_gain"`

	// OutputVolumeGain scales the model audio RMS for the level indicator.
	OutputVolumeGain float64 `yaml:"output_volume_gain"`

	// SendQueue is the number of frames buffered toward the network before
	// new frames are dropped.
	SendQueue int `yaml:"send_queue"`

	// CapturePeriod is the microphone callback interval, e.g. "20ms".
	CapturePeriod time.Duration `yaml:"capture_period"`

	// OutputBuffer is the speaker buffer length. Shorter means lower
	// latency and more underruns. Both device settings are read at startup.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// Enabled returns the value of an optional flag, treating nil as true.
func Enabled(b *bool) bool {
	return b == nil || *b
}

// ApplyDefaults fills every zero value in cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultProvider
	}
	if cfg.Providers.S2S.Model == "" {
		cfg.Providers.S2S.Model = DefaultModel
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = DefaultVoice
	}
	a := &cfg.Audio
	if a.CaptureSampleRate == 0 {
		a.CaptureSampleRate = DefaultCaptureSampleRate
	}
	if a.PlaybackSampleRate == 0 {
		a.PlaybackSampleRate = DefaultPlaybackSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.OutputChannels == 0 {
		a.OutputChannels = DefaultOutputChannels
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.NoiseThreshold == 0 {
		a.NoiseThreshold = DefaultNoiseThreshold
	}
	if a.VolumeGain == 0 {
		a.VolumeGain = DefaultVolumeGain
	}
	if a.OutputVolumeGain == 0 {
		a.OutputVolumeGain = DefaultOutputVolumeGain
	}
	if a.SendQueue == 0 {
		a.SendQueue = DefaultSendQueue
	}
	if a.CapturePeriod == 0 {
		a.CapturePeriod = DefaultCapturePeriod
	}
	if a.OutputBuffer == 0 {
		a.OutputBuffer = DefaultOutputBuffer
	}
}
