package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live"},
}

// KnownVoices lists the prebuilt voices of the default backend. Unknown voices
// are passed through with a warning.
var KnownVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// APIKeyEnv lists the environment variables consulted by [ApplyEnv], in order.
var APIKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied and session.instructions_file resolved
// relative to the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. A relative instructions_file is resolved against the working
// directory. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, ".")
}

// Default returns a validated configuration built purely from defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Session.Instructions = DefaultInstructions
	return cfg
}

func parse(data []byte, baseDir string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := resolveInstructions(cfg, baseDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveInstructions(cfg *Config, baseDir string) error {
	s := &cfg.Session
	switch {
	case s.InstructionsFile != "":
		path := s.InstructionsFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: session.instructions_file: %w", err)
		}
		s.Instructions = strings.TrimSpace(string(data))
	case s.Instructions == "":
		s.Instructions = DefaultInstructions
	}
	return nil
}

// LoadEnv loads environment files (".env" when none are given) into the
// process environment without overriding variables that are already set.
// Missing files are skipped.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
		slog.Debug("config: environment file loaded", "path", f)
	}
	return nil
}

// ApplyEnv fills values that may come from the environment. Values set in the
// YAML file take precedence.
func ApplyEnv(cfg *Config) {
	if cfg.Providers.S2S.APIKey != "" {
		return
	}
	for _, name := range APIKeyEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			cfg.Providers.S2S.APIKey = v
			return
		}
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

	// Unknown provider names only warn.
	validateProviderName("s2s", cfg.Providers.S2S.Name)

	// Session
	if cfg.Session.Instructions != "" && cfg.Session.InstructionsFile != "" {
		errs = append(errs, errors.New("session.instructions and session.instructions_file are mutually exclusive"))
	}
	if v := cfg.Session.Voice; v != "" && !slices.Contains(KnownVoices, v) {
		slog.Warn("unknown voice name, passed to the provider unchanged", "voice", v, "known", KnownVoices)
	}

	// Audio
	a := cfg.Audio
	positive := []struct {
		name  string
		value int
	}{
		{"audio.capture_sample_rate", a.CaptureSampleRate},
		{"audio.playback_sample_rate", a.PlaybackSampleRate},
		{"audio.output_sample_rate", a.OutputSampleRate},
		{"audio.output_channels", a.OutputChannels},
		{"audio.frame_size", a.FrameSize},
		{"audio.send_queue", a.SendQueue},
	}
	for _, p := range positive {
		if p.value < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}
	if a.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is out of range [1, 2]", a.OutputChannels))
	}
	if a.NoiseThreshold < 0 || a.NoiseThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.noise_threshold %.3f is out of range [0, 1)", a.NoiseThreshold))
	}
	if a.VolumeGain < 0 {
		errs = append(errs, fmt.Errorf("audio.volume_gain %.2f must not be negative", a.VolumeGain))
	}
	if a.OutputVolumeGain < 0 {
		errs = append(errs, fmt.Errorf("audio.output_volume_gain %.2f must not be negative", a.OutputVolumeGain))
	}
	if a.CapturePeriod < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_period %s must not be negative", a.CapturePeriod))
	}
	if a.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %s must not be negative", a.OutputBuffer))
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
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
