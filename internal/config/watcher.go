package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] looks at the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the latest valid version of a config file. A new version is
// adopted only when it parses and validates; broken edits are logged and the
// previous config stays current. Each adopted version is handed to the
// change callback together with the one it replaces.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	// reloadMu serialises Reload so the callback sees versions in order.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fileVersion

	// rejected is the last version that failed to load. Reload stays quiet
	// about it until the file changes again.
	rejected fileVersion
}

// fileVersion identifies one version of the watched file. The modification
// time short-cuts the common unchanged case; the digest catches edits that
// keep the mtime and touches that keep the content.
type fileVersion struct {
	modTime time.Time
	size    int64
	digest  [sha256.Size]byte
}

func (v fileVersion) sameStat(info os.FileInfo) bool {
	return info.ModTime().Equal(v.modTime) && info.Size() == v.size
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval used by [Watcher.Run].
// Non-positive values keep [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once and returns a watcher holding the result. The
// file is not polled until [Watcher.Run] is called.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, ver, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, ver
	return w, nil
}

// Current returns the most recently adopted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run calls [Watcher.Reload] every interval until ctx is done. Reload errors
// are logged, never returned; Run always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				w.log.Warn("config reload rejected; keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload checks the file once. It reports whether a new config was adopted,
// in which case the change callback has already returned. An error means the
// file could not be read or the new content is invalid; the current config
// is unchanged.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if seen.sameStat(info) || w.rejected.sameStat(info) {
		return false, nil
	}

	cfg, ver, err := w.read()
	if err != nil {
		w.rejected = fileVersion{modTime: info.ModTime(), size: info.Size()}
		return false, err
	}

	w.mu.Lock()
	if ver.digest == seen.digest {
		w.seen = ver
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, ver
	w.mu.Unlock()

	w.log.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// read parses and validates the file and returns it with its version.
func (w *Watcher) read() (*Config, fileVersion, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileVersion{}, err
	}
	cfg, err := parse(data, filepath.Dir(w.path))
	if err != nil {
		return nil, fileVersion{}, err
	}
	return cfg, fileVersion{
		modTime: info.ModTime(),
		size:    info.Size(),
		digest:  sha256.Sum256(data),
	}, nil
}
