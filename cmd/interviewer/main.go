// Command interviewer runs a voice interview against a Gemini Live model from
// the terminal. The microphone streams to the model, model speech plays on the
// default output device, and the running transcript is kept in memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/interviewer/internal/capture"
	"github.com/MrWong99/interviewer/internal/config"
	"github.com/MrWong99/interviewer/internal/device"
	"github.com/MrWong99/interviewer/internal/health"
	"github.com/MrWong99/interviewer/internal/observe"
	"github.com/MrWong99/interviewer/internal/playback"
	"github.com/MrWong99/interviewer/internal/resilience"
	"github.com/MrWong99/interviewer/internal/session"
	"github.com/MrWong99/interviewer/pkg/provider/s2s"
	geminilive "github.com/MrWong99/interviewer/pkg/provider/s2s/gemini"
)

const (
	serviceName     = "interviewer"
	serviceVersion  = "0.1.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	envFile := flag.String("env", ".env", "environment file holding GEMINI_API_KEY")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "interviewer: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "interviewer: %v (omit -config to run with built-in defaults)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "interviewer: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("interviewer starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, logger)

	backend, err := reg.CreateS2S(cfg.Providers.S2S)
	if err != nil {
		slog.Error("failed to build s2s provider", "err", err)
		return 1
	}
	provider := resilience.GuardS2S(backend, resilience.NewBreaker(resilience.Config{
		Name: cfg.Providers.S2S.Name,
	}, resilience.WithLogger(logger)))
	if cfg.Providers.S2S.APIKey == "" {
		slog.Warn("no API key configured; set GEMINI_API_KEY or providers.s2s.api_key")
	}
	caps := provider.Capabilities()
	warnUnsupported(caps, cfg)

	// ── Audio devices and session ─────────────────────────────────────────────
	devices := device.New(
		device.WithLogger(logger),
		device.WithPeriod(cfg.Audio.CapturePeriod),
		device.WithOutputBuffer(cfg.Audio.OutputBuffer),
	)
	con := newConsole(os.Stdout)
	client := session.New(provider, devices, sessionConfig(cfg), con.observer(),
		session.WithMetrics(metrics),
		session.WithLogger(logger),
	)
	con.attach(client)

	// ── Config watcher ────────────────────────────────────────────────────────
	var watcher *config.Watcher
	if *watch && *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(old, new, level, client)
			warnUnsupported(caps, new)
		}, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
			watcher = nil
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, quit := context.WithCancel(gctx)
	defer quit()

	if watcher != nil {
		g.Go(func() error { return watcher.Run(runCtx) })
		g.Go(func() error { return reloadOnHangup(runCtx, watcher) })
	}

	if cfg.Server.ListenAddr != "" {
		handler := newHTTPHandler(cfg, devices, client, metrics, telemetry.Handler(),
			health.Checker{Name: "s2s_breaker", Check: provider.Breaker().Check},
		)
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer quit()
		return con.run(runCtx, os.Stdin)
	})

	exit := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down…")

	if err := client.Disconnect(); err != nil {
		slog.Warn("session teardown error", "err", err)
	}
	if err := devices.Close(); err != nil {
		slog.Warn("audio device close error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exit
}

// reloadOnHangup re-reads the config file whenever the process receives
// SIGHUP, without waiting for the next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config reload rejected; keeping previous config", "err", err)
			}
		}
	}
}

// loadConfig reads path, or builds the default configuration when path is
// empty, then fills the API key from the environment.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	config.ApplyEnv(cfg)
	return cfg, nil
}

// applyReload applies a changed configuration file. The log level changes
// immediately, everything else takes effect on the next start.
func applyReload(old, new *config.Config, level *slog.LevelVar, client *session.Client) {
	config.ApplyEnv(old)
	config.ApplyEnv(new)
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ListenAddrChanged {
		slog.Warn("server.listen_addr changes require a restart", "listen_addr", new.Server.ListenAddr)
	}
	if d.DevicesChanged {
		slog.Warn("audio.capture_period and audio.output_buffer changes require a restart",
			"capture_period", new.Audio.CapturePeriod,
			"output_buffer", new.Audio.OutputBuffer,
		)
	}
	if o, n := old.Providers.S2S, new.Providers.S2S; o.Name != n.Name || o.APIKey != n.APIKey || o.BaseURL != n.BaseURL {
		slog.Warn("provider selection and credentials change require a restart", "provider", n.Name)
	}
	if d.AppliesToNextSession() {
		client.UpdateConfig(sessionConfig(new))
		slog.Info("configuration reloaded; applies to the next session",
			"session", d.SessionChanged,
			"audio", d.AudioChanged,
			"provider", d.ProviderChanged,
		)
	}
}

// warnUnsupported logs the settings in cfg that the provider reports it
// cannot serve. The session is still attempted; the backend has the final say.
func warnUnsupported(caps s2s.Capabilities, cfg *config.Config) {
	sc := sessionConfig(cfg)
	if err := caps.Check(sc.Session, sc.Capture.SampleRate, sc.Playback.SampleRate); err != nil {
		slog.Warn("configuration does not match provider capabilities", "provider", cfg.Providers.S2S.Name, "err", err)
	}
}

// sessionConfig maps the file configuration onto a per-connection
// [session.Config].
func sessionConfig(cfg *config.Config) session.Config {
	a := cfg.Audio
	return session.Config{
		Session: s2s.SessionConfig{
			Model:               cfg.Providers.S2S.Model,
			Instructions:        cfg.Session.Instructions,
			Voice:               cfg.Session.Voice,
			ResponseModalities:  []string{"AUDIO"},
			InputTranscription:  config.Enabled(cfg.Session.InputTranscription),
			OutputTranscription: config.Enabled(cfg.Session.OutputTranscription),
		},
		Capture: capture.Config{
			SampleRate:     a.CaptureSampleRate,
			FrameSize:      a.FrameSize,
			NoiseThreshold: a.NoiseThreshold,
			VolumeGain:     a.VolumeGain,
			QueueSize:      a.SendQueue,
		},
		Playback: playback.Config{
			SampleRate: a.PlaybackSampleRate,
			VolumeGain: a.OutputVolumeGain,
		},
		OutputSampleRate: a.OutputSampleRate,
		OutputChannels:   a.OutputChannels,
	}
}

// registerBuiltinProviders registers every S2S backend compiled into the binary.
func registerBuiltinProviders(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		} else if u := optString(entry.Options, "base_url"); u != "" {
			opts = append(opts, geminilive.WithBaseURL(u))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// optString returns opts[key] when it holds a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║       Interviewer · startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	fmt.Printf("║  Provider     : %-25s ║\n", cfg.Providers.S2S.Name)
	fmt.Printf("║  Model        : %-25s ║\n", truncate(cfg.Providers.S2S.Model, 25))
	fmt.Printf("║  Voice        : %-25s ║\n", cfg.Session.Voice)
	fmt.Printf("║  Capture      : %-25s ║\n", fmt.Sprintf("%d Hz, %d-sample frames", cfg.Audio.CaptureSampleRate, cfg.Audio.FrameSize))
	fmt.Printf("║  Output       : %-25s ║\n", fmt.Sprintf("%d Hz, %d ch", cfg.Audio.OutputSampleRate, cfg.Audio.OutputChannels))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr  : %-25s ║\n", cfg.Server.ListenAddr)
	} else {
		fmt.Printf("║  Listen addr  : %-25s ║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
	fmt.Println("Commands: start, stop, transcript, quit")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
