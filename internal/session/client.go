// Package session implements the voice session state machine.
//
// A [Client] owns at most one connection at a time. Connect opens the output
// device, the microphone and the remote S2S session, then hands the remote
// event stream to a single control goroutine. That goroutine is the only place
// inbound events are acted on: transcription fragments go to the transcript,
// audio chunks to the playback scheduler, interruptions flush playback, and a
// terminal event tears the connection down.
//
// Every Connect builds a fresh connection value holding its own devices,
// scheduler and capture pipeline, so no audio state survives a disconnect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/interviewer/internal/capture"
	"github.com/MrWong99/interviewer/internal/observe"
	"github.com/MrWong99/interviewer/internal/playback"
	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/provider/s2s"
	"github.com/MrWong99/interviewer/pkg/transcript"
)

var (
	// ErrAlreadyActive is returned by Connect while a connection is being set
	// up or running.
	ErrAlreadyActive = errors.New("session: already connecting or connected")

	// ErrSetup wraps every failure returned by Connect after setup started.
	ErrSetup = errors.New("session: setup failed")
)

// setupFallback is reported when a setup error carries no text.
const setupFallback = "Failed to initialize audio or connection."

// Devices opens the local audio endpoints for a connection.
type Devices interface {
	// OpenMicrophone returns a stopped microphone delivering mono float32
	// samples at sampleRate.
	OpenMicrophone(ctx context.Context, sampleRate, channels int) (audio.Microphone, error)

	// OpenOutput returns an output clock at sampleRate.
	OpenOutput(ctx context.Context, sampleRate, channels int) (audio.Output, error)
}

// Observer receives rendering updates. Nil fields are skipped. Callbacks run
// on the control goroutine, the microphone thread or the caller of
// Connect/Disconnect, never while the client lock is held.
type Observer struct {
	OnStateChange func(State)
	OnVolume      func(in, out float64)
	OnTranscript  func(text string, isUser bool)
	OnError       func(msg string)
}

// Config is the per-connection configuration. It is copied at Connect.
type Config struct {
	// Session is passed through to the provider unchanged.
	Session s2s.SessionConfig

	Capture  capture.Config
	Playback playback.Config

	// OutputSampleRate and OutputChannels select the output device format.
	// The device resamples model audio as needed. Default 24000 Hz mono.
	OutputSampleRate int
	OutputChannels   int
}

func (c Config) withDefaults() Config {
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = playback.DefaultSampleRate
	}
	if c.OutputChannels <= 0 {
		c.OutputChannels = 1
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Client)

// WithMetrics sets the metrics recorder shared with the audio pipelines.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// Client is the session state machine. All methods are safe for concurrent
// use.
type Client struct {
	provider s2s.Provider
	devices  Devices
	obs      Observer
	metrics  *observe.Metrics
	log      *slog.Logger

	turns transcript.Log

	mu    sync.Mutex
	cfg   Config
	state State
	conn  *connection
	id    string
}

// New creates a disconnected client.
func New(provider s2s.Provider, devices Devices, cfg Config, obs Observer, opts ...Option) *Client {
	c := &Client{
		provider: provider,
		devices:  devices,
		obs:      obs,
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the identifier of the current or most recent connection, or ""
// before the first Connect.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Transcript returns a snapshot of the conversation so far. The transcript is
// cleared by Connect and kept after the connection ends.
func (c *Client) Transcript() []transcript.Turn {
	return c.turns.Turns()
}

// UpdateConfig replaces the configuration used by the next Connect. A running
// connection is not affected.
func (c *Client) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.withDefaults()
}

// Connect starts a new connection. It is allowed from DISCONNECTED and ERROR
// and returns [ErrAlreadyActive] otherwise. Connect returns once the devices
// are open and the remote session is dialled; the state moves to CONNECTED
// when the remote side acknowledges the setup.
//
// On failure everything opened so far is released, the state becomes ERROR,
// OnError receives a readable message and the returned error wraps
// [ErrSetup].
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.connect")
	defer span.End()

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	cn := &connection{
		id:      uuid.NewString(),
		started: time.Now(),
		metrics: c.metrics,
	}
	cn.log = observe.LoggerWithTrace(ctx, c.log).With("session_id", cn.id)
	cfg := c.cfg
	c.conn = cn
	c.id = cn.id
	c.state = StateConnecting
	c.mu.Unlock()

	span.SetAttributes(observe.Attr("session.id", cn.id))
	c.turns.Reset()
	c.transitioned(ctx, StateConnecting)

	remote, err := c.acquire(ctx, cn, cfg)
	if err != nil {
		span.RecordError(err)
		return c.setupFailed(ctx, cn, err)
	}

	go c.run(cn, remote)
	return nil
}

// acquire opens the connection's resources in order. Each one is adopted by
// cn, or released at once if cn was torn down meanwhile.
func (c *Client) acquire(ctx context.Context, cn *connection, cfg Config) (s2s.SessionHandle, error) {
	out, err := c.devices.OpenOutput(ctx, cfg.OutputSampleRate, cfg.OutputChannels)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	sched := playback.New(out, cfg.Playback,
		playback.WithVolumeFunc(c.volume),
		playback.WithMetrics(c.metrics),
		playback.WithLogger(cn.log),
	)
	if !cn.adopt(func() { cn.out, cn.sched = out, sched }) {
		sched.Shutdown()
		return nil, errors.Join(errTornDown, out.Close())
	}

	capCfg := cfg.Capture
	if capCfg.SampleRate <= 0 {
		capCfg.SampleRate = capture.DefaultSampleRate
	}
	mic, err := c.devices.OpenMicrophone(ctx, capCfg.SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	if !cn.adopt(func() { cn.mic = mic }) {
		return nil, errors.Join(errTornDown, mic.Close())
	}

	remote, err := c.provider.Connect(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	pipe := capture.New(mic, remote, capCfg,
		capture.WithVolumeFunc(c.volume),
		capture.WithMetrics(c.metrics),
		capture.WithLogger(cn.log),
	)
	if !cn.adopt(func() { cn.remote, cn.pipe, cn.counted = remote, pipe, true }) {
		return nil, errors.Join(errTornDown, remote.Close())
	}
	c.metrics.SessionActive.Add(ctx, 1)
	return remote, nil
}

// errTornDown marks a Connect that lost a race with Disconnect.
var errTornDown = errors.New("disconnected while connecting")

func (c *Client) setupFailed(ctx context.Context, cn *connection, err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrSetup, err)
	c.metrics.RecordConnect(ctx, time.Since(cn.started).Seconds(), "error")

	if !c.detach(cn) {
		// Disconnect owns the teardown and the final state.
		return wrapped
	}
	if terr := cn.teardown(); terr != nil {
		cn.log.Warn("session: teardown after failed setup", "err", terr)
	}
	c.finish(StateError)

	cn.log.Error("session: setup failed", "err", err)
	msg := err.Error()
	if msg == "" {
		msg = setupFallback
	}
	c.reportError(msg)
	return wrapped
}

// Disconnect tears down the current connection. Every step runs even when an
// earlier one fails; the failures are joined into the returned error and the
// final state is DISCONNECTED. From DISCONNECTED it is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return nil
	case StateError:
		c.state = StateDisconnected
		c.mu.Unlock()
		c.transitioned(context.Background(), StateDisconnected)
		return nil
	}
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if cn != nil {
		if err = cn.teardown(); err != nil {
			c.log.Warn("session: teardown failed", "err", err)
		}
	}
	c.finish(StateDisconnected)
	return err
}

// run is the control goroutine of one connection. It exits when the event
// stream ends.
func (c *Client) run(cn *connection, remote s2s.SessionHandle) {
	for ev := range remote.Events() {
		switch ev.Kind {
		case s2s.EventOpen:
			c.opened(cn)
		case s2s.EventMessage:
			c.dispatch(cn, ev.Message)
		case s2s.EventError:
			c.failed(cn, ev.Err)
			return
		case s2s.EventClose:
			c.closed(cn)
			return
		}
	}
}

func (c *Client) opened(cn *connection) {
	ctx := context.Background()
	c.mu.Lock()
	if c.conn != cn || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()

	c.metrics.RecordConnect(ctx, time.Since(cn.started).Seconds(), "ok")
	c.transitioned(ctx, StateConnected)

	if err := cn.startCapture(); err != nil {
		c.failed(cn, fmt.Errorf("start capture: %w", err))
	}
}

func (c *Client) dispatch(cn *connection, m *s2s.ServerMessage) {
	if m == nil {
		return
	}
	c.mu.Lock()
	live := c.conn == cn && c.state == StateConnected
	c.mu.Unlock()
	if !live {
		return
	}

	if m.InputTranscription != "" {
		c.turns.Add(m.InputTranscription, true)
		c.transcribed(m.InputTranscription, true)
	}
	if m.OutputTranscription != "" {
		c.turns.Add(m.OutputTranscription, false)
		c.transcribed(m.OutputTranscription, false)
	}
	for _, chunk := range m.Audio {
		if err := cn.sched.Enqueue(chunk); err != nil && !errors.Is(err, playback.ErrClosed) {
			cn.log.Debug("session: audio chunk dropped", "err", err)
		}
	}
	if m.Interrupted {
		cn.log.Debug("session: interrupted by user")
		cn.sched.Flush()
	}
	if m.TurnComplete {
		cn.log.Debug("session: turn complete", "turns", c.turns.Len())
		c.metrics.SessionTurns.Add(context.Background(), 1)
	}
}

func (c *Client) failed(cn *connection, err error) {
	if !c.detach(cn) {
		return
	}
	text := "Unknown network error"
	if err != nil && err.Error() != "" {
		text = err.Error()
	}
	cn.log.Error("session: connection error", "err", err)
	c.reportError("Connection error: " + text)

	if terr := cn.teardown(); terr != nil {
		cn.log.Warn("session: teardown after error", "err", terr)
	}
	c.finish(StateError)
}

func (c *Client) closed(cn *connection) {
	if !c.detach(cn) {
		return
	}
	cn.log.Info("session: closed by remote")
	if err := cn.teardown(); err != nil {
		cn.log.Warn("session: teardown after close", "err", err)
	}
	c.finish(StateDisconnected)
}

// detach makes cn no longer current. It reports false when cn was already
// replaced or detached, in which case the caller must not touch the state.
func (c *Client) detach(cn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != cn {
		return false
	}
	c.conn = nil
	return true
}

// finish sets the terminal state of a detached connection. A later Connect
// or a Disconnect that already settled the state wins.
func (c *Client) finish(to State) {
	c.mu.Lock()
	if c.conn != nil || c.state == to || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.transitioned(context.Background(), to)
}

func (c *Client) transitioned(ctx context.Context, s State) {
	c.log.Info("session: state changed", "state", s.String())
	c.metrics.RecordTransition(ctx, s.String())
	if c.obs.OnStateChange != nil {
		c.obs.OnStateChange(s)
	}
}

func (c *Client) volume(in, out float64) {
	if c.obs.OnVolume != nil {
		c.obs.OnVolume(in, out)
	}
}

func (c *Client) transcribed(text string, isUser bool) {
	if c.obs.OnTranscript != nil {
		c.obs.OnTranscript(text, isUser)
	}
}

func (c *Client) reportError(msg string) {
	if c.obs.OnError != nil {
		c.obs.OnError(msg)
	}
}
