// Package gemini implements [s2s.Provider] on top of the Gemini Live
// BidiGenerateContent WebSocket API.
//
// A session sends one setup message, then streams microphone audio as base64
// PCM media chunks. Server frames are decoded into [s2s.Event] values and
// delivered in arrival order on the handle's Events channel.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/interviewer/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultBaseURL is the public Gemini Live WebSocket root.
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	pingInterval = 20 * time.Second
	pingTimeout  = 5 * time.Second

	eventBuffer = 64

	// maxFrameBytes bounds one inbound frame. A few seconds of 24 kHz speech
	// in base64 is far above the library's 32 KiB default.
	maxFrameBytes = 16 << 20
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model used when the session config names none.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces [DefaultBaseURL], e.g. with a local test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithLogger sets the logger for skipped frames and server notices.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider dials Gemini Live sessions. It holds no per-session state and is
// safe for concurrent use.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: DefaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities reports the voices and PCM rates of the Live API.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr"},
		MaxSessionDuration: 15 * time.Minute,
		InputSampleRate:    16000,
		OutputSampleRate:   24000,
	}
}

// Connect dials the endpoint and sends the setup message. The returned handle
// yields [s2s.EventOpen] once the server acknowledges the setup. Errors never
// contain the API key.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	endpoint, err := p.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": {"application/json"}},
	})
	if err != nil {
		return nil, p.redact(fmt.Errorf("gemini: dial: %w", err))
	}
	conn.SetReadLimit(maxFrameBytes)

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	s := newSession(conn, p.log)
	if err := s.write(newSetup(model, cfg)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	s.start()
	return s, nil
}

func (p *Provider) endpoint() (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("gemini: base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + bidiPath
	q := u.Query()
	q.Set("key", p.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redact masks the API key in err's message. The dial error embeds the full
// request URL, query included.
func (p *Provider) redact(err error) error {
	if p.apiKey == "" {
		return err
	}
	msg := err.Error()
	masked := strings.ReplaceAll(msg, url.QueryEscape(p.apiKey), "REDACTED")
	masked = strings.ReplaceAll(masked, p.apiKey, "REDACTED")
	if masked == msg {
		return err
	}
	return &redactedError{msg: masked, err: err}
}

// redactedError replaces the message of err but keeps it for errors.Is/As.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }
