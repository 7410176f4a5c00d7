// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice model that accepts raw microphone
// audio and answers with synthesised speech and live transcription in a single,
// stateful session. Gemini Live is the reference backend.
//
// The central abstraction is SessionHandle: outbound audio goes through
// SendAudio, and everything the remote side says arrives as an ordered stream
// of typed [Event] values on one channel. A consumer runs a single goroutine
// that ranges over Events and reacts to each kind; there are no callbacks
// invoked from transport goroutines.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/interviewer/pkg/audio/pcm"
)

// ErrSessionClosed is returned by SendAudio after the session was closed.
var ErrSessionClosed = errors.New("s2s: session closed")

// SessionConfig is the initial configuration for a new S2S session. Its
// contents are opaque to the audio core and passed through to the backend.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Instructions is the system-level prompt that defines the persona.
	Instructions string

	// Voice is the backend's prebuilt voice name, e.g. "Puck".
	Voice string

	// ResponseModalities lists the requested output kinds. Defaults to
	// ["AUDIO"] when empty.
	ResponseModalities []string

	// InputTranscription requests transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcription of the model's speech.
	OutputTranscription bool
}

// EventKind discriminates the [Event] variants.
type EventKind int

const (
	// EventOpen is emitted once, when the backend has accepted the session
	// setup and is ready to receive audio.
	EventOpen EventKind = iota

	// EventMessage carries one decoded server message.
	EventMessage

	// EventClose is emitted when the remote side closed the session normally.
	// It is terminal.
	EventClose

	// EventError is emitted when the session failed. It is terminal.
	EventError
)

// String returns the lower-case kind name.
func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of the session's inbound stream.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message *ServerMessage

	// Err is set for EventError and may describe the close reason for EventClose.
	Err error
}

// ServerMessage is the subset of a server content update the client acts on.
// Any combination of fields may be set in a single message.
type ServerMessage struct {
	// InputTranscription is a fragment of the user's recognised speech.
	InputTranscription string

	// OutputTranscription is a fragment of the model's spoken text.
	OutputTranscription string

	// Audio holds zero or more decoded 16-bit PCM chunks of model speech.
	Audio [][]byte

	// Interrupted reports that the user barged in and pending model speech
	// must be discarded.
	Interrupted bool

	// TurnComplete marks the end of a model turn.
	TurnComplete bool
}

// Capabilities describes static properties of an S2S provider.
type Capabilities struct {
	// Voices lists the prebuilt voice names the backend accepts.
	Voices []string

	// MaxSessionDuration is the backend's hard limit on session lifetime.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// InputSampleRate is the PCM rate the backend expects from the microphone.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of synthesised speech.
	OutputSampleRate int
}

// Check reports the settings the backend does not support: a voice missing
// from Voices, a capture rate other than InputSampleRate, or a playback rate
// other than OutputSampleRate. Empty capability fields and an empty voice are
// not checked. The problems are joined into one error.
func (c Capabilities) Check(cfg SessionConfig, captureRate, playbackRate int) error {
	var errs []error
	if cfg.Voice != "" && len(c.Voices) > 0 && !slices.Contains(c.Voices, cfg.Voice) {
		errs = append(errs, fmt.Errorf("s2s: voice %q not offered (voices: %v)", cfg.Voice, c.Voices))
	}
	if c.InputSampleRate > 0 && captureRate != c.InputSampleRate {
		errs = append(errs, fmt.Errorf("s2s: capture rate %d Hz, backend expects %d Hz", captureRate, c.InputSampleRate))
	}
	if c.OutputSampleRate > 0 && playbackRate != c.OutputSampleRate {
		errs = append(errs, fmt.Errorf("s2s: playback rate %d Hz, backend sends %d Hz", playbackRate, c.OutputSampleRate))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded microphone frame. Returns
	// [ErrSessionClosed] after Close, or a transport error. A SendAudio
	// blocked on the transport returns when Close is called.
	SendAudio(frame pcm.EncodedFrame) error

	// Events returns the inbound stream. It yields at most one EventOpen,
	// then messages, then at most one terminal EventClose or EventError,
	// and is closed afterwards. After a local Close the channel is closed
	// without a terminal event.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the backend and sends the session setup. The returned
	// handle may not be ready for audio until it yields [EventOpen].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
