// Package mock provides scriptable fakes for the s2s interfaces.
//
// A test hands a [Provider] to the code under test, then drives the remote
// side through the [Session] it returned:
//
//	p := &mock.Provider{}
//	... code under test calls p.Connect ...
//	sess := p.Last()
//	sess.Open()
//	sess.Send(&s2s.ServerMessage{OutputTranscription: "Tell me about yourself."})
//	sess.End()
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/interviewer/pkg/audio/pcm"
	"github.com/MrWong99/interviewer/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)

// ConnectCall is one recorded Connect invocation.
type ConnectCall struct {
	Ctx context.Context
	Cfg s2s.SessionConfig
}

// Provider records Connect calls. Each successful Connect returns Session, or
// a fresh [NewSession] when Session is nil. Set the exported fields before
// use; read the recorded ones after the code under test is done, or through
// the locked accessors while it runs.
type Provider struct {
	Session    s2s.SessionHandle
	ConnectErr error
	Caps       s2s.Capabilities

	mu           sync.Mutex
	ConnectCalls []ConnectCall
	Sessions     []s2s.SessionHandle
}

// Connect records the call and returns ConnectErr or a session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	h := p.Session
	if h == nil {
		h = NewSession()
	}
	p.Sessions = append(p.Sessions, h)
	return h, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() s2s.Capabilities { return p.Caps }

// ConnectCount returns how often Connect was called.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the newest session handed out, or nil when there is none or
// it is not a *Session.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	s, _ := p.Sessions[len(p.Sessions)-1].(*Session)
	return s
}

// Session is a fake remote session. Its event stream is buffered; it closes
// after End, Fail or Close, whichever comes first.
type Session struct {
	// SendAudioErr is returned by every SendAudio before Close.
	SendAudioErr error
	// CloseErr is returned by Close.
	CloseErr error

	mu     sync.Mutex
	frames []pcm.EncodedFrame
	closed bool

	// streamMu orders pushes against closing events.
	streamMu sync.Mutex
	events   chan s2s.Event
	ended    bool
}

// NewSession returns a session whose stream buffers 64 events.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// SendAudio keeps a copy of frame. It fails with [s2s.ErrSessionClosed] once
// Close was called.
func (s *Session) SendAudio(frame pcm.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	frame.Data = slices.Clone(frame.Data)
	s.frames = append(s.frames, frame)
	return s.SendAudioErr
}

// Frames returns the frames sent so far.
func (s *Session) Frames() []pcm.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

// SendAudioCount returns how many frames were accepted.
func (s *Session) SendAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close ends the stream without a terminal event and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()
	s.end()
	return err
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Open delivers [s2s.EventOpen]. Like Send, End and Fail it reports false
// when the stream had already ended.
func (s *Session) Open() bool { return s.push(s2s.Event{Kind: s2s.EventOpen}) }

// Send delivers m as an [s2s.EventMessage].
func (s *Session) Send(m *s2s.ServerMessage) bool {
	return s.push(s2s.Event{Kind: s2s.EventMessage, Message: m})
}

// End delivers [s2s.EventClose] and ends the stream.
func (s *Session) End() bool {
	defer s.end()
	return s.push(s2s.Event{Kind: s2s.EventClose})
}

// Fail delivers an [s2s.EventError] carrying err and ends the stream.
func (s *Session) Fail(err error) bool {
	defer s.end()
	return s.push(s2s.Event{Kind: s2s.EventError, Err: err})
}

func (s *Session) push(ev s2s.Event) bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

func (s *Session) end() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}
