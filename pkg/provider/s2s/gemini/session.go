package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/interviewer/pkg/audio/pcm"
	"github.com/MrWong99/interviewer/pkg/provider/s2s"
)

// session is one live connection. Its read loop is the only sender on events
// and closes the channel on exit.
type session struct {
	conn   *websocket.Conn
	events chan s2s.Event
	log    *slog.Logger

	// ctx ends when Close is called; it bounds every read, write and ping.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	loops     sync.WaitGroup
}

func newSession(conn *websocket.Conn, log *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// start launches the read and ping loops.
func (s *session) start() {
	s.loops.Add(2)
	go func() {
		defer s.loops.Done()
		s.readLoop()
	}()
	go func() {
		defer s.loops.Done()
		s.pingLoop()
	}()
}

func (s *session) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.emit(closeEvent(err))
			}
			return
		}
		var f serverFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn("gemini: skipping malformed frame", "bytes", len(data), "err", err)
			continue
		}
		if !s.dispatch(&f) {
			return
		}
	}
}

// closeEvent maps a read error to the terminal event. Normal closure and
// going-away are a clean end; every other error is a failure.
func closeEvent(err error) s2s.Event {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return s2s.Event{Kind: s2s.EventClose, Err: err}
	}
	return s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: read: %w", err)}
}

// dispatch emits the events carried by f in protocol order. It reports false
// when the stream has ended.
func (s *session) dispatch(f *serverFrame) bool {
	if f.SetupComplete != nil && !s.emit(s2s.Event{Kind: s2s.EventOpen}) {
		return false
	}
	if f.ServerContent != nil {
		if m := f.ServerContent.message(s.log); m != nil && !s.emit(s2s.Event{Kind: s2s.EventMessage, Message: m}) {
			return false
		}
	}
	if f.GoAway != nil {
		left, err := time.ParseDuration(f.GoAway.TimeLeft)
		if err != nil {
			s.log.Info("gemini: server will end the session soon")
		} else {
			s.log.Info("gemini: server will end the session", "time_left", left)
		}
	}
	if f.Error != nil {
		s.emit(s2s.Event{Kind: s2s.EventError, Err: f.Error})
		return false
	}
	return true
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// pingLoop keeps idle connections open through proxies.
func (s *session) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, pingTimeout)
			if err := s.conn.Ping(ctx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini: ping failed", "err", err)
			}
			cancel()
		}
	}
}

// SendAudio writes frame as one realtime media chunk.
func (s *session) SendAudio(frame pcm.EncodedFrame) error {
	if s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	if err := s.write(newRealtime(frame)); err != nil {
		if s.ctx.Err() != nil {
			return s2s.ErrSessionClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

func (s *session) Events() <-chan s2s.Event { return s.events }

// Close ends the session and waits for its loops to exit. Events is closed
// without a terminal event. Safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		// The cancelled read may already have torn the connection down, so
		// the close handshake result is not reported.
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	s.loops.Wait()
	return nil
}
