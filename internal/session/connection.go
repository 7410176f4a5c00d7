package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/interviewer/internal/capture"
	"github.com/MrWong99/interviewer/internal/observe"
	"github.com/MrWong99/interviewer/internal/playback"
	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/provider/s2s"
)

// connection holds everything one Connect acquired. Resources are adopted
// one at a time while setup runs; teardown releases whatever was adopted.
// Fields are written only by adopt, before the control goroutine starts.
type connection struct {
	id      string
	started time.Time
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	closed  bool
	counted bool
	mic     audio.Microphone
	out     audio.Output
	sched   *playback.Scheduler
	remote  s2s.SessionHandle
	pipe    *capture.Pipeline
}

// adopt runs set under the connection lock unless the connection was torn
// down, and reports whether it ran.
func (cn *connection) adopt(set func()) bool {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return false
	}
	set()
	return true
}

// startCapture attaches the capture pipeline to the microphone. It is a
// no-op after teardown.
func (cn *connection) startCapture() error {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed || cn.pipe == nil {
		return nil
	}
	return cn.pipe.Start()
}

// teardown releases the connection's resources in a fixed order. Every step
// runs; failures are joined. Only the first call does any work.
func (cn *connection) teardown() error {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil
	}
	cn.closed = true
	mic, out, sched, remote, pipe, counted := cn.mic, cn.out, cn.sched, cn.remote, cn.pipe, cn.counted
	cn.mu.Unlock()

	var errs []error
	if mic != nil {
		if err := mic.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop microphone: %w", err))
		}
	}
	if pipe != nil {
		if err := pipe.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
	}
	if mic != nil {
		if err := mic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close microphone: %w", err))
		}
	}
	if out != nil {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}
	if sched != nil {
		sched.Shutdown()
	}
	if remote != nil {
		if err := remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote: %w", err))
		}
	}
	// A send stalled on the remote returns once the handle is closed.
	if pipe != nil {
		pipe.Wait()
	}
	if counted {
		cn.metrics.SessionActive.Add(context.Background(), -1)
	}
	cn.log.Debug("session: torn down", "failures", len(errs))
	return errors.Join(errs...)
}
