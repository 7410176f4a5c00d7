package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/interviewer/internal/session"
	"github.com/MrWong99/interviewer/pkg/indicator"
	"github.com/MrWong99/interviewer/pkg/transcript"
)

// controller is the part of [session.Client] driven by the console.
type controller interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() session.State
	Transcript() []transcript.Turn
}

// console is the terminal front end. It renders session updates as lines of
// text and turns stdin commands into Connect/Disconnect calls.
type console struct {
	out io.Writer

	mu     sync.Mutex
	ctl    controller
	state  session.State
	status string
}

func newConsole(out io.Writer) *console {
	return &console{
		out:    out,
		status: indicator.Status(false, 0, 0),
	}
}

// attach sets the controller commands are applied to.
func (c *console) attach(ctl controller) {
	c.mu.Lock()
	c.ctl = ctl
	c.mu.Unlock()
}

func (c *console) observer() session.Observer {
	return session.Observer{
		OnStateChange: c.stateChanged,
		OnVolume:      c.volume,
		OnTranscript:  c.transcribed,
		OnError:       c.reportError,
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) stateChanged(s session.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.printf("[state] %s\n", s)
	c.volume(0, 0)
}

// volume prints the status line whenever it changes. It runs on the audio
// threads, so only transitions produce output.
func (c *console) volume(in, out float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := c.state == session.StateConnected
	status := indicator.Status(active, in, out)
	if status == c.status {
		return
	}
	c.status = status
	fmt.Fprintf(c.out, "[status] %s (%s)\n", status, indicator.Derive(active, in, out).Mode)
}

func (c *console) transcribed(text string, isUser bool) {
	c.printf("%s: %s\n", speakerLabel(isUser), strings.TrimSpace(text))
}

func (c *console) reportError(msg string) {
	c.printf("[error] %s\n", msg)
}

// run reads commands from in until quit, EOF or ctx is done.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read commands: %w", err)
			}
			return nil
		case line := <-lines:
			if done := c.exec(ctx, line); done {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(ctx context.Context, line string) bool {
	c.mu.Lock()
	ctl := c.ctl
	c.mu.Unlock()

	switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
	case "":
	case "start":
		if err := ctl.Connect(ctx); err != nil {
			slog.Debug("connect failed", "err", err)
			if ctl.State() != session.StateError {
				c.printf("[error] %v\n", err)
			}
		}
	case "stop":
		if err := ctl.Disconnect(); err != nil {
			c.printf("[error] %v\n", err)
		}
	case "transcript":
		c.printTranscript(ctl.Transcript())
	case "quit", "exit":
		return true
	default:
		c.printf("unknown command %q; commands: start, stop, transcript, quit\n", cmd)
	}
	return false
}

func (c *console) printTranscript(turns []transcript.Turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(turns) == 0 {
		fmt.Fprintln(c.out, "(transcript is empty)")
		return
	}
	for _, t := range turns {
		fmt.Fprintf(c.out, "%s: %s\n", speakerLabel(t.IsUser()), strings.TrimSpace(t.Text))
	}
}

func speakerLabel(isUser bool) string {
	if isUser {
		return "Candidate"
	}
	return "Interviewer"
}
