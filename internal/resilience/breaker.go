// Package resilience protects the interviewer against a backend that keeps
// refusing sessions.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open).
// [GuardS2S] puts one in front of an S2S provider so that repeated connect
// failures, such as a revoked API key or an exhausted quota, fail fast instead
// of opening the microphone and output device on every start.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Success
	// closes the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tuning knobs of a [Breaker].
type Config struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close the
	// breaker again. Default: 1.
	HalfOpenMax int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// Option is a functional option for [NewBreaker].
type Option func(*Breaker)

// WithLogger sets the logger for state changes. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

// NewBreaker returns a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg: cfg.withDefaults(),
		log: slog.Default(),
		now: time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn if the breaker admits the call and records its outcome. A
// rejected call returns [ErrCircuitOpen] without running fn.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes, b.probeWins = 0, 0
		b.log.Info("circuit breaker half-open", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if probe || b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
		return
	}
	b.failures = 0
	if probe {
		b.probeWins++
		if b.probeWins >= b.cfg.HalfOpenMax {
			b.state = StateClosed
			b.log.Info("circuit breaker closed", "name", b.cfg.Name)
		}
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.log.Warn("circuit breaker opened",
		"name", b.cfg.Name,
		"consecutive_failures", b.failures,
		"retry_in", b.cfg.ResetTimeout,
	)
}

// State returns the current state. An open breaker whose timeout has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.probes, b.probeWins = 0, 0, 0
	b.log.Info("circuit breaker reset", "name", b.cfg.Name)
}

// Check reports [ErrCircuitOpen] while calls are rejected. It has the shape of
// a readiness check.
func (b *Breaker) Check(context.Context) error {
	if b.State() == StateOpen {
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrCircuitOpen)
	}
	return nil
}
