package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/interviewer/pkg/provider/s2s"
	"github.com/MrWong99/interviewer/pkg/provider/s2s/mock"
)

var errTest = errors.New("test error")

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clk *fakeClock, cfg Config) *Breaker {
	cfg.Name = "test"
	return NewBreaker(cfg, WithClock(clk.Now))
}

func fail() error    { return errTest }
func succeed() error { return nil }

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()
	b := NewBreaker(Config{})
	if b.cfg.MaxFailures != 3 || b.cfg.ResetTimeout != 30*time.Second || b.cfg.HalfOpenMax != 1 {
		t.Errorf("defaults: got %+v", b.cfg)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := newTestBreaker(clk, Config{MaxFailures: 3, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_ = b.Do(fail)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after 2 failures, want closed", b.State())
	}
	_ = b.Do(fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 3 failures, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
	if err := b.Check(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Check = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(newFakeClock(), Config{MaxFailures: 2})
	_ = b.Do(fail)
	_ = b.Do(succeed)
	_ = b.Do(fail)
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed (failures were not consecutive)", b.State())
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"probe succeeds", succeed, StateClosed},
		{"probe fails", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			clk := newFakeClock()
			b := newTestBreaker(clk, Config{MaxFailures: 1, ResetTimeout: 10 * time.Second})
			_ = b.Do(fail)

			clk.Advance(10 * time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v after timeout, want half-open", b.State())
			}
			if err := b.Check(context.Background()); err != nil {
				t.Errorf("Check in half-open = %v, want nil", err)
			}
			_ = b.Do(tt.probe)
			if b.State() != tt.want {
				t.Errorf("state = %v, want %v", b.State(), tt.want)
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := newTestBreaker(clk, Config{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	_ = b.Do(fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Do(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := newTestBreaker(newFakeClock(), Config{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = b.Do(fail)
	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("state = %v after Reset, want closed", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Errorf("Do after Reset = %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

// ── GuardedProvider ──────────────────────────────────────────────────────────

func TestGuardS2S_FailsFastWhenOpen(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{ConnectErr: errTest}
	g := GuardS2S(p, newTestBreaker(newFakeClock(), Config{MaxFailures: 2, ResetTimeout: time.Hour}))

	for i := 0; i < 2; i++ {
		if _, err := g.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, errTest) {
			t.Fatalf("Connect %d: err = %v, want errTest", i, err)
		}
	}
	if _, err := g.Connect(context.Background(), s2s.SessionConfig{}); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if n := len(p.ConnectCalls); n != 2 {
		t.Errorf("provider saw %d connects, want 2", n)
	}
}

func TestGuardS2S_PassesSessionThrough(t *testing.T) {
	t.Parallel()
	sess := mock.NewSession()
	p := &mock.Provider{Session: sess}
	g := GuardS2S(p, NewBreaker(Config{}))

	h, err := g.Connect(context.Background(), s2s.SessionConfig{Model: "m"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h != s2s.SessionHandle(sess) {
		t.Error("session handle was wrapped or replaced")
	}
	if p.ConnectCalls[0].Cfg.Model != "m" {
		t.Errorf("config not passed through: %+v", p.ConnectCalls[0].Cfg)
	}
}

func TestGuardS2S_CancelledConnectNotCounted(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &mock.Provider{ConnectErr: context.Canceled}
	b := newTestBreaker(newFakeClock(), Config{MaxFailures: 1})
	g := GuardS2S(p, b)

	if _, err := g.Connect(ctx, s2s.SessionConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}
