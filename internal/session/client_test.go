package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/interviewer/internal/capture"
	"github.com/MrWong99/interviewer/internal/observe"
	"github.com/MrWong99/interviewer/pkg/audio"
	audiomock "github.com/MrWong99/interviewer/pkg/audio/mock"
	"github.com/MrWong99/interviewer/pkg/audio/pcm"
	"github.com/MrWong99/interviewer/pkg/provider/s2s"
	s2smock "github.com/MrWong99/interviewer/pkg/provider/s2s/mock"
	"github.com/MrWong99/interviewer/pkg/transcript"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ─── Fakes ────────────────────────────────────────────────────────────────────

type fakeDevices struct {
	mu sync.Mutex

	micErr error
	outErr error

	// onMicOpen runs inside OpenMicrophone before it returns.
	onMicOpen func()

	// micStopErr and outCloseErr are copied onto every device handed out.
	micStopErr  error
	outCloseErr error

	mics []*audiomock.Microphone
	outs []*audiomock.Output

	micRates []int
	outRates []int
}

func (d *fakeDevices) OpenMicrophone(_ context.Context, sampleRate, _ int) (audio.Microphone, error) {
	d.mu.Lock()
	d.micRates = append(d.micRates, sampleRate)
	if d.micErr != nil {
		d.mu.Unlock()
		return nil, d.micErr
	}
	m := &audiomock.Microphone{StopError: d.micStopErr}
	d.mics = append(d.mics, m)
	hook := d.onMicOpen
	d.mu.Unlock()
	if hook != nil {
		hook()
	}
	return m, nil
}

func (d *fakeDevices) OpenOutput(_ context.Context, sampleRate, _ int) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outRates = append(d.outRates, sampleRate)
	if d.outErr != nil {
		return nil, d.outErr
	}
	o := &audiomock.Output{CloseError: d.outCloseErr}
	d.outs = append(d.outs, o)
	return o, nil
}

func (d *fakeDevices) mic(i int) *audiomock.Microphone {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mics[i]
}

func (d *fakeDevices) out(i int) *audiomock.Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outs[i]
}

func (d *fakeDevices) opened() (mics, outs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mics), len(d.outs)
}

// recorder captures every observer callback.
type recorder struct {
	mu          sync.Mutex
	states      []State
	errs        []string
	fragments   []string
	volumeCalls int
}

func (r *recorder) observer() Observer {
	return Observer{
		OnStateChange: func(s State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnVolume: func(_, _ float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.volumeCalls++
		},
		OnTranscript: func(text string, isUser bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			who := "model"
			if isUser {
				who = "user"
			}
			r.fragments = append(r.fragments, who+":"+text)
		},
		OnError: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, msg)
		},
	}
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states)
}

func (r *recorder) errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.errs)
}

func (r *recorder) transcriptFragments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fragments)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testConfig() Config {
	return Config{
		Session: s2s.SessionConfig{Instructions: "be brief", Voice: "Puck"},
		Capture: capture.Config{FrameSize: 4},
	}
}

func newTestClient(t *testing.T) (*Client, *s2smock.Provider, *fakeDevices, *recorder) {
	t.Helper()
	p := &s2smock.Provider{}
	d := &fakeDevices{}
	r := &recorder{}
	c := New(p, d, testConfig(), r.observer(), WithMetrics(testMetrics(t)))
	return c, p, d, r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return c.State() == want })
}

// connectOpen connects and acknowledges the session.
func connectOpen(t *testing.T, c *Client, p *s2smock.Provider) *s2smock.Session {
	t.Helper()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := p.Last()
	sess.Open()
	waitState(t, c, StateConnected)
	return sess
}

func tone(level float32, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = level
	}
	return s
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateError, "ERROR"},
		{State(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q; want %q", tt.s, got, tt.want)
		}
	}
}

func TestClient_EndToEnd(t *testing.T) {
	t.Parallel()

	c, p, d, r := newTestClient(t)
	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %v", c.State())
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnecting {
		t.Fatalf("state after Connect = %v; want CONNECTING", c.State())
	}
	if c.ID() == "" {
		t.Error("ID is empty after Connect")
	}
	if got := p.ConnectCalls[0].Cfg.Instructions; got != "be brief" {
		t.Errorf("session config not passed through: instructions = %q", got)
	}
	mic := d.mic(0)
	if mic.Started() {
		t.Fatal("microphone streaming before the channel opened")
	}

	sess := p.Last()
	sess.Open()
	waitState(t, c, StateConnected)
	eventually(t, "microphone start", mic.Started)

	mic.Push(tone(0.5, 4))
	eventually(t, "frame sent", func() bool { return sess.SendAudioCount() == 1 })

	chunk := pcm.Encode(tone(0.25, 2400), 24000).Data
	sess.Send(&s2s.ServerMessage{InputTranscription: "Hel"})
	sess.Send(&s2s.ServerMessage{InputTranscription: "lo"})
	sess.Send(&s2s.ServerMessage{OutputTranscription: "Hi there", Audio: [][]byte{chunk}})
	sess.Send(&s2s.ServerMessage{TurnComplete: true})

	out := d.out(0)
	eventually(t, "audio scheduled", func() bool { return len(out.Scheduled()) == 1 })

	want := []transcript.Turn{
		{Speaker: transcript.SpeakerUser, Text: "Hello"},
		{Speaker: transcript.SpeakerModel, Text: "Hi there"},
	}
	eventually(t, "transcript", func() bool { return slices.Equal(c.Transcript(), want) })
	if got := r.transcriptFragments(); !slices.Equal(got, []string{"user:Hel", "user:lo", "model:Hi there"}) {
		t.Errorf("fragments = %v", got)
	}

	sess.Send(&s2s.ServerMessage{Interrupted: true})
	voice := out.Scheduled()[0].Voice()
	eventually(t, "flush on interruption", voice.Stopped)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state after Disconnect = %v", c.State())
	}
	if !mic.Closed() || mic.CallCountStop != 1 {
		t.Errorf("microphone closed = %v, stops = %d", mic.Closed(), mic.CallCountStop)
	}
	if !out.Closed() {
		t.Error("output not closed")
	}
	if !sess.Closed() {
		t.Error("remote session not closed")
	}
	if mic.Push(tone(0.5, 4)) {
		t.Error("microphone callback still registered after Disconnect")
	}

	wantStates := []State{StateConnecting, StateConnected, StateDisconnected}
	if got := r.stateLog(); !slices.Equal(got, wantStates) {
		t.Errorf("states = %v; want %v", got, wantStates)
	}
	if len(r.errors()) != 0 {
		t.Errorf("unexpected errors: %v", r.errors())
	}
	if len(c.Transcript()) != 2 {
		t.Error("transcript cleared by Disconnect")
	}
}

func TestClient_InterruptedAnswer(t *testing.T) {
	t.Parallel()

	c, p, d, _ := newTestClient(t)
	sess := connectOpen(t, c, p)
	out := d.out(0)

	half := pcm.Encode(tone(0.3, 12000), 24000).Data // 0.5 s at 24 kHz
	sess.Send(&s2s.ServerMessage{InputTranscription: "five"})
	sess.Send(&s2s.ServerMessage{InputTranscription: "hour"})
	sess.Send(&s2s.ServerMessage{Audio: [][]byte{half}})
	sess.Send(&s2s.ServerMessage{Audio: [][]byte{half}})

	eventually(t, "both chunks scheduled", func() bool { return len(out.Scheduled()) == 2 })
	want := []transcript.Turn{{Speaker: transcript.SpeakerUser, Text: "fivehour"}}
	if got := c.Transcript(); !slices.Equal(got, want) {
		t.Errorf("transcript = %v; want %v", got, want)
	}
	segs := out.Scheduled()
	if gap := segs[1].At - segs[0].At; gap != 500*time.Millisecond {
		t.Errorf("second chunk starts %v after the first; want 500ms", gap)
	}

	sess.Send(&s2s.ServerMessage{Interrupted: true})
	eventually(t, "both segments stopped", func() bool {
		return segs[0].Voice().Stopped() && segs[1].Voice().Stopped()
	})
}

func TestClient_ConnectWhileActive(t *testing.T) {
	t.Parallel()

	c, p, d, _ := newTestClient(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Connect err = %v; want ErrAlreadyActive", err)
	}

	p.Last().Open()
	waitState(t, c, StateConnected)
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("Connect while connected err = %v; want ErrAlreadyActive", err)
	}

	if mics, outs := d.opened(); mics != 1 || outs != 1 {
		t.Errorf("opened %d microphones and %d outputs; want 1 each", mics, outs)
	}
	if p.ConnectCount() != 1 {
		t.Errorf("provider dialled %d times; want 1", p.ConnectCount())
	}
	_ = c.Disconnect()
}

func TestClient_SetupFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     func(p *s2smock.Provider, d *fakeDevices)
		wantMsg   string
		wantMics  int
		wantOuts  int
		wantDials int
	}{
		{
			name:    "output unavailable",
			setup:   func(_ *s2smock.Provider, d *fakeDevices) { d.outErr = errors.New("no sound card") },
			wantMsg: "open output: no sound card",
		},
		{
			name:     "microphone denied",
			setup:    func(_ *s2smock.Provider, d *fakeDevices) { d.micErr = errors.New("permission denied") },
			wantMsg:  "open microphone: permission denied",
			wantOuts: 1,
		},
		{
			name:      "dial failure",
			setup:     func(p *s2smock.Provider, _ *fakeDevices) { p.ConnectErr = errors.New("dns failure") },
			wantMsg:   "connect: dns failure",
			wantMics:  1,
			wantOuts:  1,
			wantDials: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, p, d, r := newTestClient(t)
			tt.setup(p, d)

			err := c.Connect(context.Background())
			if !errors.Is(err, ErrSetup) {
				t.Fatalf("Connect err = %v; want ErrSetup", err)
			}
			if c.State() != StateError {
				t.Errorf("state = %v; want ERROR", c.State())
			}
			if got := r.errors(); len(got) != 1 || got[0] != tt.wantMsg {
				t.Errorf("OnError = %v; want [%q]", got, tt.wantMsg)
			}
			mics, outs := d.opened()
			if mics != tt.wantMics || outs != tt.wantOuts || p.ConnectCount() != tt.wantDials {
				t.Errorf("opened mics=%d outs=%d dials=%d", mics, outs, p.ConnectCount())
			}
			for i := range mics {
				if !d.mic(i).Closed() {
					t.Error("microphone leaked")
				}
			}
			for i := range outs {
				if !d.out(i).Closed() {
					t.Error("output leaked")
				}
			}
			wantStates := []State{StateConnecting, StateError}
			if got := r.stateLog(); !slices.Equal(got, wantStates) {
				t.Errorf("states = %v; want %v", got, wantStates)
			}
		})
	}
}

func TestClient_RecoversAfterError(t *testing.T) {
	t.Parallel()

	c, p, d, _ := newTestClient(t)
	d.micErr = errors.New("busy")
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded with a busy microphone")
	}
	first := c.ID()

	d.mu.Lock()
	d.micErr = nil
	d.mu.Unlock()
	connectOpen(t, c, p)
	if c.ID() == first {
		t.Error("connection id reused")
	}
	_ = c.Disconnect()
}

func TestClient_RemoteError(t *testing.T) {
	t.Parallel()

	c, p, d, r := newTestClient(t)
	sess := connectOpen(t, c, p)

	sess.Fail(errors.New("quota exceeded"))
	waitState(t, c, StateError)

	if got := r.errors(); len(got) != 1 || got[0] != "Connection error: quota exceeded" {
		t.Errorf("OnError = %v", got)
	}
	mic, out := d.mic(0), d.out(0)
	if !mic.Closed() || !out.Closed() || !sess.Closed() {
		t.Errorf("closed mic=%v out=%v remote=%v; want all", mic.Closed(), out.Closed(), sess.Closed())
	}
	if p.ConnectCount() != 1 {
		t.Errorf("client redialled %d times after an error", p.ConnectCount()-1)
	}

	// ERROR → Disconnect → DISCONNECTED without touching the devices again.
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v; want DISCONNECTED", c.State())
	}
	if mic.CallCountClose != 1 {
		t.Errorf("microphone closed %d times; want 1", mic.CallCountClose)
	}
}

func TestClient_RemoteErrorWithoutText(t *testing.T) {
	t.Parallel()

	c, p, _, r := newTestClient(t)
	sess := connectOpen(t, c, p)
	sess.Fail(nil)
	waitState(t, c, StateError)

	if got := r.errors(); len(got) != 1 || got[0] != "Connection error: Unknown network error" {
		t.Errorf("OnError = %v", got)
	}
}

func TestClient_RemoteClose(t *testing.T) {
	t.Parallel()

	c, p, d, r := newTestClient(t)
	sess := connectOpen(t, c, p)

	sess.End()
	waitState(t, c, StateDisconnected)

	if !d.mic(0).Closed() || !d.out(0).Closed() {
		t.Error("devices not released after remote close")
	}
	if len(r.errors()) != 0 {
		t.Errorf("remote close reported errors: %v", r.errors())
	}
}

func TestClient_MessagesBeforeOpenIgnored(t *testing.T) {
	t.Parallel()

	c, p, d, _ := newTestClient(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := p.Last()
	sess.Send(&s2s.ServerMessage{OutputTranscription: "early"})
	sess.Open()
	sess.Send(&s2s.ServerMessage{OutputTranscription: "late"})

	eventually(t, "late fragment", func() bool { return len(c.Transcript()) == 1 })
	if got := c.Transcript()[0].Text; got != "late" {
		t.Errorf("transcript = %q; want only the fragment after open", got)
	}
	if len(d.out(0).Scheduled()) != 0 {
		t.Error("audio scheduled before open")
	}
	_ = c.Disconnect()
}

func TestClient_DisconnectStates(t *testing.T) {
	t.Parallel()

	t.Run("disconnected is a no-op", func(t *testing.T) {
		t.Parallel()
		c, _, _, r := newTestClient(t)
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if len(r.stateLog()) != 0 {
			t.Errorf("state changes = %v; want none", r.stateLog())
		}
	})

	t.Run("connecting", func(t *testing.T) {
		t.Parallel()
		c, p, d, _ := newTestClient(t)
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		sess := p.Last()
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if c.State() != StateDisconnected {
			t.Errorf("state = %v", c.State())
		}
		if !sess.Closed() || !d.mic(0).Closed() {
			t.Error("resources not released")
		}
		// A late open for the old connection changes nothing.
		sess.Open()
		time.Sleep(10 * time.Millisecond)
		if c.State() != StateDisconnected {
			t.Errorf("stale open moved state to %v", c.State())
		}
	})

	t.Run("twice", func(t *testing.T) {
		t.Parallel()
		c, p, _, r := newTestClient(t)
		connectOpen(t, c, p)
		_ = c.Disconnect()
		_ = c.Disconnect()
		if n := strings.Count(strings.Join(stateNames(r.stateLog()), ","), "DISCONNECTED"); n != 1 {
			t.Errorf("DISCONNECTED reported %d times; want 1", n)
		}
	})
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.String()
	}
	return out
}

func TestClient_TeardownFailuresJoined(t *testing.T) {
	t.Parallel()

	c, p, d, _ := newTestClient(t)
	d.micStopErr = errors.New("mic wedged")
	d.outCloseErr = errors.New("output wedged")
	sess := connectOpen(t, c, p)

	err := c.Disconnect()
	if err == nil {
		t.Fatal("Disconnect returned nil despite failures")
	}
	for _, want := range []string{"mic wedged", "output wedged"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v; want DISCONNECTED", c.State())
	}
	if !d.mic(0).Closed() || !sess.Closed() {
		t.Error("later teardown steps skipped after a failure")
	}
}

// stalledSession blocks every SendAudio until Close, like a transport whose
// peer stopped reading.
type stalledSession struct {
	*s2smock.Session
	entered  chan struct{}
	release  chan struct{}
	released sync.Once
}

func newStalledSession() *stalledSession {
	return &stalledSession{
		Session: s2smock.NewSession(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *stalledSession) SendAudio(pcm.EncodedFrame) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s2s.ErrSessionClosed
}

func (s *stalledSession) Close() error {
	s.released.Do(func() { close(s.release) })
	return s.Session.Close()
}

func TestClient_DisconnectWithStalledSend(t *testing.T) {
	t.Parallel()

	c, p, d, _ := newTestClient(t)
	stalled := newStalledSession()
	p.Session = stalled
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	stalled.Open()
	waitState(t, c, StateConnected)
	eventually(t, "microphone start", d.mic(0).Started)

	d.mic(0).Push(tone(0.5, 4))
	select {
	case <-stalled.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the remote")
	}

	done := make(chan error, 1)
	go func() { done <- c.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Disconnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Disconnect hung on a stalled send; state = %v", c.State())
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v; want DISCONNECTED", c.State())
	}
	if !stalled.Closed() || !d.mic(0).Closed() || !d.out(0).Closed() {
		t.Error("teardown skipped a resource")
	}
}

func TestClient_DisconnectDuringConnect(t *testing.T) {
	t.Parallel()

	p := &s2smock.Provider{}
	d := &fakeDevices{}
	r := &recorder{}
	c := New(p, d, testConfig(), r.observer(), WithMetrics(testMetrics(t)))
	d.onMicOpen = func() { _ = c.Disconnect() }

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrSetup) {
		t.Fatalf("Connect err = %v; want ErrSetup", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v; want DISCONNECTED", c.State())
	}
	if !d.mic(0).Closed() || !d.out(0).Closed() {
		t.Error("devices opened during the race were not released")
	}
	if p.ConnectCount() != 0 {
		t.Error("provider dialled after Disconnect")
	}
	if len(r.errors()) != 0 {
		t.Errorf("OnError = %v; want none", r.errors())
	}
}

func TestClient_ConnectClearsTranscript(t *testing.T) {
	t.Parallel()

	c, p, _, _ := newTestClient(t)
	sess := connectOpen(t, c, p)
	sess.Send(&s2s.ServerMessage{OutputTranscription: "Welcome"})
	eventually(t, "transcript", func() bool { return len(c.Transcript()) == 1 })
	_ = c.Disconnect()

	connectOpen(t, c, p)
	if n := len(c.Transcript()); n != 0 {
		t.Errorf("transcript has %d turns after a new Connect; want 0", n)
	}
	_ = c.Disconnect()
}

func TestClient_UpdateConfig(t *testing.T) {
	t.Parallel()

	c, p, d, _ := newTestClient(t)
	cfg := testConfig()
	cfg.Session.Voice = "Kore"
	cfg.Capture.SampleRate = 8000
	cfg.OutputSampleRate = 48000
	c.UpdateConfig(cfg)

	connectOpen(t, c, p)
	if got := p.ConnectCalls[0].Cfg.Voice; got != "Kore" {
		t.Errorf("voice = %q; want Kore", got)
	}
	d.mu.Lock()
	micRate, outRate := d.micRates[0], d.outRates[0]
	d.mu.Unlock()
	if micRate != 8000 || outRate != 48000 {
		t.Errorf("device rates = %d/%d; want 8000/48000", micRate, outRate)
	}
	_ = c.Disconnect()
}
