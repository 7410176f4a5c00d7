// Package mock provides in-memory implementations of the [audio.Microphone]
// and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	out := &mock.Output{}
//	// ... hand mic and out to the component under test ...
//	mic.Push(make([]float32, 4096))   // simulate one device callback
//	out.Advance(500 * time.Millisecond)
//	out.EndAll()                      // fire onEnded for every live voice
package mock

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/audio/pcm"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
// Set the exported error fields before use; inspect the CallCount fields after.
type Microphone struct {
	mu sync.Mutex

	// StartError is returned by [Microphone.Start].
	StartError error

	// StopError is returned by [Microphone.Stop].
	StopError error

	// CloseError is returned by [Microphone.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
	closed    bool
}

// Start implements [audio.Microphone]. Registers onSamples unless StartError is set.
func (m *Microphone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStart++
	if m.StartError != nil {
		return m.StartError
	}
	if m.closed {
		return errors.New("mock: microphone closed")
	}
	if m.onSamples != nil {
		return errors.New("mock: microphone already started")
	}
	m.onSamples = onSamples
	return nil
}

// Stop implements [audio.Microphone]. The registered callback is dropped even
// when StopError is set.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountStop++
	m.onSamples = nil
	return m.StopError
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	m.onSamples = nil
	m.closed = true
	return m.CloseError
}

// Push delivers samples to the registered callback as the device thread would.
// It reports whether a callback was registered.
func (m *Microphone) Push(samples []float32) bool {
	m.mu.Lock()
	fn := m.onSamples
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// Started reports whether a callback is currently registered.
func (m *Microphone) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onSamples != nil
}

// Closed reports whether Close has been called.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Scheduled records one [Output.Schedule] invocation.
type Scheduled struct {
	// Buffer is the buffer passed to Schedule.
	Buffer *pcm.Buffer

	// At is the start time passed to Schedule.
	At time.Duration

	voice *Voice
}

// Voice returns the handle returned by the recorded Schedule call.
func (s Scheduled) Voice() *Voice { return s.voice }

// Output is a mock implementation of [audio.Output] with a manually advanced
// clock. Voices never end on their own; call [Output.End] or [Output.EndAll].
type Output struct {
	mu sync.Mutex

	// CloseError is returned by [Output.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now       time.Duration
	scheduled []Scheduled
	closed    bool
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Schedule implements [audio.Output]. Records the call and returns a [*Voice].
func (o *Output) Schedule(buf *pcm.Buffer, at time.Duration, onEnded func()) audio.Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := &Voice{onEnded: onEnded, stopped: o.closed}
	o.scheduled = append(o.scheduled, Scheduled{Buffer: buf, At: at, voice: v})
	return v
}

// Close implements [audio.Output]. Stops every voice.
func (o *Output) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	o.closed = true
	voices := o.voicesLocked()
	o.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return o.CloseError
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Scheduled returns a copy of every recorded Schedule call, in order.
func (o *Output) Scheduled() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// End finishes the i-th scheduled voice as if its last sample had played.
// It reports whether onEnded was invoked.
func (o *Output) End(i int) bool {
	o.mu.Lock()
	if i < 0 || i >= len(o.scheduled) {
		o.mu.Unlock()
		return false
	}
	v := o.scheduled[i].voice
	o.mu.Unlock()
	return v.end()
}

// EndAll finishes every voice that is neither stopped nor already ended.
// It returns the number of onEnded callbacks invoked.
func (o *Output) EndAll() int {
	o.mu.Lock()
	voices := o.voicesLocked()
	o.mu.Unlock()
	n := 0
	for _, v := range voices {
		if v.end() {
			n++
		}
	}
	return n
}

func (o *Output) voicesLocked() []*Voice {
	voices := make([]*Voice, len(o.scheduled))
	for i, s := range o.scheduled {
		voices[i] = s.voice
	}
	return voices
}

// Voice is the [audio.Voice] returned by [Output.Schedule].
type Voice struct {
	mu      sync.Mutex
	onEnded func()
	stopped bool
	ended   bool

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountStop++
	if !v.ended {
		v.stopped = true
	}
}

// Stopped reports whether the voice was stopped before it ended.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) end() bool {
	v.mu.Lock()
	if v.stopped || v.ended {
		v.mu.Unlock()
		return false
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}
