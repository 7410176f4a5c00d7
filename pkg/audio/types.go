// Package audio defines the device-facing abstractions of the interviewer
// voice client.
//
// The capture side and the playback side run on separate clock domains:
//
//   - [Microphone]: a capture device that pushes float32 sample blocks at the
//     capture rate from its own thread.
//   - [Output]: a playback context with its own monotonically advancing clock
//     on which decoded buffers are scheduled at absolute start times.
//
// Implementations live in internal/device (real hardware) and pkg/audio/mock
// (tests). Both interfaces are owned by exactly one subsystem for the lifetime
// of a session; they are not designed to be shared.
package audio

import (
	"fmt"
	"time"

	"github.com/MrWong99/interviewer/pkg/audio/pcm"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable format, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Microphone is an acquired capture device.
//
// The device delivers blocks of mono float32 samples in [-1, 1] to the
// callback passed to Start. Block sizes are chosen by the device and may vary
// between calls. The callback runs on the device thread and must not block;
// the slice is only valid for the duration of the call.
type Microphone interface {
	// Start begins capture and registers onSamples. Calling Start twice
	// returns an error.
	Start(onSamples func(samples []float32)) error

	// Stop halts capture. No callback is invoked after Stop returns.
	Stop() error

	// Close releases the device handle. Close implies Stop.
	Close() error
}

// Voice is a handle to one buffer scheduled on an [Output].
type Voice interface {
	// Stop silences the voice immediately. Stopping an already finished or
	// stopped voice is a no-op. The onEnded callback of a stopped voice is
	// never invoked.
	Stop()
}

// Output is a playback context with its own clock.
type Output interface {
	// Now returns the current position of the output clock, measured from the
	// moment the context was opened.
	Now() time.Duration

	// Schedule starts buf at the absolute clock time at. A time in the past
	// starts the buffer immediately. onEnded, if non-nil, is invoked once after
	// the last sample has been rendered; it may run on the output thread.
	Schedule(buf *pcm.Buffer, at time.Duration, onEnded func()) Voice

	// Close stops all voices and releases the underlying device resources.
	Close() error
}
