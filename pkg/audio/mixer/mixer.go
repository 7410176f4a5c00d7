// Package mixer provides a software output clock: a concrete [audio.Output]
// that renders scheduled buffers into a 16-bit PCM byte stream.
//
// A [Mixer] is driven by its consumer. Every [Mixer.Read] renders the next
// block of frames and advances the clock by exactly that many frames, so the
// clock runs at real-time speed when the reader is a sound card (see
// internal/device) and at test speed when the reader is a test. When nothing is
// scheduled, Read renders silence; the clock never stalls.
//
// Buffers are converted to the mixer's format on Schedule: multi-channel input
// is down-mixed, the sample rate is converted with linear interpolation, and
// mono is duplicated across output channels.
package mixer

import (
	"io"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/audio/pcm"
)

// Compile-time interface assertion.
var _ audio.Output = (*Mixer)(nil)

// Mixer renders scheduled voices against a frame-accurate clock.
//
// All exported methods are safe for concurrent use. onEnded callbacks are
// invoked from the goroutine calling Read, after the mixer lock is released.
type Mixer struct {
	format audio.Format

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	voices []*voice
	closed bool

	scratch []float32
}

// New creates a Mixer producing interleaved int16 PCM in the given format.
func New(sampleRate, channels int) *Mixer {
	if channels <= 0 {
		channels = 1
	}
	return &Mixer{format: audio.Format{SampleRate: sampleRate, Channels: channels}}
}

// Format returns the mixer's output format.
func (m *Mixer) Format() audio.Format { return m.format }

// Now implements [audio.Output].
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.pos)
}

// Schedule implements [audio.Output].
func (m *Mixer) Schedule(buf *pcm.Buffer, at time.Duration, onEnded func()) audio.Voice {
	v := &voice{
		m:       m,
		samples: m.convert(buf),
		onEnded: onEnded,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		v.stopped = true
		return v
	}
	v.start = max(m.durationToFrames(at), m.pos)
	m.voices = append(m.voices, v)
	return v
}

// Active returns the number of voices that are scheduled or playing.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Read renders the next len(p)/(2*channels) frames into p as int16
// little-endian PCM and advances the clock. It returns io.EOF once the mixer
// is closed.
func (m *Mixer) Read(p []byte) (int, error) {
	frameBytes := pcm.BytesPerSample * m.format.Channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}
	n := frames * m.format.Channels

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}
	if cap(m.scratch) < n {
		m.scratch = make([]float32, n)
	}
	acc := m.scratch[:n]
	clear(acc)

	from, to := m.pos, m.pos+int64(frames)
	var ended []func()
	m.voices = slices.DeleteFunc(m.voices, func(v *voice) bool {
		v.mixInto(acc, from, to, m.format.Channels)
		if v.end(m.format.Channels) > to {
			return false
		}
		v.done = true
		if v.onEnded != nil {
			ended = append(ended, v.onEnded)
		}
		return true
	})
	m.pos = to

	pcm.EncodeTo(p, acc)
	m.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
	return n * pcm.BytesPerSample, nil
}

// Close stops every voice and makes subsequent reads return io.EOF. Pending
// onEnded callbacks are discarded. Close is idempotent.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.voices {
		v.stopped = true
	}
	m.voices = nil
	m.closed = true
	return nil
}

// convert brings buf into the mixer's format.
func (m *Mixer) convert(buf *pcm.Buffer) []float32 {
	if buf == nil || len(buf.Samples) == 0 {
		return nil
	}
	mono := buf.Samples
	if buf.Channels > 1 {
		mono = make([]float32, buf.Frames())
		for i := range mono {
			var sum float32
			for c := range buf.Channels {
				sum += buf.Samples[i*buf.Channels+c]
			}
			mono[i] = sum / float32(buf.Channels)
		}
	}
	mono = pcm.Resample(mono, buf.SampleRate, m.format.SampleRate)
	if m.format.Channels == 1 {
		return mono
	}
	out := make([]float32, len(mono)*m.format.Channels)
	for i, s := range mono {
		for c := range m.format.Channels {
			out[i*m.format.Channels+c] = s
		}
	}
	return out
}

func (m *Mixer) framesToDuration(frames int64) time.Duration {
	if m.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(m.format.SampleRate)
}

// durationToFrames rounds to the nearest frame. Durations derived from frame
// counts are truncated to whole nanoseconds, so flooring here would start a
// back-to-back buffer one frame early.
func (m *Mixer) durationToFrames(d time.Duration) int64 {
	return (int64(d)*int64(m.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

// voice is one scheduled buffer. Its fields are guarded by the owning mixer's lock.
type voice struct {
	m       *Mixer
	samples []float32 // interleaved, already in the mixer format
	start   int64     // first frame on the mixer clock
	onEnded func()
	stopped bool
	done    bool
}

func (v *voice) end(channels int) int64 {
	return v.start + int64(len(v.samples)/channels)
}

// mixInto adds the part of v that overlaps [from, to) into acc.
func (v *voice) mixInto(acc []float32, from, to int64, channels int) {
	lo := max(v.start, from)
	hi := min(v.end(channels), to)
	for f := lo; f < hi; f++ {
		src := int(f-v.start) * channels
		dst := int(f-from) * channels
		for c := range channels {
			acc[dst+c] += v.samples[src+c]
		}
	}
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.stopped || v.done {
		return
	}
	v.stopped = true
	m.voices = slices.DeleteFunc(m.voices, func(o *voice) bool { return o == v })
}
