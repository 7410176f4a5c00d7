// Package playback schedules decoded model speech on the output clock so that
// consecutive chunks play back to back without gaps or overlap.
//
// The [Scheduler] keeps a single cursor, the next start time. Each chunk
// starts at max(now, next) and advances the cursor by its duration, so chunks
// that arrive early queue up behind each other and chunks that arrive late
// start immediately. [Scheduler.Flush] stops every live segment and pulls the
// cursor back to the present; it is used when the remote side reports that
// the user interrupted the model.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/interviewer/internal/observe"
	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/audio/pcm"
)

const (
	// DefaultSampleRate is the declared rate of model speech.
	DefaultSampleRate = 24000

	// DefaultVolumeGain scales the chunk RMS into the reported output volume.
	DefaultVolumeGain = 5
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Shutdown].
var ErrClosed = errors.New("playback: scheduler closed")

// Config holds the format of inbound audio and the volume scaling.
type Config struct {
	SampleRate int
	Channels   int
	VolumeGain float64
}

// DefaultConfig returns 24 kHz mono with the default gain.
func DefaultConfig() Config {
	return Config{
		SampleRate: DefaultSampleRate,
		Channels:   1,
		VolumeGain: DefaultVolumeGain,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.VolumeGain <= 0 {
		c.VolumeGain = DefaultVolumeGain
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithVolumeFunc registers fn to receive (0, output) volume pairs.
func WithVolumeFunc(fn func(in, out float64)) Option {
	return func(s *Scheduler) { s.onVolume = fn }
}

// WithMetrics records segment, decode-error and flush counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// segment is one scheduled chunk, live from Schedule until it ends or is stopped.
type segment struct {
	start    time.Duration
	duration time.Duration
	voice    audio.Voice
}

// Scheduler places decoded chunks on an [audio.Output] clock.
type Scheduler struct {
	out      audio.Output
	cfg      Config
	onVolume func(in, out float64)
	metrics  *observe.Metrics
	log      *slog.Logger

	// gen is bumped by every flush. An Enqueue that observes a different
	// generation after decoding drops its chunk.
	gen atomic.Uint64

	mu     sync.Mutex
	next   time.Duration
	live   map[*segment]struct{}
	closed bool

	// afterDecode, when set, runs between decoding and scheduling.
	afterDecode func()
}

// New creates a scheduler for out. The scheduler does not close out.
func New(out audio.Output, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:  out,
		cfg:  cfg.withDefaults(),
		log:  slog.Default(),
		live: make(map[*segment]struct{}),
		next: out.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue decodes data and schedules it immediately after the previously
// scheduled chunk, or now if that has already finished. A chunk that fails to
// decode is logged and dropped; the returned error wraps [pcm.ErrDecode].
// A chunk whose decode overlapped a [Scheduler.Flush] is dropped silently.
func (s *Scheduler) Enqueue(data []byte) error {
	gen := s.gen.Load()

	buf, err := pcm.Decode(data, s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		s.log.Warn("playback: dropping undecodable chunk", "bytes", len(data), "err", err)
		if s.metrics != nil {
			s.metrics.PlaybackDecodeErrors.Add(context.Background(), 1)
		}
		return fmt.Errorf("playback: enqueue: %w", err)
	}
	level := pcm.RMS(buf.Samples) * s.cfg.VolumeGain

	if s.afterDecode != nil {
		s.afterDecode()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.gen.Load() != gen {
		s.mu.Unlock()
		s.log.Debug("playback: dropping chunk decoded across a flush")
		return nil
	}
	seg := &segment{
		start:    max(s.next, s.out.Now()),
		duration: buf.Duration(),
	}
	seg.voice = s.out.Schedule(buf, seg.start, func() { s.ended(seg) })
	s.live[seg] = struct{}{}
	s.next = seg.start + seg.duration
	s.mu.Unlock()

	if s.metrics != nil {
		ctx := context.Background()
		s.metrics.PlaybackSegments.Add(ctx, 1)
		s.metrics.PlaybackScheduledAudio.Add(ctx, seg.duration.Seconds())
	}
	s.emit(level)
	return nil
}

// ended is the natural-end callback of a segment. Removal is idempotent.
func (s *Scheduler) ended(seg *segment) {
	s.mu.Lock()
	if _, ok := s.live[seg]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, seg)
	quiet := len(s.live) == 0 && !s.closed
	s.mu.Unlock()

	if quiet {
		s.emit(0)
	}
}

// Flush stops every live segment, clears the live set and resets the cursor
// to the current output time. Chunks still being decoded are discarded.
func (s *Scheduler) Flush() {
	if n := s.stopAll(false); n > 0 {
		if s.metrics != nil {
			s.metrics.PlaybackFlushes.Add(context.Background(), 1)
		}
		s.emit(0)
	}
}

// Shutdown flushes and closes the scheduler. Further Enqueue calls return
// [ErrClosed]. Shutdown is idempotent.
func (s *Scheduler) Shutdown() {
	s.stopAll(true)
}

func (s *Scheduler) stopAll(closing bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen.Add(1)
	if closing {
		s.closed = true
	}
	n := len(s.live)
	for seg := range s.live {
		seg.voice.Stop()
	}
	clear(s.live)
	s.next = s.out.Now()
	return n
}

func (s *Scheduler) emit(level float64) {
	if s.onVolume != nil {
		s.onVolume(0, level)
	}
}

// Audible reports whether any segment is scheduled or playing.
func (s *Scheduler) Audible() bool {
	return s.Live() > 0
}

// Live returns the number of live segments.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// NextStart returns the start time the next chunk would get if the output
// clock had not moved.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
