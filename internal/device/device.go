// Package device binds the audio abstractions to the local sound hardware.
//
// Capture uses miniaudio through github.com/gen2brain/malgo; playback uses
// github.com/ebitengine/oto/v3 pulling from a [mixer.Mixer]. A [Devices]
// value owns the process-wide backend contexts and hands out one microphone
// and one output per session.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/audio/mixer"
)

// Default device parameters.
const (
	// DefaultPeriod is the capture callback interval.
	DefaultPeriod = 20 * time.Millisecond

	// DefaultOutputBuffer is the oto buffer length. Smaller is lower latency
	// with a higher risk of underruns.
	DefaultOutputBuffer = 100 * time.Millisecond
)

// ErrClosed is returned by the Open methods after Close.
var ErrClosed = errors.New("device: closed")

// Option is a functional option for [New].
type Option func(*Devices)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Devices) { d.log = l }
}

// WithPeriod sets the capture callback interval. Non-positive values keep
// [DefaultPeriod].
func WithPeriod(p time.Duration) Option {
	return func(d *Devices) {
		if p > 0 {
			d.period = p
		}
	}
}

// WithOutputBuffer sets the playback buffer length. Non-positive values keep
// [DefaultOutputBuffer].
func WithOutputBuffer(b time.Duration) Option {
	return func(d *Devices) {
		if b > 0 {
			d.outputBuffer = b
		}
	}
}

// Devices opens microphones and outputs on the default system devices.
//
// oto allows a single context per process, so the output format is fixed by
// the first OpenOutput call. Later outputs requesting another rate still
// work: the mixer converts scheduled buffers to the context's format.
type Devices struct {
	log          *slog.Logger
	period       time.Duration
	outputBuffer time.Duration

	mu      sync.Mutex
	closed  bool
	malgo   *malgo.AllocatedContext
	oto     *oto.Context
	format  audio.Format
	outputs int
}

// New returns a Devices. Backend contexts are created on first use.
func New(opts ...Option) *Devices {
	d := &Devices{
		log:          slog.Default(),
		period:       DefaultPeriod,
		outputBuffer: DefaultOutputBuffer,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// OpenMicrophone initialises a capture device. The device is not started
// until [Microphone.Start].
func (d *Devices) OpenMicrophone(_ context.Context, sampleRate, channels int) (audio.Microphone, error) {
	mctx, err := d.capture()
	if err != nil {
		return nil, err
	}
	m, err := openMicrophone(mctx.Context, audio.Format{SampleRate: sampleRate, Channels: channels}, d.period, d.log)
	if err != nil {
		return nil, fmt.Errorf("device: open microphone: %w", err)
	}
	d.log.Debug("device: microphone opened", "format", m.format.String())
	return m, nil
}

func (d *Devices) capture() (*malgo.AllocatedContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.malgo != nil {
		return d.malgo, nil
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{
		ThreadPriority: malgo.ThreadPriorityRealtime,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init capture context: %w", err)
	}
	d.malgo = mctx
	return mctx, nil
}

// OpenOutput starts a player on the shared playback context and returns its
// clock. The first call blocks until the sound card is ready or ctx is done.
func (d *Devices) OpenOutput(ctx context.Context, sampleRate, channels int) (audio.Output, error) {
	octx, format, err := d.playback(ctx, audio.Format{SampleRate: sampleRate, Channels: channels})
	if err != nil {
		return nil, err
	}
	if format.SampleRate != sampleRate || format.Channels != channels {
		d.log.Info("device: output format fixed by earlier session",
			"requested", audio.Format{SampleRate: sampleRate, Channels: channels}.String(),
			"using", format.String())
	}

	mx := mixer.New(format.SampleRate, format.Channels)
	player := octx.NewPlayer(mx)
	player.SetBufferSize(bufferBytes(format, d.outputBuffer))
	player.Play()

	d.mu.Lock()
	d.outputs++
	d.mu.Unlock()
	return &Speaker{Mixer: mx, player: player, release: d.released}, nil
}

func (d *Devices) playback(ctx context.Context, want audio.Format) (*oto.Context, audio.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, audio.Format{}, ErrClosed
	}
	if d.oto != nil {
		return d.oto, d.format, nil
	}

	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   want.SampleRate,
		ChannelCount: want.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   d.outputBuffer,
	})
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("device: init playback context: %w", err)
	}
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, audio.Format{}, fmt.Errorf("device: init playback context: %w", ctx.Err())
	}
	d.oto, d.format = octx, want
	return octx, want, nil
}

func (d *Devices) released() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs--
}

// Ready reports whether the playback context is initialised. It is used as a
// readiness check.
func (d *Devices) Ready(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return ErrClosed
	case d.oto == nil:
		return errors.New("playback context not initialised")
	case d.oto.Err() != nil:
		return d.oto.Err()
	}
	return nil
}

// Outputs returns the number of outputs currently open.
func (d *Devices) Outputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs
}

// Close releases the capture context. oto contexts cannot be released; the
// playback context is suspended instead. Devices must not be used afterwards.
func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if d.malgo != nil {
		if err := d.malgo.Uninit(); err != nil {
			errs = append(errs, fmt.Errorf("device: uninit capture context: %w", err))
		}
		d.malgo.Free()
		d.malgo = nil
	}
	if d.oto != nil {
		if err := d.oto.Suspend(); err != nil {
			errs = append(errs, fmt.Errorf("device: suspend playback context: %w", err))
		}
	}
	return errors.Join(errs...)
}

// bufferBytes converts a buffer length to bytes of int16 PCM in format.
func bufferBytes(format audio.Format, d time.Duration) int {
	frames := int(int64(format.SampleRate) * int64(d) / int64(time.Second))
	return frames * format.Channels * 2
}
