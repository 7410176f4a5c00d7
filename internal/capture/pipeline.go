// Package capture turns raw microphone blocks into gated, encoded frames and
// hands them to the remote session.
//
// The microphone delivers sample blocks of whatever size the device prefers.
// The [Pipeline] re-frames them into fixed-size frames and, for every frame:
//
//  1. computes the RMS level and reports it as the input volume;
//  2. replaces the frame with silence of identical length when the level is
//     below the noise threshold (the real level is still reported);
//  3. encodes the frame as 16-bit PCM and queues it for sending.
//
// The device callback never blocks on the network. Encoded frames go to a
// bounded queue drained by one sender goroutine; when the queue is full the
// frame is dropped and counted. Send errors are logged and counted, and the
// capture cadence continues.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/interviewer/internal/observe"
	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/audio/pcm"
)

const (
	// DefaultSampleRate is the capture rate expected by the remote model.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per frame.
	DefaultFrameSize = 4096

	// DefaultNoiseThreshold is the RMS level below which a frame is sent as silence.
	DefaultNoiseThreshold = 0.01

	// DefaultVolumeGain scales the RMS level into the reported input volume.
	DefaultVolumeGain = 10

	// DefaultQueueSize is the number of encoded frames buffered for sending.
	DefaultQueueSize = 8
)

// ErrStarted is returned by [Pipeline.Start] when the pipeline was already
// started or stopped. A pipeline is single-use.
var ErrStarted = errors.New("capture: pipeline already started")

// Sender accepts encoded frames for the remote session.
type Sender interface {
	SendAudio(frame pcm.EncodedFrame) error
}

// Config holds the pipeline parameters.
type Config struct {
	SampleRate     int
	FrameSize      int
	NoiseThreshold float64
	VolumeGain     float64
	QueueSize      int
}

// DefaultConfig returns the capture defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:     DefaultSampleRate,
		FrameSize:      DefaultFrameSize,
		NoiseThreshold: DefaultNoiseThreshold,
		VolumeGain:     DefaultVolumeGain,
		QueueSize:      DefaultQueueSize,
	}
}

// withDefaults fills zero fields. A zero NoiseThreshold is kept as "never gate".
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = d.FrameSize
	}
	if c.VolumeGain <= 0 {
		c.VolumeGain = d.VolumeGain
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithVolumeFunc registers fn to receive (input, 0) volume pairs, one per frame.
// fn runs on the device thread and must not call back into the pipeline.
func WithVolumeFunc(fn func(in, out float64)) Option {
	return func(p *Pipeline) { p.onVolume = fn }
}

// WithMetrics records frame, gate, drop and send-error counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline frames, gates, encodes and sends microphone audio.
type Pipeline struct {
	mic      audio.Microphone
	sender   Sender
	cfg      Config
	onVolume func(in, out float64)
	metrics  *observe.Metrics
	log      *slog.Logger

	// mu guards the framer and the lifecycle flags. It is held while a frame
	// is processed so that nothing is emitted after Stop returns.
	mu      sync.Mutex
	frame   []float32
	fill    int
	silence []float32
	started bool
	stopped bool

	queue  chan pcm.EncodedFrame
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline reading from mic and sending to sender. The
// pipeline does not own mic: the caller stops and closes it.
func New(mic audio.Microphone, sender Sender, cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		mic:     mic,
		sender:  sender,
		cfg:     cfg,
		log:     slog.Default(),
		frame:   make([]float32, cfg.FrameSize),
		silence: make([]float32, cfg.FrameSize),
		queue:   make(chan pcm.EncodedFrame, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Start launches the sender goroutine and attaches to the microphone.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return ErrStarted
	}
	p.started = true
	p.mu.Unlock()

	go p.sendLoop()

	if err := p.mic.Start(p.onSamples); err != nil {
		_ = p.Stop()
		return err
	}
	return nil
}

// Stop detaches from the microphone callback and discards queued frames.
// Stop is idempotent and does not block: a send already in flight is left to
// finish, but no new send starts and no volume is reported after Stop
// returns. Use [Pipeline.Wait] to join the sender once the [Sender] has been
// closed.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.cancel()
	}
	return nil
}

// Wait blocks until the sender goroutine has exited. It returns at once for
// a pipeline that was never started. Call it after Stop; an in-flight send
// returns only when the sender gives up or is closed.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

// onSamples is the microphone callback.
func (p *Pipeline) onSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	for len(samples) > 0 {
		n := copy(p.frame[p.fill:], samples)
		p.fill += n
		samples = samples[n:]
		if p.fill == len(p.frame) {
			p.processFrame(p.frame)
			p.fill = 0
		}
	}
}

// processFrame runs with p.mu held.
func (p *Pipeline) processFrame(frame []float32) {
	ctx := context.Background()
	rms := pcm.RMS(frame)
	if p.onVolume != nil {
		p.onVolume(rms*p.cfg.VolumeGain, 0)
	}
	if p.metrics != nil {
		p.metrics.CaptureFrames.Add(ctx, 1)
	}

	src := frame
	if rms < p.cfg.NoiseThreshold {
		src = p.silence
		if p.metrics != nil {
			p.metrics.CaptureGatedFrames.Add(ctx, 1)
		}
	}

	select {
	case p.queue <- pcm.Encode(src, p.cfg.SampleRate):
	default:
		p.log.Warn("capture: send queue full, dropping frame", "queue", p.cfg.QueueSize)
		if p.metrics != nil {
			p.metrics.CaptureDroppedFrames.Add(ctx, 1)
		}
	}
}

func (p *Pipeline) sendLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.queue:
			if !p.live() {
				return
			}
			if err := p.sender.SendAudio(f); err != nil {
				p.log.Warn("capture: send failed", "err", err)
				if p.metrics != nil {
					p.metrics.CaptureSendErrors.Add(context.Background(), 1)
				}
			}
		}
	}
}

// live reports whether Stop has not been called yet. A frame that passes
// the check is committed; once Stop returns no further frame is.
func (p *Pipeline) live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.stopped
}
