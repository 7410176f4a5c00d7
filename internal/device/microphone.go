package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/interviewer/pkg/audio"
	"github.com/MrWong99/interviewer/pkg/audio/pcm"
)

var _ audio.Microphone = (*Microphone)(nil)

// Microphone is a malgo capture device delivering 16-bit samples converted
// to float32. Multi-channel input is down-mixed to mono.
type Microphone struct {
	device *malgo.Device
	format audio.Format
	log    *slog.Logger

	onSamples atomic.Pointer[func([]float32)]

	// scratch and mono are only touched on the device thread.
	scratch []float32
	mono    []float32

	mu      sync.Mutex
	started bool
	closed  bool
}

func openMicrophone(mctx malgo.Context, format audio.Format, period time.Duration, log *slog.Logger) (*Microphone, error) {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	m := &Microphone{format: format, log: log}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(period / time.Millisecond)

	dev, err := malgo.InitDevice(mctx, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { m.deliver(input) },
	})
	if err != nil {
		return nil, err
	}
	m.device = dev
	return m, nil
}

// deliver runs on the device thread.
func (m *Microphone) deliver(input []byte) {
	fn := m.onSamples.Load()
	if fn == nil {
		return
	}
	n := len(input) / pcm.BytesPerSample
	if cap(m.scratch) < n {
		m.scratch = make([]float32, n)
	}
	samples := m.scratch[:pcm.DecodeTo(m.scratch[:n], input)]
	if m.format.Channels > 1 {
		samples = m.downmix(samples)
	}
	(*fn)(samples)
}

func (m *Microphone) downmix(interleaved []float32) []float32 {
	ch := m.format.Channels
	frames := len(interleaved) / ch
	if cap(m.mono) < frames {
		m.mono = make([]float32, frames)
	}
	mono := m.mono[:frames]
	for i := range mono {
		var sum float32
		for c := range ch {
			sum += interleaved[i*ch+c]
		}
		mono[i] = sum / float32(ch)
	}
	return mono
}

// Start implements [audio.Microphone].
func (m *Microphone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return errors.New("device: microphone already started")
	}
	m.onSamples.Store(&onSamples)
	if err := m.device.Start(); err != nil {
		m.onSamples.Store(nil)
		return fmt.Errorf("device: start microphone: %w", err)
	}
	m.started = true
	m.log.Debug("device: microphone started")
	return nil
}

// Stop implements [audio.Microphone]. malgo's stop waits for the callback in
// flight, so no samples are delivered after Stop returns.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSamples.Store(nil)
	if !m.started || m.closed {
		return nil
	}
	m.started = false
	if err := m.device.Stop(); err != nil {
		return fmt.Errorf("device: stop microphone: %w", err)
	}
	return nil
}

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	err := m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.device.Uninit()
	return err
}
