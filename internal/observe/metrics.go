// Package observe wires the interviewer's telemetry: OpenTelemetry
// instruments for the audio pipelines and the session, W3C trace
// propagation, trace-aware slog loggers, and the HTTP middleware used by the
// health and metrics endpoints.
//
// Instruments are created against a [metric.MeterProvider]. [InitProvider]
// backs the global provider with a Prometheus registry for /metrics. Code
// that does not receive a *Metrics uses [DefaultMetrics]; tests build their
// own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope of every interviewer meter and tracer.
const scopeName = "github.com/MrWong99/interviewer"

// Metrics bundles the interviewer's instruments. The instruments synchronise
// internally, so one *Metrics is shared by every goroutine.
type Metrics struct {
	// Capture pipeline.

	// CaptureFrames counts microphone frames processed by the capture pipeline.
	CaptureFrames metric.Int64Counter

	// CaptureGatedFrames counts frames replaced by silence because their
	// level was below the noise threshold.
	CaptureGatedFrames metric.Int64Counter

	// CaptureSendErrors counts frames the remote session refused.
	CaptureSendErrors metric.Int64Counter

	// CaptureDroppedFrames counts frames dropped because the send queue was full.
	CaptureDroppedFrames metric.Int64Counter

	// Playback scheduler.

	// PlaybackSegments counts segments scheduled on the output clock.
	PlaybackSegments metric.Int64Counter

	// PlaybackDecodeErrors counts inbound audio chunks that failed to decode.
	PlaybackDecodeErrors metric.Int64Counter

	// PlaybackFlushes counts flushes that stopped at least one live segment.
	PlaybackFlushes metric.Int64Counter

	// PlaybackScheduledAudio accumulates the seconds of model audio scheduled.
	PlaybackScheduledAudio metric.Float64Counter

	// Session.

	// SessionTransitions counts state changes, labelled "state".
	SessionTransitions metric.Int64Counter

	// SessionActive tracks the number of sessions that hold audio devices.
	SessionActive metric.Int64UpDownCounter

	// SessionConnectDuration is the time from Connect to an outcome,
	// labelled "status" (ok or error).
	SessionConnectDuration metric.Float64Histogram

	// SessionTurns counts completed model turns.
	SessionTurns metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// matched route and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are the connect histogram bounds in seconds. A connect
// covers the TLS handshake plus the model setup round trip.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// instruments creates instruments on one meter and collects the first
// failure of each, so NewMetrics reports them together.
type instruments struct {
	m    metric.Meter
	errs []error
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.m.Int64Counter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) seconds(name, desc string) metric.Float64Counter {
	c, err := in.m.Float64Counter(name, metric.WithDescription(desc), metric.WithUnit("s"))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	c, err := in.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.errs = append(in.errs, err)
	return c
}

func (in *instruments) latency(name, desc string, bounds ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(bounds) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := in.m.Float64Histogram(name, opts...)
	in.errs = append(in.errs, err)
	return h
}

// NewMetrics registers every instrument on a meter from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{m: mp.Meter(scopeName)}
	met := &Metrics{
		CaptureFrames:        in.counter("interviewer.capture.frames", "Microphone frames processed by the capture pipeline."),
		CaptureGatedFrames:   in.counter("interviewer.capture.gated_frames", "Frames silenced by the noise gate."),
		CaptureSendErrors:    in.counter("interviewer.capture.send_errors", "Frames the remote session failed to accept."),
		CaptureDroppedFrames: in.counter("interviewer.capture.dropped_frames", "Frames dropped because the send queue was full."),

		PlaybackSegments:       in.counter("interviewer.playback.segments", "Audio segments scheduled for playback."),
		PlaybackDecodeErrors:   in.counter("interviewer.playback.decode_errors", "Inbound audio chunks that could not be decoded."),
		PlaybackFlushes:        in.counter("interviewer.playback.flushes", "Flushes that silenced live playback."),
		PlaybackScheduledAudio: in.seconds("interviewer.playback.scheduled_audio", "Seconds of model audio scheduled for playback."),

		SessionTransitions:     in.counter("interviewer.session.transitions", "Session state transitions by target state."),
		SessionActive:          in.gauge("interviewer.session.active", "Number of sessions holding audio devices."),
		SessionConnectDuration: in.latency("interviewer.session.connect.duration", "Latency from Connect until the remote channel opened.", latencyBuckets...),
		SessionTurns:           in.counter("interviewer.session.turns", "Completed model turns."),

		HTTPRequestDuration: in.latency("interviewer.http.request.duration", "HTTP request latency by method, route and status."),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// DefaultMetrics returns instruments bound to the global meter provider,
// built on first use. It panics if they cannot be created.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultSet = m
	})
	return defaultSet
}

// Attr returns a string attribute.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition counts a session entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}

// RecordConnect records how long a Connect call took to reach an outcome.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	m.SessionConnectDuration.Record(ctx, seconds, metric.WithAttributes(Attr("status", status)))
}
