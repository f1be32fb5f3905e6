// Package observe provides application-wide observability primitives for
// Earshot: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// All convenience recorders tolerate a nil *Metrics receiver, so pipeline
// components can run unmetered in tests without guards at every call site.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Earshot metrics.
const meterName = "github.com/earshot-app/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Frame counters ---

	// FramesSent counts frames uploaded to the relay. Attributes:
	//   attribute.String("transport", ...), attribute.String("status", ...)
	FramesSent metric.Int64Counter

	// FramesReceived counts frames delivered to a listener. Attribute:
	//   attribute.String("transport", ...)
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames discarded by drop-oldest eviction.
	// Attribute: attribute.String("stage", "outbound"|"relay"|"jitter").
	FramesDropped metric.Int64Counter

	// Underruns counts playback underruns (re-entries into buffering).
	Underruns metric.Int64Counter

	// --- Latency histograms ---

	// SendDuration tracks one frame upload round trip.
	SendDuration metric.Float64Histogram

	// PullDuration tracks one polling download round trip.
	PullDuration metric.Float64Histogram

	// HTTPRequestDuration tracks relay HTTP request processing time.
	// Attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Gauges ---

	// RelaySessions tracks the number of live per-device relay buffers.
	RelaySessions metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live client-side sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth reports the most recent depth of a pipeline queue.
	// Attribute: attribute.String("queue", "outbound"|"jitter").
	QueueDepth metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for frame-transport latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("earshot.frames.sent",
		metric.WithDescription("Total frames uploaded to the relay by transport and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("earshot.frames.received",
		metric.WithDescription("Total frames delivered to a listener by transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("earshot.frames.dropped",
		metric.WithDescription("Total frames discarded by drop-oldest eviction, by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("earshot.playback.underruns",
		metric.WithDescription("Total playback underruns."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SendDuration, err = m.Float64Histogram("earshot.send.duration",
		metric.WithDescription("Latency of one frame upload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PullDuration, err = m.Float64Histogram("earshot.pull.duration",
		metric.WithDescription("Latency of one polling download."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
		metric.WithDescription("Relay HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.RelaySessions, err = m.Int64UpDownCounter("earshot.relay.sessions",
		metric.WithDescription("Number of live per-device relay buffers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("earshot.active_sessions",
		metric.WithDescription("Number of live client-side streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("earshot.queue.depth",
		metric.WithDescription("Most recent depth of a pipeline queue."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent records one frame upload with its round-trip duration.
func (m *Metrics) RecordFrameSent(ctx context.Context, transport, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	)
	m.FramesSent.Add(ctx, 1, attrs)
	m.SendDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordFramesReceived records n frames delivered to a listener.
func (m *Metrics) RecordFramesReceived(ctx context.Context, transport string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FramesReceived.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordFrameDropped records one drop-oldest eviction at the given stage.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordUnderrun records one playback underrun.
func (m *Metrics) RecordUnderrun(ctx context.Context) {
	if m == nil {
		return
	}
	m.Underruns.Add(ctx, 1)
}

// RecordQueueDepth records the current depth of the named queue.
func (m *Metrics) RecordQueueDepth(ctx context.Context, queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Record(ctx, int64(depth),
		metric.WithAttributes(attribute.String("queue", queue)))
}

// AddRelaySessions moves the relay-session gauge by delta.
func (m *Metrics) AddRelaySessions(delta int64) {
	if m == nil {
		return
	}
	m.RelaySessions.Add(context.Background(), delta)
}

// AddActiveSessions moves the client-session gauge by delta.
func (m *Metrics) AddActiveSessions(delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(context.Background(), delta)
}
