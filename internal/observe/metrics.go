// Package observe provides application-wide observability primitives for
// avatarlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all avatarlink metrics.
const meterName = "github.com/MrWong99/avatarlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Playback ---

	// PlaybackChunks counts chunks accepted by the playback scheduler.
	PlaybackChunks metric.Int64Counter

	// PlaybackGap tracks silence inserted because the audio clock overtook
	// the scheduling cursor (seconds). Zero for gapless placements.
	PlaybackGap metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the audio clock a chunk was
	// placed (seconds).
	PlaybackLead metric.Float64Histogram

	// DecodeErrors counts inbound audio payloads dropped by the codec.
	DecodeErrors metric.Int64Counter

	// --- Capture ---

	// CaptureFrames counts frames emitted by the capture pipeline.
	CaptureFrames metric.Int64Counter

	// CaptureDropped counts capture frames dropped because the outbound
	// queue was full.
	CaptureDropped metric.Int64Counter

	// --- Channel ---

	// ChannelMessages counts inbound messages. Use with attribute:
	//   attribute.String("type", ...)
	ChannelMessages metric.Int64Counter

	// ChannelParseErrors counts inbound frames that could not be parsed.
	ChannelParseErrors metric.Int64Counter

	// StateTransitions counts channel state changes. Use with attribute:
	//   attribute.String("state", ...)
	StateTransitions metric.Int64Counter

	// --- Fallback ---

	// FallbackRequests counts chat-tts fallback requests. Use with attribute:
	//   attribute.String("status", ...)
	FallbackRequests metric.Int64Counter

	// FallbackDuration tracks fallback round-trip latency.
	FallbackDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Playback.
	if met.PlaybackChunks, err = m.Int64Counter("avatarlink.playback.chunks",
		metric.WithDescription("Total audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGap, err = m.Float64Histogram("avatarlink.playback.gap",
		metric.WithDescription("Silence inserted before a chunk because playback ran dry."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("avatarlink.playback.lead",
		metric.WithDescription("Distance between the audio clock and a chunk's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("avatarlink.codec.decode_errors",
		metric.WithDescription("Total inbound audio payloads that failed to decode."),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.CaptureFrames, err = m.Int64Counter("avatarlink.capture.frames",
		metric.WithDescription("Total microphone frames emitted to the channel."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("avatarlink.capture.dropped",
		metric.WithDescription("Total microphone frames dropped due to a full send queue."),
	); err != nil {
		return nil, err
	}

	// Channel.
	if met.ChannelMessages, err = m.Int64Counter("avatarlink.channel.messages",
		metric.WithDescription("Total inbound channel messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ChannelParseErrors, err = m.Int64Counter("avatarlink.channel.parse_errors",
		metric.WithDescription("Total inbound channel frames that could not be parsed."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("avatarlink.channel.state_transitions",
		metric.WithDescription("Total channel state transitions by target state."),
	); err != nil {
		return nil, err
	}

	// Fallback.
	if met.FallbackRequests, err = m.Int64Counter("avatarlink.fallback.requests",
		metric.WithDescription("Total chat-tts fallback requests by status."),
	); err != nil {
		return nil, err
	}
	if met.FallbackDuration, err = m.Float64Histogram("avatarlink.fallback.duration",
		metric.WithDescription("Latency of chat-tts fallback requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("avatarlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
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

// RecordPlacement records a scheduled chunk together with its lead and any
// inserted gap, both in seconds.
func (m *Metrics) RecordPlacement(ctx context.Context, lead, gap float64) {
	m.PlaybackChunks.Add(ctx, 1)
	m.PlaybackLead.Record(ctx, lead)
	m.PlaybackGap.Record(ctx, gap)
}

// RecordMessage records an inbound channel message of the given type.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.ChannelMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordStateTransition records a channel moving into state.
func (m *Metrics) RecordStateTransition(ctx context.Context, state string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordFallbackRequest records a fallback request with its outcome and
// latency in seconds.
func (m *Metrics) RecordFallbackRequest(ctx context.Context, status string, seconds float64) {
	m.FallbackRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.FallbackDuration.Record(ctx, seconds)
}
