// Package telemetry records per-turn observability for voice sessions:
// OpenTelemetry metric instruments for stage latencies and session activity,
// and an in-memory per-turn recorder that subscribes to orchestrator
// transitions without ever exerting backpressure on them.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voiceloop metrics.
const meterName = "github.com/voiceloop/voiceloop"

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the metric instruments for the voice pipeline. All fields
// are safe for concurrent use; the underlying OTel types synchronise
// themselves.
type Metrics struct {
	// STTDuration tracks time from stream open to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks time from request to terminal delta.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time from first chunk to last audio delta.
	TTSDuration metric.Float64Histogram

	// FirstAudioLatency tracks time from speech onset to the first audio
	// chunk of the response, the user-perceived response time.
	FirstAudioLatency metric.Float64Histogram

	// Turns counts finished turns. Use with attribute.String("status", ...).
	Turns metric.Int64Counter

	// BargeIns counts turns superseded by the user speaking over playback.
	BargeIns metric.Int64Counter

	// StateTransitions counts orchestrator transitions. Use with
	// attribute.String("to", ...).
	StateTransitions metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates all instruments on the given provider. Tests should
// pass a private provider to avoid cross-test pollution.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("voiceloop.stt.duration",
		metric.WithDescription("Time from STT stream open to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voiceloop.llm.duration",
		metric.WithDescription("Time from model request to terminal delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voiceloop.tts.duration",
		metric.WithDescription("Time from first synthesis chunk to last audio delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voiceloop.turn.first_audio_latency",
		metric.WithDescription("Time from speech onset to first response audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("voiceloop.turns",
		metric.WithDescription("Finished turns by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voiceloop.barge_ins",
		metric.WithDescription("Turns superseded by user speech during playback."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("voiceloop.state_transitions",
		metric.WithDescription("Orchestrator state transitions by target state."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceloop.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, created on first
// call from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("telemetry: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurn increments the turn counter with the given terminal status.
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTransition increments the state transition counter.
func (m *Metrics) RecordTransition(ctx context.Context, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
