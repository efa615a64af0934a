// Package telemetry provides OpenTelemetry instrumentation for the
// synchronization engine: wait durations, achieve retries, and barrier
// timing, exportable through a Prometheus registry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync-point metrics meter
	SyncMetricsMeterName = "github.com/jasonlharvey/TrickHLA/syncpoint"

	// BarrierMetricsMeterName is the name used for the thread barrier metrics meter
	BarrierMetricsMeterName = "github.com/jasonlharvey/TrickHLA/coordinator"
)

// WaitPhase labels which sync-point wait a duration was recorded for.
type WaitPhase string

const (
	// WaitPhaseAnnounced is the wait for a point to be announced.
	WaitPhaseAnnounced WaitPhase = "announced"

	// WaitPhaseSynchronized is the wait for federation synchronization.
	WaitPhaseSynchronized WaitPhase = "synchronized"
)

// SyncMetrics holds the OpenTelemetry instruments for sync-point operations
type SyncMetrics struct {
	waitDuration   metric.Float64Histogram
	achieveRetries metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	waitDuration, err := meter.Float64Histogram(
		"trickhla_sync_point_wait_seconds",
		metric.WithDescription("Time spent blocked waiting on a sync-point state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300),
	)
	if err != nil {
		return nil, err
	}

	achieveRetries, err := meter.Int64Counter(
		"trickhla_sync_point_achieve_retries_total",
		metric.WithDescription("Achieve attempts deferred by a transient rendezvous failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		waitDuration:   waitDuration,
		achieveRetries: achieveRetries,
	}, nil
}

// RecordWaitDuration records how long a waiter was blocked on a sync-point.
func (m *SyncMetrics) RecordWaitDuration(ctx context.Context, list, label string, phase WaitPhase, duration time.Duration) {
	if m == nil || m.waitDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("list", list),
		attribute.String("label", label),
		attribute.String("phase", string(phase)),
	}

	m.waitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordAchieveRetry counts a transient achieve failure left for retry.
func (m *SyncMetrics) RecordAchieveRetry(ctx context.Context, label, reason string) {
	if m == nil || m.achieveRetries == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("label", label),
		attribute.String("reason", reason),
	}

	m.achieveRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// BarrierMetrics holds the OpenTelemetry instruments for the thread
// coordinator's cycle barrier.
type BarrierMetrics struct {
	waitDuration metric.Float64Histogram
	framesTotal  metric.Int64Counter
}

// NewBarrierMetrics creates a new BarrierMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewBarrierMetrics(provider metric.MeterProvider) (*BarrierMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(BarrierMetricsMeterName)

	waitDuration, err := meter.Float64Histogram(
		"trickhla_thread_barrier_wait_seconds",
		metric.WithDescription("Time a thread spent blocked at the data-cycle barrier"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		return nil, err
	}

	framesTotal, err := meter.Int64Counter(
		"trickhla_thread_barrier_frames_total",
		metric.WithDescription("Barrier passages completed, by thread and direction"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	return &BarrierMetrics{
		waitDuration: waitDuration,
		framesTotal:  framesTotal,
	}, nil
}

// RecordBarrierWait records the time one thread spent at the barrier and
// counts the completed passage.
func (m *BarrierMetrics) RecordBarrierWait(ctx context.Context, threadID int, direction string, duration time.Duration) {
	if m == nil || m.waitDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("thread_id", threadID),
		attribute.String("direction", direction),
	}

	m.waitDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.framesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
