// Package metrics exposes OpenTelemetry counters for the engine. With no
// meter provider installed the counters are no-ops, so components can
// record unconditionally.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instrument set.
type Metrics struct {
	usageEvents     metric.Int64Counter
	flushBatches    metric.Int64Counter
	flushRetries    metric.Int64Counter
	eventsPublished metric.Int64Counter
	grantsClamped   metric.Int64Counter
}

// New creates the instrument set from the global meter provider.
func New() (*Metrics, error) {
	meter := otel.Meter("github.com/quotaguard/quotaguard")

	m := &Metrics{}
	var err error
	if m.usageEvents, err = meter.Int64Counter("quotaguard.usage_events",
		metric.WithDescription("Usage events accepted by the token monitor")); err != nil {
		return nil, err
	}
	if m.flushBatches, err = meter.Int64Counter("quotaguard.flush_batches",
		metric.WithDescription("Usage batches flushed to the store")); err != nil {
		return nil, err
	}
	if m.flushRetries, err = meter.Int64Counter("quotaguard.flush_retries",
		metric.WithDescription("Flush attempts retried after a store error")); err != nil {
		return nil, err
	}
	if m.eventsPublished, err = meter.Int64Counter("quotaguard.events_published",
		metric.WithDescription("Events handed to the broadcast hub")); err != nil {
		return nil, err
	}
	if m.grantsClamped, err = meter.Int64Counter("quotaguard.grants_clamped",
		metric.WithDescription("Allocation requests clamped at the safety ceiling")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordUsageEvent counts one accepted usage event.
func (m *Metrics) RecordUsageEvent(ctx context.Context) {
	if m == nil {
		return
	}
	m.usageEvents.Add(ctx, 1)
}

// RecordFlush counts one flushed batch of the given size.
func (m *Metrics) RecordFlush(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.flushBatches.Add(ctx, 1, metric.WithAttributes(attribute.Int("batch_size", size)))
}

// RecordFlushRetry counts one flush retry.
func (m *Metrics) RecordFlushRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.flushRetries.Add(ctx, 1)
}

// RecordEventPublished counts one event handed to the hub.
func (m *Metrics) RecordEventPublished(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordGrantClamped counts one clamped allocation.
func (m *Metrics) RecordGrantClamped(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.grantsClamped.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}
