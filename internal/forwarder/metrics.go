package forwarder

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type forwarderMetrics struct {
	eventsAcked        metric.Int64Counter
	eventsRescheduled  metric.Int64Counter
	eventsDeadLettered metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
	queueDepth         metric.Int64Gauge
}

func newForwarderMetrics(provider metric.MeterProvider) (forwarderMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("farmiq.forwarder.dispatcher")

	var (
		metrics forwarderMetrics
		err     error
	)

	metrics.eventsAcked, err = meter.Int64Counter(
		"forwarder.events.acked",
		metric.WithDescription("Number of outbox events acknowledged by the ingestion boundary"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create forwarder.events.acked counter: %w", err)
	}

	metrics.eventsRescheduled, err = meter.Int64Counter(
		"forwarder.events.rescheduled",
		metric.WithDescription("Number of outbox events returned to the pool after a transient failure"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create forwarder.events.rescheduled counter: %w", err)
	}

	metrics.eventsDeadLettered, err = meter.Int64Counter(
		"forwarder.events.dead_lettered",
		metric.WithDescription("Number of outbox events quarantined in the dead letter queue"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create forwarder.events.dead_lettered counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"forwarder.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create forwarder.dispatch.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"forwarder.queue.depth",
		metric.WithDescription("Number of pending outbox events after a dispatch cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return forwarderMetrics{}, fmt.Errorf("create forwarder.queue.depth gauge: %w", err)
	}

	return metrics, nil
}
