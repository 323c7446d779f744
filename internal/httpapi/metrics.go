package httpapi

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// pipelineMetrics instruments the relay pipeline: request totals and
// latency per operation, transfer outcomes, and congestion tier picks.
type pipelineMetrics struct {
	requests  metric.Int64Counter
	duration  metric.Int64Histogram
	transfers metric.Int64Counter
	tiers     metric.Int64Counter
}

func newPipelineMetrics(logger pslog.Logger) *pipelineMetrics {
	meter := otel.Meter("pkt.systems/relayd/httpapi")
	m := &pipelineMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"relayd.http.requests",
		metric.WithDescription("HTTP requests (per operation and outcome)"),
	)
	logMetricInitError(logger, "relayd.http.requests", err)

	m.duration, err = meter.Int64Histogram(
		"relayd.http.duration_ms",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "relayd.http.duration_ms", err)

	m.transfers, err = meter.Int64Counter(
		"relayd.transfer.outcome",
		metric.WithDescription("Transfer pipeline outcomes"),
	)
	logMetricInitError(logger, "relayd.transfer.outcome", err)

	m.tiers, err = meter.Int64Counter(
		"relayd.congestion.tier",
		metric.WithDescription("Congestion tier selections"),
	)
	logMetricInitError(logger, "relayd.congestion.tier", err)

	return m
}

func (m *pipelineMetrics) recordRequest(ctx context.Context, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("relayd.operation", operation),
		attribute.String("relayd.outcome", outcome),
	}
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(),
			metric.WithAttributes(attribute.String("relayd.operation", operation)))
	}
}

func (m *pipelineMetrics) recordTransfer(ctx context.Context, outcome string) {
	if m == nil || m.transfers == nil {
		return
	}
	m.transfers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("relayd.outcome", outcome)))
}

func (m *pipelineMetrics) recordTier(ctx context.Context, tier string) {
	if m == nil || m.tiers == nil {
		return
	}
	m.tiers.Add(ctx, 1,
		metric.WithAttributes(attribute.String("relayd.tier", tier)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
