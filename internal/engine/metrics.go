package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"buildtriage/backend/pkg/models"
)

// runMetrics emits engine telemetry through the global meter provider. A
// process without a configured provider gets no-op instruments, so recording
// is always safe.
type runMetrics struct {
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	steps        metric.Int64Counter
	stepLatency  metric.Float64Histogram
}

func newRunMetrics() *runMetrics {
	meter := otel.GetMeterProvider().Meter("buildtriage.engine")
	m := &runMetrics{}
	m.runsStarted, _ = meter.Int64Counter("workflow.runs.started",
		metric.WithDescription("Runs submitted to the engine"))
	m.runsFinished, _ = meter.Int64Counter("workflow.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"))
	m.steps, _ = meter.Int64Counter("workflow.steps",
		metric.WithDescription("Node executions, including failed attempts"))
	m.stepLatency, _ = meter.Float64Histogram("workflow.step.duration",
		metric.WithDescription("Node execution latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *runMetrics) recordRunStarted(ctx context.Context, workflowID string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.id", workflowID),
	))
}

func (m *runMetrics) recordRun(ctx context.Context, workflowID string, status models.RunStatus, reason models.FailureReason) {
	if m == nil || m.runsFinished == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("workflow.id", workflowID),
		attribute.String("run.status", string(status)),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String("run.reason", string(reason)))
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *runMetrics) recordStep(ctx context.Context, workflowID, nodeID string, duration time.Duration, err error) {
	if m == nil || m.steps == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("workflow.id", workflowID),
		attribute.String("node.id", nodeID),
		attribute.Bool("step.failed", err != nil),
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.stepLatency.Record(ctx, float64(duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
}
