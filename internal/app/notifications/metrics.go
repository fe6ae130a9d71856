package notifications

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/uinotify/internal/infra/telemetry"
)

type managerMetrics struct {
	environment string

	operations  metric.Int64Counter
	dispatch    metric.Float64Histogram
	handlerRuns metric.Int64Counter
}

func newManagerMetrics() *managerMetrics {
	meter := otel.Meter("notifications.manager")
	mm := &managerMetrics{
		environment: telemetry.Environment(),
		operations:  nil,
		dispatch:    nil,
		handlerRuns: nil,
	}

	mm.operations, _ = meter.Int64Counter("uinotify_registry_operations",
		metric.WithDescription("Subscription registry operations by system"),
		metric.WithUnit("{operation}"))

	mm.dispatch, _ = meter.Float64Histogram("uinotify_dispatch_duration",
		metric.WithDescription("Handler dispatch duration"),
		metric.WithUnit("ms"))

	mm.handlerRuns, _ = meter.Int64Counter("uinotify_handler_invocations",
		metric.WithDescription("Handler invocations per topic"),
		metric.WithUnit("{invocation}"))

	return mm
}

func (mm *managerMetrics) recordOperation(system, operation string) {
	if mm == nil || mm.operations == nil {
		return
	}
	mm.operations.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OperationAttributes(mm.environment, system, operation)...))
}

func (mm *managerMetrics) recordDispatch(system, topic string, handlers int, elapsed time.Duration) {
	if mm == nil {
		return
	}
	ctx := context.Background()
	attrs := telemetry.TopicAttributes(mm.environment, system, topic)
	if mm.dispatch != nil {
		mm.dispatch.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	}
	if mm.handlerRuns != nil && handlers > 0 {
		mm.handlerRuns.Add(ctx, int64(handlers), metric.WithAttributes(attrs...))
	}
}
