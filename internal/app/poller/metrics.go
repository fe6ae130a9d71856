package poller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/uinotify/internal/infra/telemetry"
)

type pollerMetrics struct {
	environment string
	system      string

	requests      metric.Int64Counter
	pollDuration  metric.Float64Histogram
	failures      metric.Int64Counter
	notifications metric.Int64Counter
	starts        metric.Int64Counter
}

func newPollerMetrics(system string) *pollerMetrics {
	meter := otel.Meter("notifications.poller")
	pm := &pollerMetrics{
		environment:   telemetry.Environment(),
		system:        system,
		requests:      nil,
		pollDuration:  nil,
		failures:      nil,
		notifications: nil,
		starts:        nil,
	}

	pm.requests, _ = meter.Int64Counter("uinotify_poll_requests",
		metric.WithDescription("Poll requests completed by result"),
		metric.WithUnit("{request}"))

	pm.pollDuration, _ = meter.Float64Histogram("uinotify_poll_duration",
		metric.WithDescription("Poll request round trip duration"),
		metric.WithUnit("ms"))

	pm.failures, _ = meter.Int64Counter("uinotify_poll_failures",
		metric.WithDescription("Failed poll requests by error class"),
		metric.WithUnit("{failure}"))

	pm.notifications, _ = meter.Int64Counter("uinotify_notifications",
		metric.WithDescription("Notifications received per topic by outcome"),
		metric.WithUnit("{notification}"))

	pm.starts, _ = meter.Int64Counter("uinotify_subscription_starts",
		metric.WithDescription("Subscription start markers received per topic"),
		metric.WithUnit("{marker}"))

	return pm
}

func (pm *pollerMetrics) recordRequest(result string, elapsed time.Duration) {
	if pm == nil {
		return
	}
	ctx := context.Background()
	if pm.requests != nil {
		pm.requests.Add(ctx, 1, metric.WithAttributes(telemetry.RequestAttributes(pm.environment, pm.system, result)...))
	}
	if pm.pollDuration != nil && result != telemetry.ResultStale {
		pm.pollDuration.Record(ctx, float64(elapsed.Microseconds())/1000,
			metric.WithAttributes(telemetry.SystemAttributes(pm.environment, pm.system)...))
	}
}

func (pm *pollerMetrics) recordFailure(class string) {
	if pm == nil || pm.failures == nil {
		return
	}
	pm.failures.Add(context.Background(), 1, metric.WithAttributes(telemetry.FailureAttributes(pm.environment, pm.system, class)...))
}

func (pm *pollerMetrics) recordNotification(topic, result string) {
	if pm == nil || pm.notifications == nil {
		return
	}
	attrs := telemetry.TopicAttributes(pm.environment, pm.system, topic)
	attrs = append(attrs, telemetry.AttrResult.String(result))
	pm.notifications.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (pm *pollerMetrics) recordStart(topic string) {
	if pm == nil || pm.starts == nil {
		return
	}
	pm.starts.Add(context.Background(), 1, metric.WithAttributes(telemetry.TopicAttributes(pm.environment, pm.system, topic)...))
}
