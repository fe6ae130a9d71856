// Package telemetry provides OpenTelemetry initialization and semantic conventions for the notification client.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for notification client telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrSystem identifies the backend system a poller talks to.
	AttrSystem = attribute.Key("system")
	// AttrTopic captures the notification topic name.
	AttrTopic = attribute.Key("topic")
	// AttrTransport labels the transport kind (http, websocket, fake).
	AttrTransport = attribute.Key("transport")
	// AttrStatus communicates a poller status or HTTP status class.
	AttrStatus = attribute.Key("status")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorClass categorizes failures by how the poller reacts to them.
	AttrErrorClass = attribute.Key("error.class")
	// AttrOperation differentiates specific operations (subscribe, unsubscribe, restart).
	AttrOperation = attribute.Key("operation")
)

// Result values shared by counters.
const (
	ResultSuccess    = "success"
	ResultError      = "error"
	ResultStale      = "stale"
	ResultDuplicate  = "duplicate"
	ResultDelivered  = "delivered"
	ResultStartToken = "subscription_start"
)

// SystemAttributes returns the base attributes for per-system metrics.
func SystemAttributes(environment, system string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSystem.String(system),
	}
}

// TopicAttributes returns attributes for per-topic delivery metrics.
func TopicAttributes(environment, system, topic string) []attribute.KeyValue {
	attrs := SystemAttributes(environment, system)
	if topic != "" {
		attrs = append(attrs, AttrTopic.String(topic))
	}
	return attrs
}

// RequestAttributes returns attributes for poll request metrics.
func RequestAttributes(environment, system, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSystem.String(system),
		AttrResult.String(result),
	}
}

// FailureAttributes returns attributes for classified poll failures.
func FailureAttributes(environment, system, class string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSystem.String(system),
		AttrErrorClass.String(class),
	}
}

// TransportAttributes returns attributes for transport level metrics.
func TransportAttributes(environment, system, transport, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSystem.String(system),
		AttrTransport.String(transport),
	}
	if status != "" {
		attrs = append(attrs, AttrStatus.String(status))
	}
	return attrs
}

// OperationAttributes returns attributes for registry operations.
func OperationAttributes(environment, system, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSystem.String(system),
		AttrOperation.String(operation),
	}
}
