// Package telemetry provides semantic conventions for replayd observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for replayd-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventKind = attribute.Key("event.kind")
	AttrSource    = attribute.Key("source")

	// Replay attributes
	AttrBacktestID  = attribute.Key("backtest.id")
	AttrReplayState = attribute.Key("replay.state")

	// Session attributes
	AttrClientID    = attribute.Key("client.id")
	AttrMessageType = attribute.Key("message.type")

	// Operation attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Error attributes
	AttrErrorCode = attribute.Key("error.code")
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(kind, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventKind.String(kind),
		AttrSource.String(source),
	}
}

// OperationResultAttributes returns attributes for operation latency metrics.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error counters.
func ErrorAttributes(operation, code string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrErrorCode.String(code),
	}
}
