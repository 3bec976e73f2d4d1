// Package telemetry provides OpenTelemetry wiring and semantic conventions for the RTT monitor.
package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for monitor telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrContext identifies the network context a signal belongs to.
	AttrContext = attribute.Key("context.id")
	// AttrReconfig marks events carrying a reconfiguration notice.
	AttrReconfig = attribute.Key("event.reconfig")
	// AttrResult records what a dispatched event did to its context.
	AttrResult = attribute.Key("result")
	// AttrReason explains why an event was dropped.
	AttrReason = attribute.Key("reason")
	// AttrField names the event field that failed to parse (sample, settle).
	AttrField = attribute.Key("field")
	// AttrTransport labels ingest connection metrics by transport.
	AttrTransport = attribute.Key("transport")
	// AttrConnectionState labels connection lifecycle signals (connected, closed, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Dispatch result values.
const (
	ResultRecorded     = "recorded"
	ResultWindowClosed = "window_closed"
	ResultParseFailed  = "parse_failed"
	ResultIgnored      = "ignored"
)

// DispatchAttributes returns attributes for dispatched event metrics.
func DispatchAttributes(environment string, reconfig bool, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReconfig.String(strconv.FormatBool(reconfig)),
		AttrResult.String(result),
	}
}

// DropAttributes returns attributes for dropped event metrics.
func DropAttributes(environment, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReason.String(reason),
	}
}

// ContextAttributes returns attributes for per-context window metrics.
func ContextAttributes(environment, contextID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrEnvironment.String(environment)}
	if contextID != "" {
		attrs = append(attrs, AttrContext.String(contextID))
	}
	return attrs
}

// ParseFailureAttributes returns attributes for parse failure metrics.
func ParseFailureAttributes(environment, contextID, field string) []attribute.KeyValue {
	return append(ContextAttributes(environment, contextID), AttrField.String(field))
}

// ConnectionAttributes returns attributes for ingest connection metrics.
func ConnectionAttributes(environment, transport, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTransport.String(transport),
		AttrConnectionState.String(state),
	}
}
