// Package telemetry provides OpenTelemetry initialization and semantic conventions for sentinel.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for sentinel telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the event classification (trade, book_delta, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrProvider identifies which upstream venue produced the signal.
	AttrProvider = attribute.Key("provider")
	// AttrProduct captures the product id (e.g. BTC-USD).
	AttrProduct = attribute.Key("product")
	// AttrChannel differentiates venue channels inside a single transport stream.
	AttrChannel = attribute.Key("channel")
	// AttrTransport names the websocket client variant.
	AttrTransport = attribute.Key("transport")
	// AttrOperation differentiates specific operations (subscribe, unsubscribe, ping, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides free-form context for drops and errors.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrPolicy labels consumer backpressure policies.
	AttrPolicy = attribute.Key("policy")
)

// ProviderCoinbase is the provider label used on all venue metrics.
const ProviderCoinbase = "coinbase"

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, product string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(ProviderCoinbase),
		AttrEventType.String(eventType),
	}
	if product != "" {
		attrs = append(attrs, AttrProduct.String(product))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, transport, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(ProviderCoinbase),
		AttrTransport.String(transport),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(ProviderCoinbase),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
