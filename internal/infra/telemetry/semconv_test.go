package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestEventAttributesOmitEmptyProduct(t *testing.T) {
	attrs := EventAttributes("test", "connection_status", "")
	require.Equal(t, []attribute.KeyValue{
		AttrEnvironment.String("test"),
		AttrProvider.String(ProviderCoinbase),
		AttrEventType.String("connection_status"),
	}, attrs)

	withProduct := EventAttributes("test", "trade", "BTC-USD")
	require.Contains(t, withProduct, AttrProduct.String("BTC-USD"))
}

func TestOperationResultAttributes(t *testing.T) {
	attrs := OperationResultAttributes("prod", "subscribe", "success")
	require.Contains(t, attrs, AttrOperation.String("subscribe"))
	require.Contains(t, attrs, AttrResult.String("success"))
}
