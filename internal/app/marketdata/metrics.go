package marketdata

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/infra/telemetry"
)

type coreMetrics struct {
	meter           metric.Meter
	state           metric.Int64ObservableGauge
	stateReg        metric.Registration
	messages        metric.Int64Counter
	parseErrors     metric.Int64Counter
	protocolErrors  metric.Int64Counter
	transportErrors metric.Int64Counter
	reconnects      metric.Int64Counter
	tradeLatencyMs  metric.Float64Histogram
	bookLatencyMs   metric.Float64Histogram
}

func newCoreMetrics(provider metric.MeterProvider) *coreMetrics {
	meter := provider.Meter("marketdata")
	m := &coreMetrics{meter: meter}
	m.messages, _ = meter.Int64Counter("marketdata.messages",
		metric.WithDescription("Venue messages decoded, by channel"),
		metric.WithUnit("{message}"))
	m.parseErrors, _ = meter.Int64Counter("marketdata.parse_errors",
		metric.WithDescription("Messages dropped because they could not be decoded"),
		metric.WithUnit("{message}"))
	m.protocolErrors, _ = meter.Int64Counter("marketdata.protocol_errors",
		metric.WithDescription("Snapshot-then-update contract violations"),
		metric.WithUnit("{error}"))
	m.transportErrors, _ = meter.Int64Counter("marketdata.transport_errors",
		metric.WithDescription("Transport failures reported by the session"),
		metric.WithUnit("{error}"))
	m.reconnects, _ = meter.Int64Counter("marketdata.reconnects",
		metric.WithDescription("Reconnect attempts"),
		metric.WithUnit("{attempt}"))
	m.tradeLatencyMs, _ = meter.Float64Histogram("marketdata.trade.latency",
		metric.WithDescription("Arrival minus exchange timestamp for trades"),
		metric.WithUnit("ms"))
	m.bookLatencyMs, _ = meter.Float64Histogram("marketdata.book.latency",
		metric.WithDescription("Arrival minus exchange timestamp for book messages"),
		metric.WithUnit("ms"))
	m.state, _ = meter.Int64ObservableGauge("marketdata.connection.state",
		metric.WithDescription("Connection state: 0 idle, 1 connecting, 2 up, 3 backoff"))
	return m
}

// observeState reports state() on every collection until stopObserving.
func (m *coreMetrics) observeState(state func() State) {
	if m.state == nil || m.stateReg != nil {
		return
	}
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.state, int64(state()), metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
		return nil
	}, m.state)
	if err != nil {
		return
	}
	m.stateReg = reg
}

func (m *coreMetrics) stopObserving() {
	if m.stateReg == nil {
		return
	}
	_ = m.stateReg.Unregister()
	m.stateReg = nil
}

func (m *coreMetrics) message(ctx context.Context, channel string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrProvider.String(telemetry.ProviderCoinbase),
		telemetry.AttrChannel.String(channel)))
}

func (m *coreMetrics) parseError(ctx context.Context) {
	m.parseErrors.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), "parse", "decode")...))
}

func (m *coreMetrics) protocolError(ctx context.Context, product string) {
	attrs := telemetry.ErrorAttributes(telemetry.Environment(), "protocol", "book")
	attrs = append(attrs, telemetry.AttrProduct.String(product))
	m.protocolErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *coreMetrics) transportError(ctx context.Context) {
	m.transportErrors.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), "transport", "session")...))
}

func (m *coreMetrics) reconnect(ctx context.Context) {
	m.reconnects.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), "reconnect", "scheduled")...))
}

func (m *coreMetrics) tradeLatency(ctx context.Context, trade schema.Trade) {
	if trade.ExchangeTS.IsZero() {
		return
	}
	m.tradeLatencyMs.Record(ctx, float64(trade.Latency().Microseconds())/1000, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(schema.EventTypeTrade), trade.Product)...))
}

func (m *coreMetrics) bookLatency(ctx context.Context, product string, exchange, arrival time.Time) {
	if exchange.IsZero() {
		return
	}
	m.bookLatencyMs.Record(ctx, float64(arrival.Sub(exchange).Microseconds())/1000, metric.WithAttributes(
		telemetry.EventAttributes(telemetry.Environment(), string(schema.EventTypeBookUpdate), product)...))
}
