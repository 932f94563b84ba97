package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/sentinel/internal/domain/schema"
	"github.com/coachpo/sentinel/internal/observability"
)

// Alert is raised when a rule fires.
type Alert struct {
	Product string
	Message string
	CVD     float64
	At      time.Time
}

// AlertHandler receives alerts on the engine's goroutine.
type AlertHandler func(Alert)

// Engine feeds trades through the CVD tracker and evaluates its rules.
type Engine struct {
	cvd    *CVD
	logger observability.Logger
	clock  func() time.Time

	mu      sync.Mutex
	rules   []Rule
	handler AlertHandler
}

// NewEngine constructs an engine with the given rules.
func NewEngine(logger observability.Logger, rules ...Rule) *Engine {
	if logger == nil {
		logger = observability.Log()
	}
	return &Engine{
		cvd:    NewCVD(),
		logger: observability.With(logger, observability.F("component", "analytics")),
		clock:  time.Now,
		rules:  append([]Rule(nil), rules...),
	}
}

// AddRule registers another rule.
func (e *Engine) AddRule(rule Rule) {
	if rule == nil {
		return
	}
	e.mu.Lock()
	e.rules = append(e.rules, rule)
	e.mu.Unlock()
}

// OnAlert sets the alert handler. Alerts are logged either way.
func (e *Engine) OnAlert(handler AlertHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// CVD exposes the tracker.
func (e *Engine) CVD() *CVD { return e.cvd }

// OnTrade updates CVD and returns the alerts raised by this trade.
func (e *Engine) OnTrade(trade schema.Trade) []Alert {
	value := e.cvd.Process(trade)

	e.mu.Lock()
	rules := e.rules
	handler := e.handler
	e.mu.Unlock()

	var alerts []Alert
	for _, rule := range rules {
		if !rule.Check(trade, value) {
			continue
		}
		alert := Alert{Product: trade.Product, Message: rule.Message(), CVD: value, At: e.clock()}
		e.logger.Warn("alert triggered",
			observability.F("product", alert.Product),
			observability.F("cvd", alert.CVD),
			observability.F("message", alert.Message))
		if handler != nil {
			handler(alert)
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

// Run consumes events until ctx is done or the stream ends. Events other
// than trades are ignored.
func (e *Engine) Run(ctx context.Context, events <-chan schema.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if trade, isTrade := evt.(schema.Trade); isTrade {
				e.OnTrade(trade)
			}
		}
	}
}
