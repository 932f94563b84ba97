package analytics

import (
	"fmt"
	"sync/atomic"

	"github.com/coachpo/sentinel/internal/domain/schema"
)

// Rule inspects each trade together with the product's current CVD.
type Rule interface {
	Check(trade schema.Trade, cvd float64) bool
	Message() string
}

// ThresholdRule fires once, the first time CVD rises above the threshold.
// It never re-arms.
type ThresholdRule struct {
	threshold float64
	message   string
	fired     atomic.Bool
}

// NewThresholdRule builds a one-shot rule for the threshold.
func NewThresholdRule(threshold float64) *ThresholdRule {
	return &ThresholdRule{
		threshold: threshold,
		message:   fmt.Sprintf("CVD has crossed the configured threshold of %g", threshold),
	}
}

// Check reports true exactly once, on the first trade whose CVD exceeds the threshold.
func (r *ThresholdRule) Check(_ schema.Trade, cvd float64) bool {
	if cvd <= r.threshold {
		return false
	}
	return r.fired.CompareAndSwap(false, true)
}

// Message returns the alert text.
func (r *ThresholdRule) Message() string { return r.message }

// Fired reports whether the rule has triggered.
func (r *ThresholdRule) Fired() bool { return r.fired.Load() }
