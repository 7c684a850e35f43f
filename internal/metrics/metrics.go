// Package metrics provides Prometheus observability for the decision
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide counters and gauges. All methods are safe
// on a nil receiver so wiring stays optional in tests.
type Metrics struct {
	// Decision outcomes keyed by decision
	Decisions *prometheus.CounterVec

	// Rule hits keyed by rule id
	RuleHits *prometheus.CounterVec

	// Full-pipeline evaluation latency
	EvaluateLatency prometheus.Histogram

	// Loaded rule counts, set on every snapshot publish
	InlineRules    prometheus.Gauge
	StreamingRules prometheus.Gauge

	// Policy refresh outcomes keyed by result
	PolicyReloads *prometheus.CounterVec

	// Process uptime
	Uptime prometheus.GaugeFunc
}

// New registers all metrics on the default registry.
func New(start time.Time) *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_decisions_total",
			Help: "Total decisions by outcome",
		}, []string{"decision"}),

		RuleHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_rule_hits_total",
			Help: "Total rule triggers by rule id",
		}, []string{"rule_id"}),

		EvaluateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_evaluate_duration_seconds",
			Help:    "Duration of full decision evaluation including recording",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.015, 0.025, 0.05, 0.1, 0.25},
		}),

		InlineRules: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_inline_rules",
			Help: "Number of inline rules in the active snapshot",
		}),

		StreamingRules: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_streaming_rules",
			Help: "Number of streaming rules in the active snapshot",
		}),

		PolicyReloads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_policy_reloads_total",
			Help: "Policy refresh attempts by result",
		}, []string{"result"}),

		Uptime: promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "kestrel_uptime_seconds",
			Help: "Process uptime in seconds",
		}, func() float64 {
			return time.Since(start).Seconds()
		}),
	}
}

// ObserveDecision records one completed evaluation.
func (m *Metrics) ObserveDecision(decision string, d time.Duration) {
	if m != nil {
		m.Decisions.WithLabelValues(decision).Inc()
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// IncRuleHit records a triggered rule.
func (m *Metrics) IncRuleHit(ruleID string) {
	if m != nil {
		m.RuleHits.WithLabelValues(ruleID).Inc()
	}
}

// SetRuleCounts records the size of the active snapshot.
func (m *Metrics) SetRuleCounts(inline, streaming int) {
	if m != nil {
		m.InlineRules.Set(float64(inline))
		m.StreamingRules.Set(float64(streaming))
	}
}

// IncPolicyReload records a refresh attempt outcome ("ok" or "error").
func (m *Metrics) IncPolicyReload(result string) {
	if m != nil {
		m.PolicyReloads.WithLabelValues(result).Inc()
	}
}
