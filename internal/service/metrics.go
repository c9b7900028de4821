package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRankRequestsTotal     = "trackrank_requests_total"
	MetricRankRequestDuration   = "trackrank_request_duration_seconds"
	MetricAppliedRulesTotal     = "trackrank_applied_rules_total"
	MetricFailedRulesTotal      = "trackrank_failed_rules_total"
	MetricScoreAdjustmentsTotal = "trackrank_score_adjustments_total"
	MetricUnrecognizedNodes     = "trackrank_explain_unrecognized_nodes_total"
	MetricDegradedBackends      = "trackrank_degraded_backends_total"
)

// Operation labels.
const (
	OpExplain = "explain"
	OpRerank  = "rerank"
)

// Status labels.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Metrics holds the Prometheus collectors of the rank service.
type Metrics struct {
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	appliedRules  *prometheus.CounterVec
	failedRules   *prometheus.CounterVec
	adjustments   prometheus.Counter
	unrecognized  prometheus.Counter
	degradedTotal *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRankRequestsTotal,
				Help: "Total number of explain and rerank requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricRankRequestDuration,
				Help:    "Histogram of explain and rerank processing time in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
			[]string{"operation"},
		),
		appliedRules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppliedRulesTotal,
				Help: "Total number of business rules applied by rule type",
			},
			[]string{"type"},
		),
		failedRules: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricFailedRulesTotal,
				Help: "Total number of business rules that failed to evaluate by rule id",
			},
			[]string{"rule_id"},
		),
		adjustments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricScoreAdjustmentsTotal,
			Help: "Total number of per-document score adjustments",
		}),
		unrecognized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricUnrecognizedNodes,
			Help: "Total number of explain tree nodes skipped as unrecognized",
		}),
		degradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDegradedBackends,
				Help: "Total number of result sets skipped because their backend was unavailable",
			},
			[]string{"engine"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.duration,
		m.appliedRules,
		m.failedRules,
		m.adjustments,
		m.unrecognized,
		m.degradedTotal,
	}
}

func (m *Metrics) observeRequest(op, status string, seconds float64) {
	m.requests.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(seconds)
}
