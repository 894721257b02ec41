package copilot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for exchange processing.
type Metrics struct {
	utterances       *prometheus.CounterVec
	intents          *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	summaries        *prometheus.CounterVec
	pendingApprovals prometheus.GaugeFunc
}

// MustNewMetrics registers the collectors with reg. pending, when non-nil,
// is sampled for the pending approvals gauge.
func MustNewMetrics(reg prometheus.Registerer, pending func() int) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		utterances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadkeeper",
			Name:      "utterances_total",
			Help:      "Inbound utterances by final outcome.",
		}, []string{"outcome"}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadkeeper",
			Name:      "intents_total",
			Help:      "Intent detection decisions.",
		}, []string{"kind", "source"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadkeeper",
			Name:      "approval_outcomes_total",
			Help:      "Approval gate outcomes.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "threadkeeper",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each exchange stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadkeeper",
			Name:      "summaries_total",
			Help:      "Rolling summary generations.",
		}, []string{"status"}),
	}
	collectors := []prometheus.Collector{m.utterances, m.intents, m.approvals, m.stageDuration, m.summaries}
	if pending != nil {
		m.pendingApprovals = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "threadkeeper",
			Name:      "pending_approvals",
			Help:      "Actions currently awaiting a decision.",
		}, func() float64 { return float64(pending()) })
		collectors = append(collectors, m.pendingApprovals)
	}
	reg.MustRegister(collectors...)
	return m
}

// IncUtterance counts a finished exchange.
func (m *Metrics) IncUtterance(outcome string) {
	if m == nil {
		return
	}
	m.utterances.WithLabelValues(outcome).Inc()
}

// IncIntent counts an intent decision.
func (m *Metrics) IncIntent(kind, source string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(kind, source).Inc()
}

// IncApproval counts an approval outcome.
func (m *Metrics) IncApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

// IncSummary counts a summary generation attempt.
func (m *Metrics) IncSummary(status string) {
	if m == nil {
		return
	}
	m.summaries.WithLabelValues(status).Inc()
}

// ObserveStage records a stage duration.
func (m *Metrics) ObserveStage(stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}
