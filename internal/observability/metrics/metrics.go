package metrics

import "github.com/prometheus/client_golang/prometheus"

// PaymentMetrics exposes counters for payment webhook processing.
type PaymentMetrics struct {
	webhookTotal *prometheus.CounterVec
}

func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	m := &PaymentMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickclinic",
			Subsystem: "payments",
			Name:      "webhook_total",
			Help:      "Total inbound payment gateway webhooks",
		}, []string{"provider", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookTotal)
	return m
}

func (m *PaymentMetrics) ObserveWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(provider, outcome).Inc()
}

// SyncMetrics exposes counters/histograms for EMR synchronization.
type SyncMetrics struct {
	pullPages    *prometheus.CounterVec
	pullLatency  *prometheus.HistogramVec
	webhookTotal *prometheus.CounterVec
	conflicts    prometheus.Counter
}

func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		pullPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickclinic",
			Subsystem: "emr_sync",
			Name:      "pull_pages_total",
			Help:      "Pages consumed by cursor pulls",
		}, []string{"resource"}),
		pullLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quickclinic",
			Subsystem: "emr_sync",
			Name:      "pull_latency_seconds",
			Help:      "Latency of one cursor pull invocation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"resource"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickclinic",
			Subsystem: "emr_sync",
			Name:      "webhook_total",
			Help:      "Total inbound EMR webhook events",
		}, []string{"event", "outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quickclinic",
			Subsystem: "emr_sync",
			Name:      "staged_conflicts_total",
			Help:      "Patient profile conflicts staged for operator review",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.pullPages, m.pullLatency, m.webhookTotal, m.conflicts)
	return m
}

func (m *SyncMetrics) ObservePullPage(resource string) {
	if m == nil {
		return
	}
	m.pullPages.WithLabelValues(resource).Inc()
}

func (m *SyncMetrics) ObservePullLatency(resource string, seconds float64) {
	if m == nil {
		return
	}
	m.pullLatency.WithLabelValues(resource).Observe(seconds)
}

func (m *SyncMetrics) ObserveWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(event, outcome).Inc()
}

func (m *SyncMetrics) ObserveConflictStaged() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// ReconciliationMetrics counts settlement rows written per window.
type ReconciliationMetrics struct {
	rowsWritten prometheus.Counter
	runTotal    *prometheus.CounterVec
}

func NewReconciliationMetrics(reg prometheus.Registerer) *ReconciliationMetrics {
	m := &ReconciliationMetrics{
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quickclinic",
			Subsystem: "reconciliation",
			Name:      "rows_written_total",
			Help:      "Settlement rows materialized",
		}),
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickclinic",
			Subsystem: "reconciliation",
			Name:      "runs_total",
			Help:      "Reconciliation window runs",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.rowsWritten, m.runTotal)
	return m
}

func (m *ReconciliationMetrics) ObserveRows(n int) {
	if m == nil {
		return
	}
	m.rowsWritten.Add(float64(n))
}

func (m *ReconciliationMetrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	m.runTotal.WithLabelValues(outcome).Inc()
}
