package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the Monitor's heartbeat and progress observations as
// Prometheus gauges/counters, grounded on the teacher's grouped-vec
// registry pattern. Heartbeat and progress have no dedicated entry in
// the event catalog — spec's "Monitor never mutates task state, it
// only publishes alerts" principle leaves them to be surfaced through
// metrics rather than bus events; digression, regression, and budget do
// have catalog event types and are published through the bus as well
// as counted here.
type Metrics struct {
	registry *prometheus.Registry

	runHealth       *prometheus.GaugeVec
	listProgress    *prometheus.GaugeVec
	listFailed      *prometheus.GaugeVec
	digressionTotal *prometheus.CounterVec
	regressionTotal *prometheus.CounterVec
	budgetWarning   *prometheus.CounterVec
	budgetExhausted *prometheus.CounterVec
	tokensUsed      *prometheus.GaugeVec
}

// NewMetrics builds a Metrics registered to a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "run_health",
		Help:      "Heartbeat-derived health band per run (1 for the currently observed band, 0 otherwise)",
	}, []string{"run_id", "health"})

	m.listProgress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "list_completed_tasks",
		Help:      "Completed task count per list",
	}, []string{"list_id"})

	m.listFailed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "list_failed_tasks",
		Help:      "Failed task count per list",
	}, []string{"list_id"})

	m.digressionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "digression_detected_total",
		Help:      "Digression alerts published, by run",
	}, []string{"run_id"})

	m.regressionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "regression_detected_total",
		Help:      "Regression alerts published, by task whose prior completion regressed",
	}, []string{"task_id"})

	m.budgetWarning = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "budget_warning_total",
		Help:      "Budget warning alerts published, by run",
	}, []string{"run_id"})

	m.budgetExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "budget_exhausted_total",
		Help:      "Budget exhaustion alerts published, by run",
	}, []string{"run_id"})

	m.tokensUsed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "monitor",
		Name:      "run_tokens_used",
		Help:      "Tokens consumed so far by an active run",
	}, []string{"run_id"})

	m.registry.MustRegister(m.runHealth, m.listProgress, m.listFailed, m.digressionTotal,
		m.regressionTotal, m.budgetWarning, m.budgetExhausted, m.tokensUsed)

	return m
}

// Registry exposes the underlying registry for an HTTP metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
