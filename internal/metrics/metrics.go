package metrics

import (
	"net/http"

	"github.com/Fi44er/wallet_ledger/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet_ledger"

type Metrics struct {
	registry           *prometheus.Registry
	webhooksTotal      *prometheus.CounterVec
	webhooksRejected   *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	scheduledPayments  *prometheus.CounterVec
	lockoutActivations prometheus.Counter
	jobRuns            *prometheus.CounterVec
}

// New registers the ledger collectors on a private registry so several
// instances can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		webhooksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Processed gateway events partitioned by type and outcome.",
		}, []string{"event_type", "status"}),
		webhooksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "rejected_total",
			Help:      "Gateway events rejected before processing, by reason.",
		}, []string{"reason"}),
		transitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "transitions_total",
			Help:      "Transaction status transitions.",
		}, []string{"from", "to"}),
		scheduledPayments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "payments_total",
			Help:      "Recurring payment attempts partitioned by result.",
		}, []string{"result"}),
		lockoutActivations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "lockouts_total",
			Help:      "Account lockouts started.",
		}),
		jobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Background job runs partitioned by job and result.",
		}, []string{"job", "result"}),
	}
}

func (m *Metrics) WebhookProcessed(eventType string, status models.EventStatus) {
	m.webhooksTotal.WithLabelValues(eventType, string(status)).Inc()
}

func (m *Metrics) WebhookRejected(reason string) {
	m.webhooksRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) TransactionTransitioned(from, to models.TransactionStatus) {
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ScheduledPayment(result string) {
	m.scheduledPayments.WithLabelValues(result).Inc()
}

func (m *Metrics) AccountLocked() {
	m.lockoutActivations.Inc()
}

// JobRun counts a background job run; result is "ok", "error" or "skipped".
func (m *Metrics) JobRun(job, result string) {
	m.jobRuns.WithLabelValues(job, result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
