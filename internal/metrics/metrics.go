// Package metrics exposes Prometheus collectors for transaction lifecycle events.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "disttx"

// Metrics groups the collectors of one node.
type Metrics struct {
	created        prometheus.Counter
	outcomes       *prometheus.CounterVec
	prepareRetries prometheus.Counter
	resolves       *prometheus.CounterVec
	quorumFailures *prometheus.CounterVec
	cacheEntries   prometheus.Gauge
	ledgerEntries  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_created_total",
			Help:      "Transactions created by clients on this node.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_outcomes_total",
			Help:      "Transaction outcomes by role and result.",
		}, []string{"role", "outcome"}),
		prepareRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prepare_retries_total",
			Help:      "Whole-transaction prepare retries caused by preempted resources.",
		}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_resolves_total",
			Help:      "Participant reconciliation results.",
		}, []string{"result"}),
		quorumFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quorum_failures_total",
			Help:      "Coordinator invocations that failed to reach their quorum.",
		}, []string{"op"}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "coordinator_cache_entries",
			Help:      "Transactions held in the coordinator cache.",
		}),
		ledgerEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participant_ledger_entries",
			Help:      "Transactions tracked by the participant ledger.",
		}, []string{"state"}),
		gatherer: reg,
	}

	reg.MustRegister(m.created, m.outcomes, m.prepareRetries, m.resolves,
		m.quorumFailures, m.cacheEntries, m.ledgerEntries)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) TransactionCreated() {
	if m != nil {
		m.created.Inc()
	}
}

// Outcome records a commit or reject seen by role ("client", "coordinator", "participant").
func (m *Metrics) Outcome(role, outcome string) {
	if m != nil {
		m.outcomes.WithLabelValues(role, outcome).Inc()
	}
}

func (m *Metrics) PrepareRetry() {
	if m != nil {
		m.prepareRetries.Inc()
	}
}

func (m *Metrics) Resolve(result string) {
	if m != nil {
		m.resolves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) QuorumFailure(op string) {
	if m != nil {
		m.quorumFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) CacheEntries(n int) {
	if m != nil {
		m.cacheEntries.Set(float64(n))
	}
}

func (m *Metrics) LedgerEntries(running, finished int) {
	if m != nil {
		m.ledgerEntries.WithLabelValues("running").Set(float64(running))
		m.ledgerEntries.WithLabelValues("finished").Set(float64(finished))
	}
}
