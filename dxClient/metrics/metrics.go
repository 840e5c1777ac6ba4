// Package metrics exposes Prometheus instruments for the directory node.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dxdirectory"

// Metrics groups the node's instruments on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	blocksProcessed  prometheus.Counter
	blockFailures    prometheus.Counter
	lastSyncedBlock  prometheus.Gauge
	chainHead        prometheus.Gauge
	skippedTxs       *prometheus.CounterVec
	reconciledCalls  *prometheus.CounterVec
	reconcileErrors  *prometheus.CounterVec
	sweptRows        *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	negotiations     *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// New creates a fresh set of instruments registered on their own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "blocks_processed_total",
			Help:      "Blocks whose transactions were fully reconciled",
		}),
		blockFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "block_failures_total",
			Help:      "Block processing attempts left incomplete by an error",
		}),
		lastSyncedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "last_synced_block",
			Help:      "Highest block of the durable checkpoint",
		}),
		chainHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "chain_head",
			Help:      "Latest block number reported by the ledger",
		}),
		skippedTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scanner",
			Name:      "skipped_transactions_total",
			Help:      "Directory transactions skipped, by reason",
		}, []string{"reason"}),
		reconciledCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "applied_total",
			Help:      "Confirmed calls applied to the projection, by function",
		}, []string{"function"}),
		reconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "errors_total",
			Help:      "Failed reconciliations, by function",
		}, []string{"function"}),
		sweptRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "rows_total",
			Help:      "Rows flipped by the lifecycle sweeper, by kind",
		}, []string{"kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "submissions_total",
			Help:      "Transactions forwarded to the ledger, by function",
		}, []string{"function"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiator",
			Name:      "outcomes_total",
			Help:      "Agreement negotiation outcomes",
		}, []string{"outcome"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Query server request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.blocksProcessed,
		m.blockFailures,
		m.lastSyncedBlock,
		m.chainHead,
		m.skippedTxs,
		m.reconciledCalls,
		m.reconcileErrors,
		m.sweptRows,
		m.submissions,
		m.negotiations,
		m.requestDurations,
	)
	return m
}

// Default returns the process-wide instruments used by the daemon.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) BlockProcessed() {
	if m != nil {
		m.blocksProcessed.Inc()
	}
}

func (m *Metrics) BlockFailed() {
	if m != nil {
		m.blockFailures.Inc()
	}
}

func (m *Metrics) SetLastSyncedBlock(n uint64) {
	if m != nil {
		m.lastSyncedBlock.Set(float64(n))
	}
}

func (m *Metrics) SetChainHead(n uint64) {
	if m != nil {
		m.chainHead.Set(float64(n))
	}
}

func (m *Metrics) TransactionSkipped(reason string) {
	if m != nil {
		m.skippedTxs.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) CallReconciled(function string) {
	if m != nil {
		m.reconciledCalls.WithLabelValues(function).Inc()
	}
}

func (m *Metrics) ReconcileFailed(function string) {
	if m != nil {
		m.reconcileErrors.WithLabelValues(function).Inc()
	}
}

func (m *Metrics) RowsSwept(kind string, n int64) {
	if m != nil && n > 0 {
		m.sweptRows.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) TransactionSubmitted(function string) {
	if m != nil {
		m.submissions.WithLabelValues(function).Inc()
	}
}

func (m *Metrics) NegotiationOutcome(outcome string) {
	if m != nil {
		m.negotiations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveRequest(route, code string, seconds float64) {
	if m != nil {
		m.requestDurations.WithLabelValues(route, code).Observe(seconds)
	}
}
