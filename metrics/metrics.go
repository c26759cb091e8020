// Package metrics exposes ledger and HTTP activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/escrow-engine/escrow"
)

// Recorder is an escrow.Observer that counts committed ledger activity.
type Recorder struct {
	registry *prometheus.Registry

	transactions    *prometheus.CounterVec
	volume          *prometheus.CounterVec
	stateChanges    *prometheus.CounterVec
	failures        *prometheus.CounterVec
	reconcileRuns   *prometheus.CounterVec
	discrepancies   prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

// NewRecorder registers every collector on a fresh registry, alongside the
// Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transactions_total",
				Help: "Committed ledger transactions by type",
			},
			[]string{"type"},
		),
		volume: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_transaction_amount_total",
				Help: "Sum of committed transaction amounts by type",
			},
			[]string{"type"},
		),
		stateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_wallet_state_changes_total",
				Help: "Wallet state transitions by target state",
			},
			[]string{"to"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_operation_failures_total",
				Help: "Rejected or failed ledger operations by error code",
			},
			[]string{"operation", "code"},
		),
		reconcileRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_reconciliation_runs_total",
				Help: "Reconciliation runs by outcome",
			},
			[]string{"result"},
		),
		discrepancies: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "escrow_reconciliation_discrepancies",
				Help: "Wallets whose stored balance disagreed with the log at the last reconciliation",
			},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"method", "route", "status"},
		),
	}
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) TransactionCommitted(_ context.Context, tx escrow.Transaction) {
	r.transactions.WithLabelValues(string(tx.Type)).Inc()
	r.volume.WithLabelValues(string(tx.Type)).Add(tx.Amount.InexactFloat64())
}

func (r *Recorder) WalletStateChanged(_ context.Context, _ escrow.UserID, _, to escrow.WalletState) {
	r.stateChanges.WithLabelValues(string(to)).Inc()
}

func (r *Recorder) OperationFailed(_ context.Context, op string, err error) {
	r.failures.WithLabelValues(op, escrow.ErrorCode(err)).Inc()
}

// ObserveReconciliation records the outcome of one reconciliation run.
// A nil report means the run itself failed.
func (r *Recorder) ObserveReconciliation(report *escrow.ReconciliationReport, err error) {
	switch {
	case err != nil || report == nil:
		r.reconcileRuns.WithLabelValues("error").Inc()
	case report.Healthy():
		r.reconcileRuns.WithLabelValues("healthy").Inc()
		r.discrepancies.Set(0)
	default:
		r.reconcileRuns.WithLabelValues("unhealthy").Inc()
		r.discrepancies.Set(float64(len(report.Discrepancies)))
	}
}

// ObserveRequest records one HTTP request. route is the chi route pattern,
// not the raw path, to keep label cardinality bounded.
func (r *Recorder) ObserveRequest(method, route string, status int, d time.Duration) {
	r.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
