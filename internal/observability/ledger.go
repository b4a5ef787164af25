package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics counts ledger state changes. All methods are safe on a nil
// receiver so services can run without instrumentation.
type LedgerMetrics struct {
	transitions *prometheus.CounterVec
	payments    *prometheus.CounterVec
	txRetries   *prometheus.CounterVec
	periods     *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_document_transitions_total",
		Help: "Ledger document status transitions by kind and target status.",
	}, []string{"kind", "status"})
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_payments_total",
		Help: "Payment requests by outcome (recorded or replayed).",
	}, []string{"outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_tx_retries_total",
		Help: "Transactions re-run after a serialization conflict.",
	}, []string{"operation"})
	periods := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_period_transitions_total",
		Help: "Accounting period closes and reopens.",
	}, []string{"status"})
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(transitions, payments, retries, periods)
	return &LedgerMetrics{transitions: transitions, payments: payments, txRetries: retries, periods: periods}
}

// DocumentTransition increments the transition counter.
func (m *LedgerMetrics) DocumentTransition(kind, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, status).Inc()
}

// PaymentRecorded counts a payment request; replayed marks idempotent hits.
func (m *LedgerMetrics) PaymentRecorded(replayed bool) {
	if m == nil {
		return
	}
	outcome := "recorded"
	if replayed {
		outcome = "replayed"
	}
	m.payments.WithLabelValues(outcome).Inc()
}

// TxRetry counts a retried transaction for the named operation.
func (m *LedgerMetrics) TxRetry(operation string) {
	if m == nil {
		return
	}
	m.txRetries.WithLabelValues(operation).Inc()
}

// PeriodTransition counts a period reaching status.
func (m *LedgerMetrics) PeriodTransition(status string) {
	if m == nil {
		return
	}
	m.periods.WithLabelValues(status).Inc()
}
