package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `studioledger_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `studioledger_http_request_duration_seconds_bucket{route="/test"`)
}

func TestLedgerMetricsExposed(t *testing.T) {
	metrics := NewMetrics()
	ledger := metrics.Ledger()
	ledger.DocumentTransition("INVOICE", "SENT")
	ledger.PaymentRecorded(false)
	ledger.PaymentRecorded(true)
	ledger.TxRetry("sequence.allocate")
	ledger.PeriodTransition("CLOSED")

	body := scrape(t, metrics)
	require.Contains(t, body, `studioledger_document_transitions_total{kind="INVOICE",status="SENT"} 1`)
	require.Contains(t, body, `studioledger_payments_total{outcome="replayed"} 1`)
	require.Contains(t, body, `studioledger_tx_retries_total{operation="sequence.allocate"} 1`)
	require.Contains(t, body, `studioledger_period_transitions_total{status="CLOSED"} 1`)
}

func TestNilLedgerMetricsAreNoops(t *testing.T) {
	var ledger *LedgerMetrics
	require.NotPanics(t, func() {
		ledger.DocumentTransition("BILL", "PAID")
		ledger.PaymentRecorded(true)
		ledger.TxRetry("payments.record")
		ledger.PeriodTransition("OPEN")
	})
}
