package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.OrdersSubmitted.Inc()
	prom.Metrics.OrdersRejected.Inc()
	prom.Metrics.OrdersExpired.Inc()
	prom.Metrics.OrdersFilled.Inc()
	prom.Metrics.OrdersCanceled.Inc()
	prom.Metrics.Divergences.Inc()

	assertCounter(t, prom.ordersSubmitted, 1)
	assertCounter(t, prom.ordersRejected, 1)
	assertCounter(t, prom.ordersExpired, 1)
	assertCounter(t, prom.ordersFilled, 1)
	assertCounter(t, prom.ordersCanceled, 1)
	assertCounter(t, prom.divergences, 1)
	assertCounter(t, prom.resyncs, 0)
}

func TestPrometheusLabeledCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.RiskRejections.With("MAX_POSITION").Inc()
	prom.Metrics.RiskRejections.With("MAX_POSITION").Inc()
	prom.Metrics.RiskRejections.With("COOLDOWN_ACTIVE").Inc()
	prom.Metrics.StrategyFaults.With("mm-eth").Inc()

	if got := testutil.ToFloat64(prom.riskRejections.WithLabelValues("MAX_POSITION")); got != 2 {
		t.Fatalf("expected 2 MAX_POSITION rejections, got %v", got)
	}
	if got := testutil.ToFloat64(prom.riskRejections.WithLabelValues("COOLDOWN_ACTIVE")); got != 1 {
		t.Fatalf("expected 1 COOLDOWN_ACTIVE rejection, got %v", got)
	}
	if got := testutil.ToFloat64(prom.strategyFaults.WithLabelValues("mm-eth")); got != 1 {
		t.Fatalf("expected 1 strategy fault, got %v", got)
	}
}

func TestPrometheusHandlerExposesGauges(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.Equity.Set(101.5)
	rec := httptest.NewRecorder()
	prom.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "hl_perp_desk_equity_usd 101.5") {
		t.Fatalf("expected equity gauge in output, got %s", body)
	}
}

func TestNoopIsSafe(t *testing.T) {
	m := OrNoop(nil)
	m.RiskRejections.With("x").Inc()
	m.Equity.Set(1)
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
