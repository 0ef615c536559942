package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_perp_desk"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type promVec struct {
	vec *prometheus.CounterVec
}

func (p promVec) With(label string) Counter {
	return promCounter{p.vec.WithLabelValues(label)}
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersSubmitted prometheus.Counter
	ordersRejected  prometheus.Counter
	ordersExpired   prometheus.Counter
	ordersFilled    prometheus.Counter
	ordersCanceled  prometheus.Counter
	gatewayRetries  prometheus.Counter
	divergences     prometheus.Counter
	resyncs         prometheus.Counter
	riskRejections  *prometheus.CounterVec
	strategyFaults  *prometheus.CounterVec
	staleMarkets    *prometheus.CounterVec
	equity          prometheus.Gauge
	drawdown        prometheus.Gauge
	openOrders      prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: promNamespace, Name: name, Help: help})
}

func newVec(name, help, label string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: promNamespace, Name: name, Help: help}, []string{label})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		ordersSubmitted: newCounter("orders_submitted_total", "Total number of orders dispatched to the exchange."),
		ordersRejected:  newCounter("orders_rejected_total", "Total number of orders rejected by the exchange."),
		ordersExpired:   newCounter("orders_expired_total", "Total number of orders expired without acknowledgement."),
		ordersFilled:    newCounter("orders_filled_total", "Total number of orders fully filled."),
		ordersCanceled:  newCounter("orders_canceled_total", "Total number of orders canceled."),
		gatewayRetries:  newCounter("gateway_retries_total", "Total number of retried gateway calls."),
		divergences:     newCounter("reconciliation_divergences_total", "Total number of local/exchange state divergences."),
		resyncs:         newCounter("book_resyncs_total", "Total number of order book resynchronizations."),
		riskRejections:  newVec("risk_rejections_total", "Total number of intents rejected by the risk engine.", "reason"),
		strategyFaults:  newVec("strategy_faults_total", "Total number of strategy decision faults.", "strategy"),
		staleMarkets:    newVec("stale_markets_total", "Total number of times a market went stale.", "market"),
		equity:          newGauge("equity_usd", "Current account equity."),
		drawdown:        newGauge("drawdown_ratio", "Current drawdown from peak equity."),
		openOrders:      newGauge("open_orders", "Number of non-terminal orders."),
	}
	p.registry.MustRegister(
		p.ordersSubmitted, p.ordersRejected, p.ordersExpired, p.ordersFilled, p.ordersCanceled,
		p.gatewayRetries, p.divergences, p.resyncs,
		p.riskRejections, p.strategyFaults, p.staleMarkets,
		p.equity, p.drawdown, p.openOrders,
	)
	p.Metrics = &Metrics{
		OrdersSubmitted: promCounter{p.ordersSubmitted},
		OrdersRejected:  promCounter{p.ordersRejected},
		OrdersExpired:   promCounter{p.ordersExpired},
		OrdersFilled:    promCounter{p.ordersFilled},
		OrdersCanceled:  promCounter{p.ordersCanceled},
		GatewayRetries:  promCounter{p.gatewayRetries},
		Divergences:     promCounter{p.divergences},
		Resyncs:         promCounter{p.resyncs},
		RiskRejections:  promVec{p.riskRejections},
		StrategyFaults:  promVec{p.strategyFaults},
		StaleMarkets:    promVec{p.staleMarkets},
		Equity:          promGauge{p.equity},
		Drawdown:        promGauge{p.drawdown},
		OpenOrders:      promGauge{p.openOrders},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
