package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// CounterVec is a counter partitioned by a single label value.
type CounterVec interface {
	With(label string) Counter
}

type Metrics struct {
	OrdersSubmitted Counter
	OrdersRejected  Counter
	OrdersExpired   Counter
	OrdersFilled    Counter
	OrdersCanceled  Counter
	GatewayRetries  Counter
	Divergences     Counter
	Resyncs         Counter
	RiskRejections  CounterVec
	StrategyFaults  CounterVec
	StaleMarkets    CounterVec
	Equity          Gauge
	Drawdown        Gauge
	OpenOrders      Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopVec struct{}

func (noopVec) With(string) Counter { return noopCounter{} }

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	v := noopVec{}
	return &Metrics{
		OrdersSubmitted: c,
		OrdersRejected:  c,
		OrdersExpired:   c,
		OrdersFilled:    c,
		OrdersCanceled:  c,
		GatewayRetries:  c,
		Divergences:     c,
		Resyncs:         c,
		RiskRejections:  v,
		StrategyFaults:  v,
		StaleMarkets:    v,
		Equity:          g,
		Drawdown:        g,
		OpenOrders:      g,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
