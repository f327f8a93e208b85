package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "trondeal"

// Metrics holds the service collectors. One instance is created at startup
// and its registry is served by the admin API.
type Metrics struct {
	Registry *prometheus.Registry

	MonitorSweeps    *prometheus.CounterVec
	DepositsDetected prometheus.Counter
	PayoutRuns       *prometheus.CounterVec
	PayoutNetTRX     prometheus.Histogram
	BreakerState     *prometheus.GaugeVec
	AlertsRaised     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		MonitorSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sweeps_total",
			Help:      "Completed monitor sweeps by monitor name.",
		}, []string{"monitor"}),
		DepositsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "deposits_detected_total",
			Help:      "Deals whose deposit reached the acceptable threshold.",
		}),
		PayoutRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "runs_total",
			Help:      "Payout pipeline runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PayoutNetTRX: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "net_trx",
			Help:      "Net TRX spent per completed payout.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 60, 100},
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Operator alerts raised by severity.",
		}, []string{"severity"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MonitorSweeps,
		m.DepositsDetected,
		m.PayoutRuns,
		m.PayoutNetTRX,
		m.BreakerState,
		m.AlertsRaised,
	)
	return m
}

// ObserveBreaker maps a breaker state name onto the gauge encoding.
func (m *Metrics) ObserveBreaker(service, state string) {
	var v float64
	switch state {
	case "OPEN":
		v = 1
	case "HALF_OPEN":
		v = 2
	}
	m.BreakerState.WithLabelValues(service).Set(v)
}
