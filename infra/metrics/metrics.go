// Package metrics exposes engine and storage counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	orders       *prometheus.CounterVec
	trades       *prometheus.CounterVec
	liquidations *prometheus.CounterVec
	funding      *prometheus.CounterVec
	tierFailures *prometheus.CounterVec
	tierUp       *prometheus.GaugeVec
	warmQueue    prometheus.Gauge
	outbox       prometheus.Gauge
	jobDuration  *prometheus.HistogramVec
	jobSkipped   *prometheus.CounterVec
}

// New registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "orders_total",
			Help:      "Order submissions by pair, type and outcome.",
		}, []string{"pair", "type", "result"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "trades_total",
			Help:      "Executed trades by pair.",
		}, []string{"pair"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "liquidations_total",
			Help:      "Liquidation outcomes by market.",
		}, []string{"market", "result"}),
		funding: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "funding_settlements_total",
			Help:      "Funding settlements by market.",
		}, []string{"market"}),
		tierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Subsystem: "storage",
			Name:      "tier_failures_total",
			Help:      "Failed storage tier operations.",
		}, []string{"tier", "op"}),
		tierUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "perpcore",
			Subsystem: "storage",
			Name:      "tier_up",
			Help:      "1 when the tier breaker is closed, 0.5 half-open, 0 open.",
		}, []string{"tier"}),
		warmQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpcore",
			Subsystem: "storage",
			Name:      "warm_pending",
			Help:      "Records written hot but not yet acknowledged by the warm tier.",
		}),
		outbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "perpcore",
			Name:      "outbox_pending",
			Help:      "Events waiting to be broadcast.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "perpcore",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job run time.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"job"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perpcore",
			Name:      "job_skipped_total",
			Help:      "Ticks skipped because the previous run was still in progress.",
		}, []string{"job"}),
	}
	reg.MustRegister(
		m.orders, m.trades, m.liquidations, m.funding,
		m.tierFailures, m.tierUp, m.warmQueue, m.outbox,
		m.jobDuration, m.jobSkipped,
	)
	return m
}

func (m *Metrics) Order(pair, typ, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(pair, typ, result).Inc()
}

func (m *Metrics) Trades(pair string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.trades.WithLabelValues(pair).Add(float64(n))
}

func (m *Metrics) Liquidation(market, result string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(market, result).Inc()
}

func (m *Metrics) Funding(market string) {
	if m == nil {
		return
	}
	m.funding.WithLabelValues(market).Inc()
}

func (m *Metrics) TierFailure(tier, op string) {
	if m == nil {
		return
	}
	m.tierFailures.WithLabelValues(tier, op).Inc()
}

func (m *Metrics) TierUp(tier string, v float64) {
	if m == nil {
		return
	}
	m.tierUp.WithLabelValues(tier).Set(v)
}

func (m *Metrics) WarmPending(n int) {
	if m == nil {
		return
	}
	m.warmQueue.Set(float64(n))
}

func (m *Metrics) OutboxPending(n int) {
	if m == nil {
		return
	}
	m.outbox.Set(float64(n))
}

func (m *Metrics) JobRun(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) JobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job).Inc()
}
