// Package metrics exposes the paper-trading orchestrator's operational
// counters and gauges in Prometheus text format:
//
//   - lab_bars_received_total{ticker}        – live bars ingested
//   - lab_bars_dropped_total{agent}          – bars dropped by slow agents
//   - lab_signals_total{agent,direction}     – scanner signals accepted
//   - lab_orders_total{agent,status}         – orders by terminal status
//   - lab_exit_reasons_total{agent,reason}   – position exits by reason
//   - lab_worker_restarts_total{agent}       – scanner worker respawns
//   - lab_account_equity{agent}              – current account equity
//   - lab_open_positions{agent}              – open position count
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the lab's collectors on a private registry, so tests
// can create as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	BarsReceived   *prometheus.CounterVec
	BarsDropped    *prometheus.CounterVec
	Signals        *prometheus.CounterVec
	Orders         *prometheus.CounterVec
	ExitReasons    *prometheus.CounterVec
	WorkerRestarts *prometheus.CounterVec
	Equity         *prometheus.GaugeVec
	OpenPositions  *prometheus.GaugeVec
}

// New creates and registers the lab collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BarsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "lab_bars_received_total", Help: "Live bars ingested"},
			[]string{"ticker"},
		),
		BarsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "lab_bars_dropped_total", Help: "Bars dropped because an agent's buffer was full"},
			[]string{"agent"},
		),
		Signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "lab_signals_total", Help: "Scanner signals accepted"},
			[]string{"agent", "direction"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "lab_orders_total", Help: "Orders by terminal status"},
			[]string{"agent", "status"},
		),
		ExitReasons: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "lab_exit_reasons_total", Help: "Position exits by reason"},
			[]string{"agent", "reason"},
		),
		WorkerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "lab_worker_restarts_total", Help: "Scanner worker respawns"},
			[]string{"agent"},
		),
		Equity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "lab_account_equity", Help: "Paper account equity"},
			[]string{"agent"},
		),
		OpenPositions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "lab_open_positions", Help: "Open paper positions"},
			[]string{"agent"},
		),
	}
	m.registry.MustRegister(
		m.BarsReceived, m.BarsDropped, m.Signals, m.Orders,
		m.ExitReasons, m.WorkerRestarts, m.Equity, m.OpenPositions,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
