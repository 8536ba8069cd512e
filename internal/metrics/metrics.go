// Package metrics holds the Prometheus collectors updated during a tick.
//
// Exposed series:
//   - tierbot_ticks_total{asset,outcome}     processed asset ticks (ok|error|panic)
//   - tierbot_transitions_total{from,to}     trade lifecycle phase changes
//   - tierbot_orders_total{side,result}      placement attempts (placed|rejected|error)
//   - tierbot_errors_total{kind}             classified failures
//   - tierbot_signals_total{result}          signal evaluations (acquire|hold|invalid)
//   - tierbot_asset_phase{asset,phase}       current phase per asset, 1 for the active one
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var phases = []string{"idle", "pending_buy", "position_open"}

// Metrics groups the collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	ticks       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	orders      *prometheus.CounterVec
	errors      *prometheus.CounterVec
	signals     *prometheus.CounterVec
	phase       *prometheus.GaugeVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierbot_ticks_total",
				Help: "Asset ticks processed",
			},
			[]string{"asset", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierbot_transitions_total",
				Help: "Trade lifecycle phase transitions",
			},
			[]string{"from", "to"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierbot_orders_total",
				Help: "Limit order placement attempts",
			},
			[]string{"side", "result"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierbot_errors_total",
				Help: "Failures by kind",
			},
			[]string{"kind"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierbot_signals_total",
				Help: "Signal evaluations by result",
			},
			[]string{"result"},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tierbot_asset_phase",
				Help: "Current trade phase per asset (1 for the active phase).",
			},
			[]string{"asset", "phase"},
		),
	}

	m.registry.MustRegister(
		m.ticks, m.transitions, m.orders, m.errors, m.signals, m.phase,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing these collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Tick counts one processed asset tick.
func (m *Metrics) Tick(asset, outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(asset, outcome).Inc()
}

// Transition counts a phase change and updates the phase gauge.
func (m *Metrics) Transition(asset, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
	m.SetPhase(asset, to)
}

// SetPhase marks the asset's current phase.
func (m *Metrics) SetPhase(asset, phase string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.phase.WithLabelValues(asset, p).Set(v)
	}
}

// Order counts a placement attempt.
func (m *Metrics) Order(side, result string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(side, result).Inc()
}

// Error counts a classified failure.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// Signal counts a signal evaluation.
func (m *Metrics) Signal(result string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(result).Inc()
}
