// Package metrics counts what a run produced and writes it in the Prometheus
// text exposition format next to the run's other artifacts.
//
// Exposed metrics:
//   - fillsim_outcomes_total{kind}              terminal outcomes by kind
//   - fillsim_intent_failures_total             intents failed by a mid-run invariant
//   - fillsim_contract_violations_total{kind}   intent contract breaches
//   - fillsim_symbols                           symbols simulated
//   - fillsim_run_status{status}                1 for the run's terminal status
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"fillsim/internal/domain"
)

// Recorder holds one run's metrics in its own registry so runs never share
// counters.
type Recorder struct {
	registry *prometheus.Registry

	outcomes   *prometheus.CounterVec
	failures   prometheus.Counter
	violations *prometheus.CounterVec
	symbols    prometheus.Gauge
	status     *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with every metric registered. Outcome kinds
// start at zero so a run's file always lists all of them.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fillsim_outcomes_total",
				Help: "Terminal intent outcomes by kind.",
			},
			[]string{"kind"},
		),
		failures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fillsim_intent_failures_total",
				Help: "Intents failed by a mid-run invariant violation.",
			},
		),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fillsim_contract_violations_total",
				Help: "Intent contract violations by kind.",
			},
			[]string{"kind"},
		),
		symbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fillsim_symbols",
				Help: "Symbols simulated in the run.",
			},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fillsim_run_status",
				Help: "Terminal run status (1 for the status reached).",
			},
			[]string{"status"},
		),
	}
	r.registry.MustRegister(r.outcomes, r.failures, r.violations, r.symbols, r.status)
	for _, k := range domain.OutcomeKinds() {
		r.outcomes.WithLabelValues(string(k))
	}
	return r
}

// Outcome counts one terminal outcome.
func (r *Recorder) Outcome(kind domain.OutcomeKind) {
	r.outcomes.WithLabelValues(string(kind)).Inc()
}

// Failures counts intents failed mid-run.
func (r *Recorder) Failures(n int) {
	r.failures.Add(float64(n))
}

// Violation counts one contract violation.
func (r *Recorder) Violation(kind string) {
	r.violations.WithLabelValues(kind).Inc()
}

// Symbols sets the number of simulated symbols.
func (r *Recorder) Symbols(n int) {
	r.symbols.Set(float64(n))
}

// Status marks the run's terminal status.
func (r *Recorder) Status(code string) {
	r.status.WithLabelValues(code).Set(1)
}

// Registry exposes the underlying registry, e.g. for tests or an HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteFile writes every metric to path in the text exposition format.
func (r *Recorder) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
