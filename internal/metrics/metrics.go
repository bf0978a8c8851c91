// Package metrics exposes Prometheus counters for the monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the monitor's collectors
type Metrics struct {
	Cycles              prometheus.Counter
	CycleFailures       prometheus.Counter
	ContainersInspected prometheus.Counter
	RestartLookupErrors prometheus.Counter
	Rollbacks           *prometheus.CounterVec
	StepFailures        *prometheus.CounterVec
	registry            *prometheus.Registry
}

// New creates the collectors on a dedicated registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollbackd_cycles_total",
			Help: "Monitor cycles run",
		}),
		CycleFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollbackd_cycle_failures_total",
			Help: "Monitor cycles that could not list containers",
		}),
		ContainersInspected: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollbackd_containers_inspected_total",
			Help: "Containers whose restart count was checked",
		}),
		RestartLookupErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollbackd_restart_lookup_errors_total",
			Help: "Restart count lookups that failed and were treated as healthy",
		}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollbackd_rollbacks_total",
			Help: "Rollback decisions by outcome",
		}, []string{"outcome"}),
		StepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rollbackd_rollback_step_failures_total",
			Help: "Failed rollback steps by state",
		}, []string{"state"}),
		registry: reg,
	}
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
