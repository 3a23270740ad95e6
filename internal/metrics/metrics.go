// Package metrics exposes the core's Prometheus collectors: package-level
// collectors registered once, incremented from the request path.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AttemptsTotal counts every Attempt Executor outcome by class.
	AttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_attempts_total",
		Help: "Total attempt outcomes by class.",
	}, []string{"outcome_class"})

	// AdmissionRejectionsTotal counts capacity rejections at the admission
	// controller, by the slot that was exhausted.
	AdmissionRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_admission_rejections_total",
		Help: "Total admission rejections by limiting resource.",
	}, []string{"reason"})

	// CircuitState gauges the current circuit-breaker state (0=closed,
	// 1=half_open, 2=open) per upstream key.
	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_upstream_key_circuit_state",
		Help: "Current circuit state per upstream key (0 closed, 1 half_open, 2 open).",
	}, []string{"key_id"})

	// CostUSDTotal sums actual billed cost, partitioned by provider.
	CostUSDTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cost_usd_total",
		Help: "Total actual cost billed, in USD.",
	}, []string{"provider"})
)

// Registry is the collector set cmd/gateway registers against the default
// Prometheus registerer at boot.
var Registry = []prometheus.Collector{AttemptsTotal, AdmissionRejectionsTotal, CircuitState, CostUSDTotal}

// MustRegister wires Registry into prometheus.DefaultRegisterer, called
// once from cmd/gateway/main.go.
func MustRegister() {
	prometheus.MustRegister(Registry...)
}
