// Package metrics holds the orchestrator's Prometheus collectors. Collectors
// are registered with the default registry at package init so any component
// can update them without plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completed backend acquisitions by outcome
	// (ok, error, cancelled).
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_requests_total",
		Help: "Completed backend acquisition requests by outcome.",
	}, []string{"outcome"})

	// OpenRequests tracks the number of requests currently waiting for a
	// backend.
	OpenRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_open_requests",
		Help: "Requests currently waiting for a backend.",
	})

	// LoadsTotal counts model load attempts by outcome (ok, error).
	LoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_model_loads_total",
		Help: "Model load attempts by outcome.",
	}, []string{"outcome"})

	// InitsTotal counts backend initialization attempts by outcome
	// (ok, retry, error).
	InitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_backend_inits_total",
		Help: "Backend initialization attempts by outcome.",
	}, []string{"outcome"})

	// Backends reports the number of registered backends per status.
	Backends = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_backends",
		Help: "Registered backends by status.",
	}, []string{"status"})

	// GenerationsTotal counts streaming generations by outcome
	// (ok, error, redirected).
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_generations_total",
		Help: "Streaming generations by outcome.",
	}, []string{"outcome"})
)
