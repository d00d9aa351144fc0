// Copyright 2025 Certen Protocol

// Package svcmetrics is the shared prometheus registry for both the
// validator and relayer binaries: messages processed by outcome, checkpoint
// index per origin, operation queue depth per destination, and an error
// counter vectored by kind.
package svcmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the counters and gauges every component shares.
type Registry struct {
	reg *prometheus.Registry

	errorsByKind      *prometheus.CounterVec
	messagesByOutcome *prometheus.CounterVec
	checkpointIndex   *prometheus.GaugeVec
	queueDepth        *prometheus.GaugeVec
}

// New builds a fresh registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Errors observed, vectored by taxonomy kind.",
		}, []string{"kind"}),
		messagesByOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Messages processed, vectored by destination and outcome.",
		}, []string{"destination", "outcome"}),
		checkpointIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_checkpoint_index",
			Help: "Latest checkpoint index written, per origin.",
		}, []string{"origin"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_op_queue_depth",
			Help: "Pending operation queue depth, per destination.",
		}, []string{"destination"}),
	}

	reg.MustRegister(r.errorsByKind, r.messagesByOutcome, r.checkpointIndex, r.queueDepth)
	return r
}

// IncErrorKind satisfies errs.Counter.
func (r *Registry) IncErrorKind(kind string) {
	r.errorsByKind.WithLabelValues(kind).Inc()
}

// ObserveMessage records a processed message's terminal outcome.
func (r *Registry) ObserveMessage(destination, outcome string) {
	r.messagesByOutcome.WithLabelValues(destination, outcome).Inc()
}

// SetCheckpointIndex records the latest index written for an origin.
func (r *Registry) SetCheckpointIndex(origin string, index uint32) {
	r.checkpointIndex.WithLabelValues(origin).Set(float64(index))
}

// SetQueueDepth records the current pending-operation count for a destination.
func (r *Registry) SetQueueDepth(destination string, depth int) {
	r.queueDepth.WithLabelValues(destination).Set(float64(depth))
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
