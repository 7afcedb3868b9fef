// Package metrics exposes Prometheus counters for the OAuth flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so tests can build as many as they like.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	reg           *prometheus.Registry
	stateGen      *prometheus.CounterVec
	stateRejected *prometheus.CounterVec
	callbacks     *prometheus.CounterVec
	sessions      *prometheus.CounterVec
}

// New registers the obol counters plus Go runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		stateGen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obol",
			Name:      "oauth_state_generated_total",
			Help:      "OAuth state values issued, by strategy.",
		}, []string{"strategy"}),
		stateRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obol",
			Name:      "oauth_state_rejected_total",
			Help:      "OAuth state values rejected at the callback, by internal reason.",
		}, []string{"reason"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obol",
			Name:      "oauth_callback_total",
			Help:      "OAuth callbacks by provider and outcome (success or public error code).",
		}, []string{"provider", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "obol",
			Name:      "sessions_created_total",
			Help:      "Sessions issued, by method.",
		}, []string{"method"}),
	}
	r.reg.MustRegister(
		r.stateGen, r.stateRejected, r.callbacks, r.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) StateGenerated(strategy string) {
	if r == nil {
		return
	}
	r.stateGen.WithLabelValues(strategy).Inc()
}

func (r *Recorder) StateRejected(reason string) {
	if r == nil {
		return
	}
	r.stateRejected.WithLabelValues(reason).Inc()
}

// Callback records one finished callback; result is "success" or the redirect error code.
func (r *Recorder) Callback(provider, result string) {
	if r == nil {
		return
	}
	r.callbacks.WithLabelValues(provider, result).Inc()
}

// SessionCreated records a session issued by method ("email" or a provider id).
func (r *Recorder) SessionCreated(method string) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(method).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Registry is exposed for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}
