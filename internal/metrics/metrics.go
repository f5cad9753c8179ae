// ABOUTME: Prometheus metrics recorder for gateway routing activity.
// ABOUTME: Registered on a caller-supplied registry so tests stay isolated.

// Package metrics provides Prometheus-based metrics recording for the
// gateway's routing core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the gateway's metric instruments.
type Recorder struct {
	registry *prometheus.Registry

	FramesRouted     *prometheus.CounterVec
	EventsDispatched prometheus.Counter
	RPCTimeouts      prometheus.Counter
	Placements       prometheus.Counter
	ConnectedWorkers prometheus.Gauge
}

// NewRecorder creates a recorder backed by a private registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		FramesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_frames_routed_total",
				Help: "Total frames routed by the gateway, by frame kind",
			},
			[]string{"kind"},
		),
		EventsDispatched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_events_dispatched_total",
				Help: "Total event deliveries fanned out to worker connections",
			},
		),
		RPCTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_rpc_timeouts_total",
				Help: "Total RPC invocations that exceeded the request timeout",
			},
		),
		Placements: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_agent_placements_total",
				Help: "Total new agent instance placements",
			},
		),
		ConnectedWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_connected_workers",
				Help: "Number of currently connected worker processes",
			},
		),
	}
}

// Handler returns an HTTP handler serving the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
