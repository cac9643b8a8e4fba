// Package metrics exposes the agent's Prometheus instrumentation. The
// portal serves it at /metrics so a site gateway can scrape field devices
// over the local network.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "florasys_heartbeats_total",
		Help: "Heartbeats successfully delivered to the control plane.",
	})
	HeartbeatFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "florasys_heartbeat_failures_total",
		Help: "Heartbeat cycles abandoned due to transport or protocol errors.",
	})
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "florasys_auth_failures_total",
		Help: "Control-plane calls that failed authentication after one retry.",
	})
	ActuationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "florasys_actuations_total",
		Help: "Channel state changes by originating source.",
	}, []string{"source"})
	ChannelOn = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "florasys_channel_on",
		Help: "Whether an actuation channel is currently energized.",
	}, []string{"channel"})
	LinkUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "florasys_link_up",
		Help: "Whether the station link to the upstream network is up.",
	})
	ConnectivityState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "florasys_connectivity_state",
		Help: "Connectivity state: 0 provisioning, 1 connecting, 2 connected, 3 degraded.",
	})
	UpdateChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "florasys_update_checks_total",
		Help: "Firmware update checks performed.",
	})
	UpdateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "florasys_update_failures_total",
		Help: "Firmware updates aborted before finalize.",
	})
	EventsSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "florasys_events_synced_total",
		Help: "Queued events delivered to the control plane.",
	})
	MonitorMode = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "florasys_monitor_mode",
		Help: "Classifier mode: 0 low, 1 high.",
	})
	LoopTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "florasys_loop_tick_seconds",
		Help:    "Duration of one agent loop iteration.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(
		HeartbeatsTotal,
		HeartbeatFailures,
		AuthFailures,
		ActuationsTotal,
		ChannelOn,
		LinkUp,
		ConnectivityState,
		UpdateChecks,
		UpdateFailures,
		EventsSynced,
		MonitorMode,
		LoopTickSeconds,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
