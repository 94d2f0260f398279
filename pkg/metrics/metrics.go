package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Connections is the number of open duplex connections
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "liveclass_connections", Help: "Open WebSocket connections"},
	)
	// Registrations counts register handshakes by outcome
	Registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "liveclass_registrations_total", Help: "Register handshakes"},
		[]string{"result"},
	)
	// Releases counts connection releases by reason
	Releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "liveclass_releases_total", Help: "Device releases"},
		[]string{"reason"},
	)
	// Broadcasts counts announced events by type
	Broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "liveclass_broadcast_events_total", Help: "Announced session events"},
		[]string{"type"},
	)
	// BroadcastLatency measures announce to hand-off to every recipient
	BroadcastLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "liveclass_broadcast_latency_seconds",
			Help:    "Time from announce to delivery into recipient buffers",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)
	// Commands counts control dispatches by action and delivery status
	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "liveclass_control_commands_total", Help: "Control commands dispatched"},
		[]string{"action", "status"},
	)
	// HeartbeatTimeouts counts devices expired by the sweep
	HeartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "liveclass_heartbeat_timeouts_total", Help: "Devices expired by the heartbeat sweep"},
	)
	// SessionTransitions counts lifecycle transitions by target status
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "liveclass_session_transitions_total", Help: "Session lifecycle transitions"},
		[]string{"status"},
	)
	// ScreenShares counts share starts and stops
	ScreenShares = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "liveclass_screen_share_events_total", Help: "Screen share starts and stops"},
		[]string{"type"},
	)
	// AnalyticsDropped counts analytics events dropped on a full buffer
	AnalyticsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "liveclass_analytics_dropped_total", Help: "Analytics events dropped"},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default registry once
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Connections,
			Registrations,
			Releases,
			Broadcasts,
			BroadcastLatency,
			Commands,
			HeartbeatTimeouts,
			SessionTransitions,
			ScreenShares,
			AnalyticsDropped,
		)
	})
}
