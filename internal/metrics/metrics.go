// Package metrics provides Prometheus instrumentation for TFClaw.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay metrics.
var (
	SocketsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tfclaw_relay_sockets_active",
		Help: "Number of open WebSocket connections by role.",
	}, []string{"role"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfclaw_relay_sessions_active",
		Help: "Number of live per-token sessions.",
	})

	FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfclaw_relay_frames_routed_total",
		Help: "Total frames routed through the relay by message type.",
	}, []string{"type"})

	UpgradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfclaw_relay_upgrades_rejected_total",
		Help: "Rejected WebSocket upgrade attempts by reason.",
	}, []string{"reason"})

	AgentsReplaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfclaw_relay_agents_replaced_total",
		Help: "Agent sockets evicted by a newer agent connection.",
	})
)

// Agent metrics.
var (
	TerminalsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfclaw_agent_terminals_active",
		Help: "Number of active logical terminals.",
	})

	CaptureSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfclaw_agent_capture_sweeps_total",
		Help: "Completed capture poll sweeps.",
	})

	DeltasEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfclaw_agent_deltas_emitted_total",
		Help: "Terminal output deltas published to the relay.",
	})
)

// Gateway metrics.
var (
	CommandsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfclaw_gateway_commands_in_flight",
		Help: "Commands awaiting a terminal result.",
	})

	ProgressUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfclaw_gateway_progress_updates_total",
		Help: "Streaming progress updates delivered to chats.",
	})
)
