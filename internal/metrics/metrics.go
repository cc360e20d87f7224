// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ControlRequestsTotal counts decoded mode-6 requests by opcode name
	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_control_requests_total",
			Help: "Total number of mode-6 requests dispatched",
		},
		[]string{"opcode"},
	)

	// ControlDropsTotal counts silently dropped mode-6 datagrams by reason
	ControlDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_control_drops_total",
			Help: "Total number of mode-6 datagrams dropped without reply",
		},
		[]string{"reason"},
	)

	// ControlErrorsTotal counts error responses by error code name
	ControlErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_control_errors_total",
			Help: "Total number of mode-6 error responses",
		},
		[]string{"code"},
	)

	// ControlFragmentsTotal counts response fragments handed to the transport
	ControlFragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_control_fragments_total",
			Help: "Total number of mode-6 response fragments sent",
		},
		[]string{"kind"}, // response | trap
	)

	// ControlAuthTotal counts MAC verification outcomes
	ControlAuthTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_control_auth_total",
			Help: "Total number of authenticated mode-6 requests by outcome",
		},
		[]string{"result"},
	)

	// ControlResponseBytes tracks the payload size of complete responses
	ControlResponseBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ntpctl_control_response_bytes",
			Help:    "Payload octets per mode-6 response",
			Buckets: prometheus.ExponentialBuckets(16, 2, 10), // 16 .. 8192
		},
	)

	// TrapsActive tracks the number of in-use trap slots
	TrapsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ntpctl_traps_active",
			Help: "Number of trap receivers currently registered",
		},
	)

	// EventsReportedTotal counts reported events by source kind
	EventsReportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_events_reported_total",
			Help: "Total number of system and peer events reported",
		},
		[]string{"kind"}, // sys | peer
	)

	// EventSinkErrorsTotal counts protostats delivery failures per sink
	EventSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_event_sink_errors_total",
			Help: "Total number of protostats lines a sink failed to deliver",
		},
		[]string{"sink"},
	)

	// ServerPacketsTotal counts received datagrams by NTP mode and disposition
	ServerPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ntpctl_server_packets_total",
			Help: "Total number of datagrams received",
		},
		[]string{"mode", "result"},
	)

	// MonitorEntries tracks the MRU list depth
	MonitorEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ntpctl_monitor_entries",
			Help: "Number of entries in the MRU list",
		},
	)

	// PeerPollSeconds measures association poll round trips
	PeerPollSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ntpctl_peer_poll_seconds",
			Help:    "Duration of association polls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"result"},
	)

	// PeersReachable tracks associations with a nonzero reach register
	PeersReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ntpctl_peers_reachable",
			Help: "Number of reachable associations",
		},
	)
)
