// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PortsAttached tracks tab channels currently registered with the broker.
	PortsAttached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_ports_attached",
			Help: "Tab channels currently attached to the broker",
		},
	)

	PortsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ports_pruned_total",
			Help: "Tab channels removed after a failed delivery",
		},
	)

	// EventsRelayed counts upstream events fanned out, by event type.
	EventsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_relayed_total",
			Help: "Upstream events broadcast to attached tabs by type",
		},
		[]string{"type"},
	)

	UpstreamFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_upstream_failures_total",
			Help: "Upstream stream failures that scheduled a reconnect",
		},
	)

	// UpstreamOpen is 1 while the upstream stream is open.
	UpstreamOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_upstream_open",
			Help: "Whether the upstream event stream is open (0 or 1)",
		},
	)

	ReconnectDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_reconnect_delay_seconds",
			Help:    "Backoff delay chosen before each upstream reconnect",
			Buckets: []float64{1, 2, 4, 8, 10, 30},
		},
	)

	BrokerSpawns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broker_spawns_total",
			Help: "Brokers started, including respawns after idle termination",
		},
	)

	// BrokerTerminations counts broker shutdowns by reason (idle, stopped).
	BrokerTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_terminations_total",
			Help: "Broker terminations by reason",
		},
		[]string{"reason"},
	)

	// AttachRejected counts tab connections refused before reaching the
	// broker, by reason (rate_limited, terminated).
	AttachRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_attach_rejected_total",
			Help: "Tab connections refused by reason",
		},
		[]string{"reason"},
	)
)
