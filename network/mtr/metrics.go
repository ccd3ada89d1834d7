package mtr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MessagesTotal counts gossip RPCs by type and direction
var MessagesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gossipmesh_messages_total",
		Help: "Total number of gossip RPCs processed",
	},
	[]string{"type", "direction"},
)

// DuplicatesTotal counts messages dropped by the seen-cache
var DuplicatesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gossipmesh_duplicates_total",
		Help: "Total number of duplicate messages dropped",
	},
)

// InvalidSignaturesTotal counts messages dropped for bad signatures
var InvalidSignaturesTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gossipmesh_invalid_signatures_total",
		Help: "Total number of messages dropped for invalid signatures",
	},
)

// DeliveredTotal counts messages surfaced to the application
var DeliveredTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gossipmesh_delivered_total",
		Help: "Total number of messages delivered to the application",
	},
)

// SendDropsTotal counts messages dropped on full outbound queues
var SendDropsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gossipmesh_send_drops_total",
		Help: "Total number of sends dropped due to backpressure",
	},
)

// DialFailuresTotal counts failed outbound dials
var DialFailuresTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gossipmesh_dial_failures_total",
		Help: "Total number of failed dials to discovered peers",
	},
)

// PeerConnectionsTotal counts peer connections
var PeerConnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gossipmesh_peer_connections_total",
		Help: "Total number of peer connections",
	},
)

// PeerDisconnectionsTotal counts peer disconnections
var PeerDisconnectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "gossipmesh_peer_disconnections_total",
		Help: "Total number of peer disconnections",
	},
)

// PeersConnected tracks the current number of connected peers
var PeersConnected = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "gossipmesh_peers_connected",
		Help: "Current number of connected peers",
	},
)

// MeshPeers tracks the current mesh size per topic
var MeshPeers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "gossipmesh_mesh_peers",
		Help: "Current number of mesh peers per topic",
	},
	[]string{"topic"},
)
