// Package metrics defines the prometheus metric types for the mesh core:
// ND drops and state transitions, RPL Trickle resets, DAO retransmits,
// local repairs and rank, route expiries, store and table sizes, and
// IPHC compression throughput. Only NDDrops (internal/transport) and
// RouteEvictions, RouteStoreSize and NeighborTableSize (internal/router)
// are updated by code; the others are registered but never updated.
//
// Grounded on m-lab-tcp-info's metrics/metrics.go: package-level
// promauto-registered vectors, one file, no wrapper framework.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NDDrops counts ND packets dropped by reason (invalid, no_route,
	// dad_fail, other).
	NDDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rplmesh_nd_drops_total",
			Help: "ND packets dropped, by reason",
		},
		[]string{"reason"})

	// NDStateTransitions counts neighbor cache state transitions.
	NDStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rplmesh_nd_state_transitions_total",
			Help: "neighbor cache state transitions",
		},
		[]string{"from", "to"})

	// RPLTrickleResets counts Trickle interval resets by the source of
	// the inconsistency.
	RPLTrickleResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rplmesh_rpl_trickle_resets_total",
			Help: "RPL Trickle timer resets, by cause",
		},
		[]string{"cause"})

	// RPLDAORetransmits counts DAO retransmissions per instance.
	RPLDAORetransmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rplmesh_rpl_dao_retransmits_total",
			Help: "RPL DAO retransmissions",
		},
		[]string{"instance"})

	// RPLLocalRepairs counts local repair invocations by trigger.
	RPLLocalRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rplmesh_rpl_local_repairs_total",
			Help: "RPL local repair invocations, by trigger",
		},
		[]string{"trigger"})

	// RPLRank tracks this node's current rank per instance.
	RPLRank = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rplmesh_rpl_rank",
			Help: "current RPL rank",
		},
		[]string{"instance"})

	// RouteEvictions counts downward routes removed because their
	// lifetime expired; LRU evictions on a full store are not counted.
	RouteEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rplmesh_route_evictions_total",
			Help: "downward routes removed on lifetime expiry",
		})

	// RouteStoreSize tracks the live route count.
	RouteStoreSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rplmesh_route_store_size",
			Help: "number of installed downward routes",
		})

	// IPHCPackets counts compress/decompress operations by outcome.
	IPHCPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rplmesh_iphc_packets_total",
			Help: "IPHC compress/decompress operations",
		},
		[]string{"direction", "outcome"})

	// NeighborTableSize tracks live neighbor pool occupancy.
	NeighborTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rplmesh_neighbor_table_size",
			Help: "number of live neighbor cache entries",
		})
)
