// Package metrics holds the prometheus collectors shared by the recovery
// components. Collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "elohim"

var (
	RequestTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "authz",
		Name:      "request_transitions_total",
		Help:      "Recovery request status transitions by target status.",
	}, []string{"status"})

	ChallengeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "authz",
		Name:      "challenge_results_total",
		Help:      "Resolved recovery challenges by result.",
	}, []string{"type", "result"})

	FragmentFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconstruct",
		Name:      "fragment_fetches_total",
		Help:      "Fragment fetch attempts by outcome.",
	}, []string{"outcome"})

	ItemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconstruct",
		Name:      "items_total",
		Help:      "Per-content reconstruction outcomes.",
	}, []string{"outcome"})

	ItemDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconstruct",
		Name:      "item_duration_seconds",
		Help:      "Time to reconstruct one content item.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconstruct",
		Name:      "active_sessions",
		Help:      "Recovery sessions currently running.",
	})

	AuditClassifications = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "content_items",
		Help:      "Content items by distribution health class at the last audit.",
	}, []string{"class"})

	AuditTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "fragment_transitions_total",
		Help:      "Fragment status transitions driven by custody audits.",
	}, []string{"status"})

	ReplicationSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "replication_signals_total",
		Help:      "Re-replication signals emitted by mode.",
	}, []string{"mode"})
)

var ConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "p2p",
	Name:      "connected_peers",
	Help:      "Peers currently connected to the coordinator host.",
})
