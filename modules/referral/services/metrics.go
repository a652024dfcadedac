package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	referralWriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "referral",
		Subsystem: "write",
		Name:      "conflicts_total",
		Help:      "Total number of referral tree write conflicts broken down by kind.",
	}, []string{"kind"})

	referralReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "referral",
		Subsystem: "tree",
		Name:      "reconnected_nodes_total",
		Help:      "Total number of nodes promoted to the root during removals.",
	})

	referralRebalanceMoves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "referral",
		Subsystem: "tree",
		Name:      "rebalance_moves_total",
		Help:      "Total number of sibling position changes applied by rebalance passes.",
	})

	referralOrphanRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "referral",
		Subsystem: "tree",
		Name:      "orphan_repairs_total",
		Help:      "Total number of orphaned nodes reattached to the root by optimize passes.",
	})
)

func recordWriteConflict(kind string) {
	if kind == "" {
		kind = "other"
	}
	referralWriteConflicts.WithLabelValues(kind).Inc()
}
