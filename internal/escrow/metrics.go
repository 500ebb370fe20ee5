package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	escrowsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payfabric_escrows_created_total",
		Help: "Escrow locks created.",
	})

	escrowsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payfabric_escrows_closed_total",
		Help: "Escrow closures by outcome.",
	}, []string{"outcome"})

	releaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payfabric_escrow_release_seconds",
		Help:    "Latency of escrow release settlement.",
		Buckets: prometheus.DefBuckets,
	})

	deadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payfabric_escrow_deadletter_depth",
		Help: "Unresolved compensation legs awaiting reconciliation.",
	})

	reconcileViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payfabric_escrow_invariant_violations",
		Help: "Closed escrows whose legs do not sum to the locked value.",
	})
)
