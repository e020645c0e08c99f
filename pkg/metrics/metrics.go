package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mutation outcomes.
const (
	OutcomeApplied    = "applied"
	OutcomeConfirmed  = "confirmed"
	OutcomeRolledBack = "rolled_back"
	OutcomeDiverged   = "diverged"
	OutcomeRejected   = "rejected"
)

var (
	mutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discussion_mutations_total",
			Help: "Optimistic mutations by kind and outcome.",
		}, []string{"kind", "outcome"})
	pagesLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discussion_pages_loaded_total",
			Help: "Comment pages fetched from the comment store.",
		}, []string{"result"})
	pendingRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "discussion_pending_mutations",
			Help: "Mutations applied locally and waiting for the comment store.",
		})
)

// Mutation counts one mutation outcome.
func Mutation(kind, outcome string) {
	mutations.WithLabelValues(kind, outcome).Inc()
	switch outcome {
	case OutcomeApplied:
		pendingRecords.Inc()
	case OutcomeConfirmed, OutcomeRolledBack, OutcomeDiverged:
		pendingRecords.Dec()
	}
}

// PageLoaded counts one page fetch.
func PageLoaded(err error) {
	if err != nil {
		pagesLoaded.WithLabelValues("error").Inc()
		return
	}
	pagesLoaded.WithLabelValues("ok").Inc()
}
