package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lookupsTotal counts merged-view lookups.
	// Labels: op (attribute, attributes, ci, cis, relation, relations),
	// result (hit, miss, bypass)
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Merged-view cache lookups by outcome",
	}, []string{"op", "result"})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "cache",
		Name:      "token_invalidations_total",
		Help:      "Invalidation tokens raised by commits",
	})

	staleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "cache",
		Name:      "stale_entries_total",
		Help:      "Entries dropped on lookup because a dependency token advanced",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted by the LRU bound",
	})

	// skippedTotal counts computed results not stored because a commit newer
	// than the reading transaction touched their scope.
	skippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stratadb",
		Subsystem: "cache",
		Name:      "skipped_puts_total",
		Help:      "Computed results not cached because they were already outdated",
	})
)
