package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cache metrics
	CacheRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_cache_refresh_total",
			Help: "Cache snapshot refreshes by blob and trigger (ttl, miss, invalidate)",
		},
		[]string{"blob", "trigger"},
	)

	CacheHitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_cache_hit_total",
			Help: "Cache lookups served from a valid snapshot",
		},
		[]string{"blob"},
	)

	// Permission decision metrics
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_decisions_total",
			Help: "Permission check outcomes by kind and code",
		},
		[]string{"outcome", "code"},
	)

	// Blob store metrics
	BlobRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_blob_retries_total",
			Help: "Optimistic update retries caused by version conflicts",
		},
	)

	BlobOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_blob_ops_total",
			Help: "Blob store operations by kind and result",
		},
		[]string{"op", "result"},
	)

	// Activity logging metrics
	ActivityEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_activity_entries_total",
			Help: "Feature-use activity entries appended",
		},
	)

	UnknownUserAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_unknown_user_attempts_total",
			Help: "Unknown-user attempts recorded",
		},
	)
)
