package fileq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirror friggdb.go's package-level promauto vars: counter vectors
// covering producer commits and sends, retention GC, consumer claims/polls,
// and fan-in picks. The catalog lock-wait histogram lives in the catalog
// package (catalog/metrics.go).
var (
	metricProducerCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "producer_commits_total",
		Help:      "Total number of producer commit() calls per queue.",
	}, []string{"queue"})

	metricProducerMessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "producer_messages_sent_total",
		Help:      "Total number of messages buffered by send() per queue and partition.",
	}, []string{"queue", "partition"})

	metricRetentionSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "retention_sweeps_total",
		Help:      "Total number of retention GC sweeps run per queue.",
	}, []string{"queue"})

	metricRetentionRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "retention_segments_removed_total",
		Help:      "Total number of segment files removed by retention GC per queue.",
	}, []string{"queue"})

	metricRetentionUnlinkErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "retention_unlink_errors_total",
		Help:      "Total number of retention GC unlink failures, swallowed per spec.",
	}, []string{"queue"})

	metricConsumerClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "consumer_claims_total",
		Help:      "Total number of successful (queue, group, partition) claims.",
	}, []string{"queue", "group"})

	metricConsumerClaimDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "consumer_claim_denied_total",
		Help:      "Total number of claim attempts rejected because a live owner exists.",
	}, []string{"queue", "group"})

	metricConsumerPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "consumer_polls_total",
		Help:      "Total number of poll() calls per queue and group, labeled by whether a message was returned.",
	}, []string{"queue", "group", "result"})

	metricFanInPicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fileq",
		Name:      "fanin_picks_total",
		Help:      "Total number of messages yielded by MultiConsumer.poll().",
	}, []string{"group"})
)
