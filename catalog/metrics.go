package catalog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricCatalogLockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "fileq",
	Name:      "catalog_lock_wait_seconds",
	Help:      "Time spent waiting to acquire the catalog directory lock.",
	Buckets:   prometheus.ExponentialBuckets(.001, 4, 8),
})
