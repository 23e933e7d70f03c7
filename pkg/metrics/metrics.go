// Package metrics provides Prometheus metrics for the Iris service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IdentifyRequestsTotal tracks successful identify calls by scenario
	IdentifyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "identify",
			Name:      "requests_total",
			Help:      "Total number of successful identify calls by scenario",
		},
		[]string{"scenario"},
	)

	// IdentifyErrorsTotal tracks failed identify calls by error kind
	IdentifyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "identify",
			Name:      "errors_total",
			Help:      "Total number of failed identify calls by error kind",
		},
		[]string{"kind"},
	)

	// IdentifyDuration tracks identify latency in seconds
	IdentifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "iris",
			Subsystem: "identify",
			Name:      "duration_seconds",
			Help:      "Duration of identify calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// MergesTotal tracks demoted primaries
	MergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "identify",
			Name:      "merges_total",
			Help:      "Total number of primaries demoted by a merge",
		},
	)

	// ContactsCreatedTotal tracks created contacts by precedence
	ContactsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "store",
			Name:      "contacts_created_total",
			Help:      "Total number of contacts created by precedence",
		},
		[]string{"precedence"},
	)

	// TxRetriesTotal tracks serializable transactions retried after a conflict
	TxRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iris",
			Subsystem: "store",
			Name:      "tx_retries_total",
			Help:      "Total number of transaction retries after serialization failures",
		},
	)

	// LockWaitDuration tracks time spent acquiring distributed key locks
	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "iris",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring distributed key locks in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)
)
