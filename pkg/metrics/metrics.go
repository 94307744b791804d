// Package metrics exposes the Prometheus collectors the storage engine and
// dispatcher record against. It keeps the teacher stack's convention of a
// dedicated (non-global) Registry populated by init(), namespaced collectors, and a
// plain Handler() for wiring into an HTTP mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "entitystore"
)

// Registry is the private Prometheus registry all collectors below register
// against, rather than the global default registry.
var Registry = prometheus.NewRegistry()

var (
	commitAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "commit_attempts_total",
		Help:      "Commit attempts processed by the storage engine, by result.",
	}, []string{"result"})

	commitRetries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "commit_retries",
		Help:      "Number of try-commit retries a single Commit call needed before resolving.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	revisionCacheOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "revision_cache_total",
		Help:      "Revision-cache lookups, by outcome (hit/miss).",
	}, []string{"outcome"})

	dispatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "dispatch_outcomes_total",
		Help:      "Event dispatch attempts, by outcome (success/retry).",
	}, []string{"outcome"})

	batchesPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatcher",
		Name:      "batches_pending",
		Help:      "Stored event batches awaiting acknowledgement.",
	})
)

func init() {
	Registry.MustRegister(
		commitAttempts,
		commitRetries,
		revisionCacheOutcomes,
		dispatchOutcomes,
		batchesPending,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncCommitAttempt records a commit-attempt outcome: "success" or
// "concurrency_failure".
func IncCommitAttempt(result string) {
	commitAttempts.WithLabelValues(result).Inc()
}

// ObserveCommitRetries records how many try-commit retries a Commit call
// needed before it resolved, success or failure.
func ObserveCommitRetries(retries int) {
	commitRetries.Observe(float64(retries))
}

// IncRevisionCacheOutcome records a revision-cache lookup outcome: "hit" or
// "miss".
func IncRevisionCacheOutcome(outcome string) {
	revisionCacheOutcomes.WithLabelValues(outcome).Inc()
}

// IncDispatchOutcome records an event dispatch attempt outcome: "success" or
// "retry".
func IncDispatchOutcome(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}

// SetBatchesPending reports the current count of undispatched event batches.
func SetBatchesPending(n int) {
	batchesPending.Set(float64(n))
}
