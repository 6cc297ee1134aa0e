// Package nodmetrics exposes one peer process's Prometheus metrics using
// package-level vars registered in init(). Since every peer is its own OS
// process, the default registry is already private to that peer: there is
// no need for a registry-per-instance indirection the way a single binary
// hosting several logical components might need one.
package nodmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Block allocator metrics.
	FreeBlocksTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nod_free_blocks_total",
			Help: "Number of blocks currently on this peer's free list",
		},
	)

	BlockAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_block_allocations_total",
			Help: "Total block allocations by outcome (ok, out_of_memory)",
		},
		[]string{"outcome"},
	)

	BlockDeallocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nod_block_deallocations_total",
			Help: "Total blocks returned to the free list",
		},
	)

	// Vertex lock metrics.
	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_lock_acquire_total",
			Help: "Vertex lock acquire attempts by mode and outcome (read/write, ok/retry/failed)",
		},
		[]string{"mode", "outcome"},
	)

	LockUpgradeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_lock_upgrade_total",
			Help: "Read-to-write lock upgrade attempts by outcome (ok, failed)",
		},
		[]string{"outcome"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nod_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a vertex lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Index metrics.
	IndexInsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_index_inserts_total",
			Help: "Total index inserts by outcome (ok, duplicate, out_of_memory)",
		},
		[]string{"outcome"},
	)

	IndexFindsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_index_finds_total",
			Help: "Total index lookups by outcome (found, not_found)",
		},
		[]string{"outcome"},
	)

	IndexRemovesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_index_removes_total",
			Help: "Total index removes by outcome (ok, not_found)",
		},
		[]string{"outcome"},
	)

	IndexChainRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nod_index_chain_restarts_total",
			Help: "Total bucket-chain walk restarts caused by a concurrent insert racing a find/remove",
		},
	)

	// Transaction engine metrics.
	TransactionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_transactions_started_total",
			Help: "Total transactions started by kind (single, collective)",
		},
		[]string{"kind"},
	)

	TransactionsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_transactions_committed_total",
			Help: "Total transactions committed by kind",
		},
		[]string{"kind"},
	)

	TransactionsAbortedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nod_transactions_aborted_total",
			Help: "Total transactions aborted by kind and reason (explicit, critical, unanimity_failed)",
		},
		[]string{"kind", "reason"},
	)

	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nod_transaction_duration_seconds",
			Help:    "Transaction lifetime from start to close, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	EdgeShrinkTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nod_edge_table_shrinks_total",
			Help: "Total edge-table compactions performed at commit",
		},
	)
)

func init() {
	prometheus.MustRegister(
		FreeBlocksTotal,
		BlockAllocationsTotal,
		BlockDeallocationsTotal,
		LockAcquireTotal,
		LockUpgradeTotal,
		LockWaitDuration,
		IndexInsertsTotal,
		IndexFindsTotal,
		IndexRemovesTotal,
		IndexChainRestartsTotal,
		TransactionsStartedTotal,
		TransactionsCommittedTotal,
		TransactionsAbortedTotal,
		TransactionDuration,
		EdgeShrinkTotal,
	)
}

// Handler returns the Prometheus HTTP handler this peer's cmd/nod-peer
// entrypoint mounts at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and observes its duration into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
