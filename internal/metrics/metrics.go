package metrics

import (
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync progress metrics
	lastIndexedHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_last_indexed_height",
			Help: "The last block height whose batch was fully committed",
		},
		[]string{"chain_id"},
	)

	syncLagBlocks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_lag_blocks",
			Help: "Blocks between the chain tip and the last indexed height",
		},
		[]string{"chain_id"},
	)

	batchesCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_batches_committed_total",
			Help: "Total number of batches committed",
		},
		[]string{"chain_id"},
	)

	eventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_events_applied_total",
			Help: "Total number of domain events applied to projections",
		},
		[]string{"chain_id", "event"},
	)

	decodeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_decode_failures_total",
			Help: "Total number of logs that failed to decode",
		},
		[]string{"chain_id"},
	)

	batchCommitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_batch_commit_duration_seconds",
			Help:    "Time taken to apply and commit a batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain_id"},
	)

	loopState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_loop_state",
			Help: "Current sync loop state (see engine.State for the encoding)",
		},
		[]string{"chain_id"},
	)

	haltsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_halts_total",
			Help: "Total number of fatal halts",
		},
		[]string{"chain_id"},
	)

	// System metrics
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsync_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsync_goroutines",
			Help: "Number of active goroutines",
		},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

func LastIndexedHeightSet(chainID, height uint64) {
	lastIndexedHeight.WithLabelValues(chainLabel(chainID)).Set(float64(height))
}

func SyncLagSet(chainID, lag uint64) {
	syncLagBlocks.WithLabelValues(chainLabel(chainID)).Set(float64(lag))
}

func BatchCommittedInc(chainID uint64) {
	batchesCommitted.WithLabelValues(chainLabel(chainID)).Inc()
}

func EventAppliedInc(chainID uint64, event string) {
	eventsApplied.WithLabelValues(chainLabel(chainID), event).Inc()
}

func DecodeFailureInc(chainID uint64) {
	decodeFailures.WithLabelValues(chainLabel(chainID)).Inc()
}

func BatchCommitTimeLog(chainID uint64, duration time.Duration) {
	batchCommitTime.WithLabelValues(chainLabel(chainID)).Observe(duration.Seconds())
}

func LoopStateSet(chainID uint64, state int) {
	loopState.WithLabelValues(chainLabel(chainID)).Set(float64(state))
}

func HaltInc(chainID uint64) {
	haltsTotal.WithLabelValues(chainLabel(chainID)).Inc()
}

func ComponentHealthSet(component string, healthy bool) {
	boolAsFloat := float64(1)
	if !healthy {
		boolAsFloat = 0
	}

	ComponentHealth.WithLabelValues(component).Set(boolAsFloat)
}

// UpdateSystemMetrics updates runtime system metrics.
// This should be called periodically (e.g., every 15 seconds).
func UpdateSystemMetrics() {
	Uptime.Set(time.Since(startTime).Seconds())
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
