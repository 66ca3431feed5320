package reorg

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsync_reorgs_detected_total",
			Help: "Total number of blockchain reorganizations detected",
		},
		[]string{"chain_id"},
	)

	reorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainsync_reorg_depth_blocks",
			Help:    "Depth of blockchain reorganizations in blocks",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"chain_id"},
	)

	reorgLastDetected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsync_reorg_last_detected_timestamp",
			Help: "Unix timestamp of last reorg detection",
		},
		[]string{"chain_id"},
	)
)

func ReorgDetectedLog(chainID, depth uint64) {
	label := strconv.FormatUint(chainID, 10)
	reorgsDetected.WithLabelValues(label).Inc()
	reorgDepth.WithLabelValues(label).Observe(float64(depth))
	reorgLastDetected.WithLabelValues(label).Set(float64(time.Now().UTC().Unix()))
}
