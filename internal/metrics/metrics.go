// Package metrics provides Prometheus metrics for deltavault.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all deltavault metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Run outcomes used as the status label.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// VaultMetrics holds all Prometheus metrics for backup and restore runs.
// A nil *VaultMetrics is valid and records nothing.
type VaultMetrics struct {
	// Run metrics
	BackupsTotal  *prometheus.CounterVec   // deltavault_backups_total{status}
	RestoresTotal *prometheus.CounterVec   // deltavault_restores_total{status}
	RunDuration   *prometheus.HistogramVec // deltavault_run_duration_seconds{operation}

	// Block pipeline
	BlocksProcessed prometheus.Counter // deltavault_blocks_processed_total
	BlocksWritten   prometheus.Counter // deltavault_blocks_written_total
	DedupHits       prometheus.Counter // deltavault_dedup_hits_total

	// Transfer metrics
	BytesRead     prometheus.Counter // deltavault_bytes_read_total
	BytesStored   prometheus.Counter // deltavault_bytes_stored_total (compressed)
	BytesRestored prometheus.Counter // deltavault_bytes_restored_total

	// Index state
	IndexBlocks prometheus.Gauge // deltavault_index_blocks
	DedupRatio  prometheus.Gauge // deltavault_dedup_ratio
}

// New registers the vault metrics with reg. A nil reg selects Registry.
func New(reg prometheus.Registerer) *VaultMetrics {
	if reg == nil {
		reg = Registry
	}
	f := promauto.With(reg)

	return &VaultMetrics{
		BackupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deltavault_backups_total",
			Help: "Backup runs by outcome",
		}, []string{"status"}),

		RestoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deltavault_restores_total",
			Help: "Restore runs by outcome",
		}, []string{"status"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deltavault_run_duration_seconds",
			Help:    "Backup and restore run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"operation"}),

		BlocksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "deltavault_blocks_processed_total",
			Help: "Blocks fingerprinted by backup runs",
		}),

		BlocksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "deltavault_blocks_written_total",
			Help: "Blocks written to the content store",
		}),

		DedupHits: f.NewCounter(prometheus.CounterOpts{
			Name: "deltavault_dedup_hits_total",
			Help: "Blocks that were already known to the index",
		}),

		BytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "deltavault_bytes_read_total",
			Help: "Source bytes read by backup runs",
		}),

		BytesStored: f.NewCounter(prometheus.CounterOpts{
			Name: "deltavault_bytes_stored_total",
			Help: "Compressed bytes written to the content store",
		}),

		BytesRestored: f.NewCounter(prometheus.CounterOpts{
			Name: "deltavault_bytes_restored_total",
			Help: "Bytes written by restore runs",
		}),

		IndexBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "deltavault_index_blocks",
			Help: "Distinct blocks in the dedup index",
		}),

		DedupRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "deltavault_dedup_ratio",
			Help: "Block references per distinct block",
		}),
	}
}

// ObserveBackup records the outcome of a backup run.
func (m *VaultMetrics) ObserveBackup(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.BackupsTotal.WithLabelValues(status(err)).Inc()
	m.RunDuration.WithLabelValues("backup").Observe(d.Seconds())
}

// ObserveRestore records the outcome of a restore run.
func (m *VaultMetrics) ObserveRestore(err error, d time.Duration, written int64) {
	if m == nil {
		return
	}
	m.RestoresTotal.WithLabelValues(status(err)).Inc()
	m.RunDuration.WithLabelValues("restore").Observe(d.Seconds())
	if err == nil {
		m.BytesRestored.Add(float64(written))
	}
}

// ObserveBlock records one processed backup block.
func (m *VaultMetrics) ObserveBlock(size, stored int64, written, dedupHit bool) {
	if m == nil {
		return
	}
	m.BlocksProcessed.Inc()
	m.BytesRead.Add(float64(size))
	if written {
		m.BlocksWritten.Inc()
		m.BytesStored.Add(float64(stored))
	}
	if dedupHit {
		m.DedupHits.Inc()
	}
}

// SetIndex publishes the current index size and dedup ratio.
func (m *VaultMetrics) SetIndex(blocks int, ratio float64) {
	if m == nil {
		return
	}
	m.IndexBlocks.Set(float64(blocks))
	m.DedupRatio.Set(ratio)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func status(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}
