// Package metrics exposes Prometheus metrics for housekeeping operations.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/housekeeper/internal/housekeeper"
)

const namespace = "housekeeper"

// Metrics holds the collectors of one process. Each instance owns a private
// registry so tests and CLI runs never touch the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	filesMoved     *prometheus.CounterVec
	bytesMoved     *prometheus.CounterVec
	batchesPruned  prometheus.Counter
	bytesFreed     prometheus.Counter
	filesRestored  prometheus.Counter
	operations     *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	targetFiles    *prometheus.GaugeVec
	targetBytes    *prometheus.GaugeVec
	trashBatches   prometheus.Gauge
	lastSuccessful *prometheus.GaugeVec
}

// New creates the collectors on a fresh registry. When withRuntime is set the
// Go and process collectors are registered as well.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		filesMoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_moved_total",
				Help:      "Total number of files moved to the trash",
			},
			[]string{"target"},
		),

		bytesMoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_moved_total",
				Help:      "Total size of files moved to the trash in bytes",
			},
			[]string{"target"},
		),

		batchesPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_pruned_total",
			Help:      "Total number of trash batches deleted by prune",
		}),

		bytesFreed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_freed_total",
			Help:      "Total size of trash batches deleted by prune in bytes",
		}),

		filesRestored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_restored_total",
			Help:      "Total number of files restored from the trash",
		}),

		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operations by result",
			},
			[]string{"operation", "result"},
		),

		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
			},
			[]string{"operation"},
		),

		targetFiles: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_files",
				Help:      "Number of files directly inside a watched target",
			},
			[]string{"target"},
		),

		targetBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_bytes",
				Help:      "Recursive size of a watched target in bytes",
			},
			[]string{"target"},
		),

		trashBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trash_batches",
			Help:      "Number of batches in the trash",
		}),

		lastSuccessful: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful operation",
			},
			[]string{"operation"},
		),
	}
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveOperation records the outcome and duration of one operation
func (m *Metrics) ObserveOperation(op string, started time.Time, d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
	if err == nil {
		m.lastSuccessful.WithLabelValues(op).Set(float64(started.Add(d).Unix()))
	}
}

// RecordCleanup counts moved files per target. Dry runs are not counted.
func (m *Metrics) RecordCleanup(r *housekeeper.CleanupResult) {
	if r == nil || r.DryRun {
		return
	}
	for _, t := range r.Targets {
		m.filesMoved.WithLabelValues(t.Target).Add(float64(t.Moved))
		m.bytesMoved.WithLabelValues(t.Target).Add(float64(t.Bytes))
	}
}

// RecordPrune counts deleted batches. Dry runs are not counted.
func (m *Metrics) RecordPrune(r *housekeeper.PruneResult) {
	if r == nil || r.DryRun {
		return
	}
	m.batchesPruned.Add(float64(len(r.Removed)))
	m.bytesFreed.Add(float64(r.Bytes()))
}

// RecordRestore counts restored files
func (m *Metrics) RecordRestore(r *housekeeper.RestoreResult) {
	if r == nil {
		return
	}
	m.filesRestored.Add(float64(len(r.Restored)))
}

// RecordStatus updates the target and trash gauges
func (m *Metrics) RecordStatus(s *housekeeper.Status) {
	if s == nil {
		return
	}
	m.targetFiles.Reset()
	m.targetBytes.Reset()
	for _, t := range s.Targets {
		m.targetFiles.WithLabelValues(t.Target).Set(float64(t.Files))
		m.targetBytes.WithLabelValues(t.Target).Set(float64(t.Bytes))
	}
	m.trashBatches.Set(float64(s.TrashBatches))
}

// Handler returns an HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// WriteTextfile writes the registry in the text exposition format for the
// node_exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
