// Package metrics records the outcome of a rotation run in a Prometheus registry and writes
// it to a node_exporter textfile collector file.
package metrics

import (
	"fmt"
	"time"

	"github.com/openmined/s3rotate/internal/backup"
	"github.com/openmined/s3rotate/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunMetrics holds the gauges describing the last run for one bucket and prefix.
// Each run is a separate process, so the registry is private and never served.
type RunMetrics struct {
	registry *prometheus.Registry

	LastRunTimestamp prometheus.Gauge     // s3rotate_last_run_timestamp_seconds
	LastRunSuccess   prometheus.Gauge     // s3rotate_last_run_success
	RunDuration      prometheus.Gauge     // s3rotate_run_duration_seconds
	Files            *prometheus.GaugeVec // s3rotate_files{action}
	BytesUploaded    prometheus.Gauge     // s3rotate_uploaded_bytes
	DryRun           prometheus.Gauge     // s3rotate_dry_run

	now func() time.Time
}

func NewRunMetrics(bucket, prefix string) *RunMetrics {
	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"bucket": bucket, "prefix": prefix}
	factory := promauto.With(registry)

	return &RunMetrics{
		registry: registry,
		now:      time.Now,

		LastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "s3rotate_last_run_timestamp_seconds",
			Help:        "Unix time the last rotation run finished",
			ConstLabels: labels,
		}),

		LastRunSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "s3rotate_last_run_success",
			Help:        "1 if the last run completed with every kept file present remotely",
			ConstLabels: labels,
		}),

		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "s3rotate_run_duration_seconds",
			Help:        "Duration of the last run in seconds",
			ConstLabels: labels,
		}),

		Files: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "s3rotate_files",
			Help:        "Files handled by the last run, by action",
			ConstLabels: labels,
		}, []string{"action"}),

		BytesUploaded: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "s3rotate_uploaded_bytes",
			Help:        "Bytes uploaded by the last run",
			ConstLabels: labels,
		}),

		DryRun: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "s3rotate_dry_run",
			Help:        "1 if the last run was a dry run",
			ConstLabels: labels,
		}),
	}
}

// Observe records a finished run. report may be partial, or nil when the run failed
// before reconciling.
func (m *RunMetrics) Observe(report *backup.Report, runErr error) {
	m.LastRunTimestamp.Set(float64(m.now().Unix()))

	if report == nil {
		report = &backup.Report{}
	}

	m.LastRunSuccess.Set(boolValue(runErr == nil && report.OK()))
	m.RunDuration.Set(report.Duration.Seconds())
	m.BytesUploaded.Set(float64(report.BytesUploaded))
	m.DryRun.Set(boolValue(report.DryRun))

	m.Files.WithLabelValues("uploaded").Set(float64(len(report.Uploaded)))
	m.Files.WithLabelValues("present").Set(float64(len(report.Present)))
	m.Files.WithLabelValues("expired").Set(float64(len(report.Expired)))
	m.Files.WithLabelValues("remote_deleted").Set(float64(len(report.RemoteDeleted)))
	m.Files.WithLabelValues("empty_removed").Set(float64(len(report.EmptyRemoved)))
	m.Files.WithLabelValues("failed").Set(float64(len(report.Failed)))
	m.Files.WithLabelValues("orphan").Set(float64(len(report.Orphans)))
}

// WriteTextfile atomically replaces path with the current metrics in text exposition format
func (m *RunMetrics) WriteTextfile(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return fmt.Errorf("metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
