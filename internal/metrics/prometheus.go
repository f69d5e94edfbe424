package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tis24dev/rcbackup/internal/logging"
)

// TextfileName is the file written for the node_exporter textfile collector.
const TextfileName = "rcbackup.prom"

// JobRun is the outcome of one job run as exported to Prometheus.
type JobRun struct {
	Job          string
	Success      bool
	Finished     time.Time
	Duration     time.Duration
	ArchiveBytes int64
	Files        int
	SizeExcluded int
}

// PrometheusExporter accumulates job metrics in its own registry and
// writes them in Prometheus textfile format for node_exporter.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger

	mu           sync.Mutex
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
	duration     *prometheus.GaugeVec
	archiveBytes *prometheus.GaugeVec
	files        *prometheus.GaugeVec
	sizeExcluded *prometheus.GaugeVec
}

// NewPrometheusExporter creates a new PrometheusExporter using the provided
// directory. An empty directory keeps the metrics in memory only.
func NewPrometheusExporter(textfileDir, version string, logger *logging.Logger) *PrometheusExporter {
	pe := &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, "/"),
		logger:      logger,
		registry:    prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcbackup_job_runs_total",
			Help: "Job runs by result",
		}, []string{"job", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcbackup_job_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful run",
		}, []string{"job"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcbackup_job_duration_seconds",
			Help: "Duration of the last run in seconds",
		}, []string{"job"}),
		archiveBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcbackup_job_archive_bytes",
			Help: "Size of the last delivered archive in bytes",
		}, []string{"job"}),
		files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcbackup_job_files",
			Help: "Files selected by the last run",
		}, []string{"job"}),
		sizeExcluded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rcbackup_job_size_excluded_files",
			Help: "Files skipped for exceeding max_size in the last run",
		}, []string{"job"}),
	}
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "rcbackup_info",
		Help:        "Static information about this rcbackup instance",
		ConstLabels: prometheus.Labels{"version": version},
	})
	info.Set(1)

	pe.registry.MustRegister(pe.runs, pe.lastSuccess, pe.duration, pe.archiveBytes, pe.files, pe.sizeExcluded, info)
	return pe
}

// Registry exposes the underlying registry.
func (pe *PrometheusExporter) Registry() *prometheus.Registry {
	return pe.registry
}

// Record adds one job run. Size gauges only move on success so a failed
// run does not hide the last good archive.
func (pe *PrometheusExporter) Record(run JobRun) {
	if pe == nil {
		return
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()

	result := "failure"
	if run.Success {
		result = "success"
	}
	pe.runs.WithLabelValues(run.Job, result).Inc()
	pe.duration.WithLabelValues(run.Job).Set(run.Duration.Seconds())
	if !run.Success {
		return
	}
	pe.lastSuccess.WithLabelValues(run.Job).Set(float64(run.Finished.Unix()))
	pe.archiveBytes.WithLabelValues(run.Job).Set(float64(run.ArchiveBytes))
	pe.files.WithLabelValues(run.Job).Set(float64(run.Files))
	pe.sizeExcluded.WithLabelValues(run.Job).Set(float64(run.SizeExcluded))
}

// Export writes every collected metric to rcbackup.prom in textfileDir.
func (pe *PrometheusExporter) Export() error {
	if pe == nil || pe.textfileDir == "" {
		return nil
	}
	if err := os.MkdirAll(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("create metrics directory %s: %w", pe.textfileDir, err)
	}

	pe.mu.Lock()
	defer pe.mu.Unlock()
	finalPath := filepath.Join(pe.textfileDir, TextfileName)
	if err := prometheus.WriteToTextfile(finalPath, pe.registry); err != nil {
		return fmt.Errorf("write metrics file %s: %w", finalPath, err)
	}
	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}
	return nil
}
