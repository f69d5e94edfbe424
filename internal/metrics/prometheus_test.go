package metrics

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

func testLogger() *logging.Logger {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	return logger
}

func TestPrometheusExporterExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "textfile")
	exporter := NewPrometheusExporter(dir, "1.2.0", testLogger())

	exporter.Record(JobRun{
		Job:          "DOCS",
		Success:      true,
		Finished:     time.Unix(1000, 0),
		Duration:     90 * time.Second,
		ArchiveBytes: 4096,
		Files:        42,
		SizeExcluded: 2,
	})
	exporter.Record(JobRun{Job: "DOCS", Duration: time.Second})
	require.NoError(t, exporter.Export())

	data, err := os.ReadFile(filepath.Join(dir, TextfileName))
	require.NoError(t, err)
	content := string(data)
	for _, expected := range []string{
		`rcbackup_job_runs_total{job="DOCS",result="success"} 1`,
		`rcbackup_job_runs_total{job="DOCS",result="failure"} 1`,
		`rcbackup_job_last_success_timestamp_seconds{job="DOCS"} 1000`,
		`rcbackup_job_duration_seconds{job="DOCS"} 1`,
		`rcbackup_job_archive_bytes{job="DOCS"} 4096`,
		`rcbackup_job_files{job="DOCS"} 42`,
		`rcbackup_job_size_excluded_files{job="DOCS"} 2`,
		`rcbackup_info{version="1.2.0"} 1`,
	} {
		assert.Contains(t, content, expected)
	}
}

func TestFailedRunKeepsLastSizes(t *testing.T) {
	exporter := NewPrometheusExporter("", "dev", nil)
	exporter.Record(JobRun{Job: "MAIL", Success: true, Finished: time.Unix(50, 0), ArchiveBytes: 10, Files: 3})
	exporter.Record(JobRun{Job: "MAIL", Success: false, ArchiveBytes: 0})

	assert.Equal(t, 10.0, testutil.ToFloat64(exporter.archiveBytes.WithLabelValues("MAIL")))
	assert.Equal(t, 3.0, testutil.ToFloat64(exporter.files.WithLabelValues("MAIL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.runs.WithLabelValues("MAIL", "failure")))
	assert.Equal(t, 50.0, testutil.ToFloat64(exporter.lastSuccess.WithLabelValues("MAIL")))
}

func TestExportWithoutDirectory(t *testing.T) {
	exporter := NewPrometheusExporter("", "dev", nil)
	assert.NoError(t, exporter.Export())

	var nilExporter *PrometheusExporter
	nilExporter.Record(JobRun{Job: "X"})
	assert.NoError(t, nilExporter.Export())
}
