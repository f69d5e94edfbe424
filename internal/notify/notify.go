// Package notify reports job results to external receivers.
package notify

import (
	"context"
	"os"
	"time"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/orchestrator"
	"github.com/tis24dev/rcbackup/internal/types"
)

// Status is the outcome of a job run.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// NotificationData is the content shared by every notifier.
type NotificationData struct {
	Status       Status
	Job          string
	RunID        string
	Hostname     string
	Version      string
	State        types.LifecycleState
	Time         time.Time
	Duration     time.Duration
	Location     string
	Files        int
	SizeExcluded int
	ArchiveBytes int64
	Encrypted    bool
	ExitCode     int
	Error        string
}

// NewNotificationData describes a finished job run. err is the error
// returned by the run, or nil.
func NewNotificationData(summary orchestrator.Summary, err error, duration time.Duration) *NotificationData {
	hostname, _ := os.Hostname()
	data := &NotificationData{
		Status:       StatusSuccess,
		Job:          summary.Job,
		RunID:        summary.RunID,
		Hostname:     hostname,
		State:        summary.State,
		Time:         time.Now(),
		Duration:     duration,
		Location:     summary.Delivery.Location,
		Files:        summary.Files,
		SizeExcluded: summary.SizeExcluded,
		ArchiveBytes: summary.ArchiveBytes,
		Encrypted:    summary.Encrypted,
		ExitCode:     int(types.ExitCodeFor(err)),
	}
	if err != nil {
		data.Status = StatusFailure
		data.Error = err.Error()
	}
	return data
}

// NotificationResult is the outcome of one Send.
type NotificationResult struct {
	Success  bool
	Method   string
	Error    error
	Duration time.Duration
}

// Notifier delivers notifications to one kind of receiver.
type Notifier interface {
	Name() string
	IsEnabled() bool
	// ShouldNotify reports whether data is worth sending at all.
	ShouldNotify(data *NotificationData) bool
	Send(ctx context.Context, data *NotificationData) (*NotificationResult, error)
}

// Dispatch sends data through n. Failures are logged and never change the
// outcome of the job.
func Dispatch(ctx context.Context, logger *logging.Logger, n Notifier, data *NotificationData) {
	if n == nil || data == nil || !n.IsEnabled() || !n.ShouldNotify(data) {
		return
	}
	result, err := n.Send(ctx, data)
	switch {
	case err != nil:
		logger.Warning("%s notification for %s failed: %v", n.Name(), data.Job, err)
	case result != nil && !result.Success:
		logger.Warning("%s notification for %s failed: %v", n.Name(), data.Job, result.Error)
	default:
		logger.Debug("%s notification for %s sent", n.Name(), data.Job)
	}
}
