// Package orchestrator drives one named backup job through its lifecycle:
// select files, build the archive, deliver it, record the stamp. The same
// Job retrieves delivered archives for restores.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tis24dev/rcbackup/internal/backup"
	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/stamps"
	"github.com/tis24dev/rcbackup/internal/storage"
	"github.com/tis24dev/rcbackup/internal/types"
)

// ErrInvalidState is returned when an operation is called out of order.
var ErrInvalidState = errors.New("operation not allowed in current state")

// Options override parts of the job configuration for one run.
type Options struct {
	// Target replaces the configured target when non-nil.
	Target *config.Target
	// Compression replaces the configured compression when non-empty.
	Compression types.CompressionType
	// Keep replaces the job's keep setting when non-nil.
	Keep *bool
	// NoEncrypt skips the crypto gate on build.
	NoEncrypt bool
	// KeepPlaintext preserves the unencrypted archive next to the encrypted one.
	KeepPlaintext bool
}

// Summary describes the outcome of a job run.
type Summary struct {
	Job          string
	RunID        string
	State        types.LifecycleState
	BuildTime    time.Time
	Stamp        float64
	Path         string
	Encrypted    bool
	Files        int
	SizeExcluded int
	ArchiveBytes int64
	Delivery     storage.Delivery
}

// Job is one backup job instance. Its operations run sequentially; a Job
// must not be shared between goroutines.
type Job struct {
	name   string
	cfg    config.JobConfig
	opts   Options
	deps   Deps
	logger *logging.Logger
	runID  string

	target      config.Target
	compression types.CompressionType

	state        types.LifecycleState
	selection    *backup.Selection
	buildTime    time.Time
	stamp        float64
	path         string
	encrypted    bool
	archiveBytes int64
	delivery     storage.Delivery

	scratch  string
	restored string
}

// NewJob creates a job in the Configured state.
func NewJob(cfg config.JobConfig, opts Options, deps Deps) (*Job, error) {
	if deps.Selector == nil || deps.Builder == nil || deps.Crypto == nil || deps.Transfer == nil || deps.Ledger == nil {
		return nil, types.NewError(types.KindConfig, "new job", errors.New("missing collaborator")).WithJob(cfg.Name)
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetDefaultLogger()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	j := &Job{
		name:        cfg.Name,
		cfg:         cfg,
		opts:        opts,
		deps:        deps,
		logger:      deps.Logger,
		runID:       uuid.NewString(),
		target:      cfg.Target,
		compression: cfg.Compression,
		state:       types.StateConfigured,
	}
	if opts.Target != nil {
		if err := config.ValidateTarget(*opts.Target); err != nil {
			return nil, types.NewError(types.KindConfig, "target override", err).WithJob(cfg.Name)
		}
		j.target = *opts.Target
	}
	if opts.Compression != "" {
		j.compression = opts.Compression
	}
	if j.compression == "" {
		j.compression = types.DefaultCompression
	}
	if !j.compression.Valid() {
		return nil, types.NewError(types.KindConfig, "compression", fmt.Errorf("unsupported compression %q", j.compression)).WithJob(cfg.Name)
	}
	return j, nil
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// RunID identifies this job instance in logs.
func (j *Job) RunID() string { return j.runID }

// State returns the lifecycle state.
func (j *Job) State() types.LifecycleState { return j.state }

// Target returns the effective target.
func (j *Job) Target() config.Target { return j.target }

// Path returns the current archive location.
func (j *Job) Path() string { return j.path }

// BuildTime returns the build time recorded for this run.
func (j *Job) BuildTime() time.Time { return j.buildTime }

// Selection returns the last file selection, or nil.
func (j *Job) Selection() *backup.Selection { return j.selection }

func (j *Job) fail(err error) error {
	var te *types.Error
	if errors.As(err, &te) && te.Job == "" {
		te.Job = j.name
	}
	return err
}

func (j *Job) stateError(op string, want types.LifecycleState) error {
	return types.NewError(types.KindConfig, op, fmt.Errorf("%w: %s requires %s, job is %s", ErrInvalidState, op, want, j.state)).WithJob(j.name)
}

// SelectFiles runs the file selector and refreshes the build time to now.
// It may be called again to start a new run.
func (j *Job) SelectFiles(ctx context.Context) error {
	j.logger.Step("%s: selecting files", j.name)
	sel, err := j.deps.Selector.Select(ctx, j.cfg.Sources, j.cfg.InputFiles)
	if err != nil {
		return j.fail(err)
	}
	j.selection = sel
	j.buildTime = j.deps.Now()
	j.stamp = stamps.FromTime(j.buildTime)
	j.path = ""
	j.encrypted = false
	j.archiveBytes = 0
	j.delivery = storage.Delivery{}
	j.state = types.StateFilesSelected
	j.logger.Debug("%s: %d files selected, %d excluded by size (run %s)", j.name, len(sel.Files), len(sel.SizeExcluded), j.runID)
	return nil
}

// SetBuildTime pins the build time of the current run.
func (j *Job) SetBuildTime(t time.Time) error {
	return j.SetStamp(stamps.FromTime(t))
}

// SetStamp pins the build time of the current run to an epoch stamp, as
// the scheduler does with trigger stamps. The ledger receives exactly
// this value on delivery.
func (j *Job) SetStamp(stamp float64) error {
	if j.state != types.StateFilesSelected {
		return j.stateError("set build time", types.StateFilesSelected)
	}
	j.stamp = stamp
	j.buildTime = stamps.Time(stamp)
	return nil
}

// Build writes the archive and passes it through the crypto gate. When
// encryption fails the plaintext archive stays in place and the job stays
// in FilesSelected.
func (j *Job) Build(ctx context.Context) (err error) {
	if j.state != types.StateFilesSelected {
		return j.stateError("build", types.StateFilesSelected)
	}
	done := logging.DebugStart(j.logger, "job build", "%s (run %s)", j.name, j.runID)
	defer func() { done(err) }()

	if j.deps.Preflight != nil {
		estimate := j.selection.TotalSize()
		if res := j.deps.Preflight.CheckDiskSpaceForEstimate(estimate); !res.Passed {
			return types.NewError(types.KindArchive, "disk space", res.Err()).WithJob(j.name).WithPath(j.cfg.ArchivePath)
		}
	}

	j.logger.Step("%s: building archive", j.name)
	path, err := j.deps.Builder.Build(ctx, j.cfg.ArchivePath, j.selection.Files, j.buildTime, j.compression)
	if err != nil {
		return j.fail(err)
	}
	j.path = path
	j.writeReport(path)

	if j.opts.NoEncrypt {
		if j.deps.Crypto.Configured() {
			j.logger.Skip("%s: encryption disabled for this run", j.name)
		}
	} else {
		res, err := j.deps.Crypto.Encrypt(ctx, path, j.opts.KeepPlaintext)
		if err != nil {
			return j.fail(err)
		}
		j.path = res.Path
		j.encrypted = res.Encrypted
	}

	if info, statErr := os.Stat(j.path); statErr == nil {
		j.archiveBytes = info.Size()
	}
	j.state = types.StateBuilt
	return nil
}

// writeReport writes "<archive_path>.log". Failures are only logged.
func (j *Job) writeReport(archivePath string) {
	report := backup.NewReport(j.selection, archivePath)
	if err := report.WriteFile(j.cfg.ArchivePath + ".log"); err != nil {
		j.logger.Warning("%s: cannot write report: %v", j.name, err)
	}
}

func (j *Job) keep() bool {
	if j.opts.Keep != nil {
		return *j.opts.Keep
	}
	return j.cfg.KeepLocal()
}

// Deliver hands the archive to the transfer agent and, only once that
// succeeded, records the build time in the ledger. A failed ledger write
// is logged; the delivery still counts.
func (j *Job) Deliver(ctx context.Context) (err error) {
	if j.state != types.StateBuilt {
		return j.stateError("deliver", types.StateBuilt)
	}
	done := logging.DebugStart(j.logger, "job deliver", "%s (run %s)", j.name, j.runID)
	defer func() { done(err) }()

	j.logger.Step("%s: delivering %s", j.name, j.path)
	d, err := j.deps.Transfer.Deliver(ctx, j.path, j.target, storage.DeliverOptions{
		Keep:   j.keep(),
		Mirror: j.deps.Mirror,
	})
	if err != nil {
		return j.fail(err)
	}
	j.delivery = d
	j.state = types.StateDelivered

	if err := j.deps.Ledger.Record(j.name, j.stamp); err != nil {
		j.logger.Warning("%s: delivered but the stamp was not persisted: %v", j.name, err)
	}
	j.logger.Info("%s: archive at %s", j.name, d.Location)
	return nil
}

// IsDue reports whether a run stamped ts would be newer than the last
// recorded delivery.
func (j *Job) IsDue(ts float64) bool {
	return IsDue(j.deps.Ledger, j.name, ts)
}

// IsDue reports whether ts is strictly newer than the stamp recorded for
// job in ledger.
func IsDue(ledger Ledger, job string, ts float64) bool {
	return ts > ledger.Lookup(job)
}

// Run performs a whole backup: select, build, deliver. A non-zero stamp
// replaces the selection time as build time. With a Preflight the job
// lock is held for the whole run.
func (j *Job) Run(ctx context.Context, stamp float64) (Summary, error) {
	j.logger.Phase("%s: backup run", j.name)
	if j.deps.Preflight != nil {
		if _, err := j.deps.Preflight.RunPreflight(); err != nil {
			return j.Summary(), types.NewError(types.KindArchive, "preflight", err).WithJob(j.name).WithPath(j.cfg.ArchivePath)
		}
		defer func() {
			if err := j.deps.Preflight.ReleaseLock(); err != nil {
				j.logger.Warning("%s: %v", j.name, err)
			}
		}()
	}
	if err := j.SelectFiles(ctx); err != nil {
		return j.Summary(), err
	}
	if stamp != 0 {
		if err := j.SetStamp(stamp); err != nil {
			return j.Summary(), err
		}
	}
	if err := j.Build(ctx); err != nil {
		return j.Summary(), err
	}
	if err := j.Deliver(ctx); err != nil {
		return j.Summary(), err
	}
	return j.Summary(), nil
}

// Summary reports the current run.
func (j *Job) Summary() Summary {
	s := Summary{
		Job:          j.name,
		RunID:        j.runID,
		State:        j.state,
		BuildTime:    j.buildTime,
		Stamp:        j.stamp,
		Path:         j.path,
		Encrypted:    j.encrypted,
		ArchiveBytes: j.archiveBytes,
		Delivery:     j.delivery,
	}
	if j.selection != nil {
		s.Files = len(j.selection.Files)
		s.SizeExcluded = len(j.selection.SizeExcluded)
	}
	return s
}
