package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/tis24dev/rcbackup/internal/backup"
	"github.com/tis24dev/rcbackup/internal/checks"
	"github.com/tis24dev/rcbackup/internal/command"
	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/encryption"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/storage"
	"github.com/tis24dev/rcbackup/internal/types"
)

// Selector produces the file selection for a job.
type Selector interface {
	Select(ctx context.Context, rules []config.SourceRule, inputFiles []string) (*backup.Selection, error)
}

// Builder writes archives and turns externally compressed ones back into tar.
type Builder interface {
	Build(ctx context.Context, base string, files []string, buildTime time.Time, comp types.CompressionType) (string, error)
	Unpack(ctx context.Context, archivePath string) (string, error)
}

// Crypto is the crypto gate seen by a job.
type Crypto interface {
	Configured() bool
	Suffix() string
	Encrypt(ctx context.Context, path string, keep bool) (encryption.Result, error)
	Decrypt(ctx context.Context, path string) (string, error)
}

// Transfer delivers archives and fetches them back.
type Transfer interface {
	Deliver(ctx context.Context, localPath string, target config.Target, opts storage.DeliverOptions) (storage.Delivery, error)
	Retrieve(ctx context.Context, target config.Target, name, localDir string) (string, error)
}

// Ledger is the shared record of completed deliveries.
type Ledger interface {
	Lookup(job string) float64
	Record(job string, stamp float64) error
}

// Preflight guards a run with the job lock and a free space check.
type Preflight interface {
	RunPreflight() ([]checks.CheckResult, error)
	CheckDiskSpaceForEstimate(estimated int64) checks.CheckResult
	ReleaseLock() error
}

// Deps are the collaborators a Job drives. Preflight, Mirror and Now are
// optional.
type Deps struct {
	Logger    *logging.Logger
	Selector  Selector
	Builder   Builder
	Crypto    Crypto
	Transfer  Transfer
	Ledger    Ledger
	Preflight Preflight
	Mirror    storage.Mirror
	Now       func() time.Time
}

const defaultLockMaxAge = 24 * time.Hour

// NewDeps wires the production collaborators for job from the global
// settings. The ledger is shared and supplied by the caller.
func NewDeps(ctx context.Context, logger *logging.Logger, settings config.Settings, job config.JobConfig, ledger Ledger) (Deps, error) {
	runner := command.NewExecRunner()
	deps := Deps{
		Logger:   logger,
		Selector: backup.NewCollector(logger, backup.CollectorConfig{ScanTimeout: settings.ScanTimeout}),
		Builder: backup.NewArchiver(logger, runner, backup.ArchiverConfig{
			SevenZipPath: settings.SevenZipPath,
			Bzip2Path:    settings.Bzip2Path,
		}),
		Crypto: encryption.NewGate(logger, runner, encryption.Options{
			Backend:      job.Encryption,
			Recipient:    job.Recipient,
			Passphrase:   job.Passphrase,
			IdentityFile: job.IdentityFile,
			GPGPath:      settings.GPGPath,
		}),
		Transfer: storage.NewAgent(logger, storage.NewSSHDialer(logger, storage.SSHConfigFromSettings(settings.SSH))),
		Ledger:   ledger,
		Now:      time.Now,
	}

	lockAge := settings.LockMaxAge
	if lockAge <= 0 {
		lockAge = defaultLockMaxAge
	}
	checkCfg := &checks.CheckerConfig{
		ArchiveDir:   filepath.Dir(job.ArchivePath),
		LockFilePath: job.ArchivePath + ".lock",
		MaxLockAge:   lockAge,
		MinFreeBytes: int64(settings.MinFreeSpace),
		SafetyFactor: settings.SpaceSafetyFactor,
	}
	if err := checkCfg.Validate(); err != nil {
		return Deps{}, types.NewError(types.KindConfig, "preflight", err).WithJob(job.Name)
	}
	deps.Preflight = checks.NewChecker(logger, checkCfg)

	if job.Mirror != nil {
		mirror, err := storage.NewS3Mirror(ctx, logger, *job.Mirror)
		if err != nil {
			return Deps{}, err
		}
		deps.Mirror = mirror
	}
	return deps, nil
}
