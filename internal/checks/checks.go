// Package checks runs the preflight checks of a backup job: the archive
// directory is writable, no other run holds the job lock, and the disk
// has room for the archive.
package checks

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

// ErrLocked is returned when another run holds a fresh lock on the job.
var ErrLocked = errors.New("another run of this job is in progress")

var (
	osStat         = os.Stat
	osRemove       = os.Remove
	osOpenFile     = os.OpenFile
	osMkdirAll     = os.MkdirAll
	createTestFile = os.Create
	syncFile       = func(f *os.File) error { return f.Sync() }
	availableBytes = diskAvailable
)

// CheckerConfig holds the preflight settings of one job.
type CheckerConfig struct {
	ArchiveDir   string
	LockFilePath string
	MaxLockAge   time.Duration
	// MinFreeBytes is the floor of free space required before a build.
	MinFreeBytes int64
	// SafetyFactor multiplies the selected size into the space estimate.
	SafetyFactor float64
}

// Validate checks the configuration and fills the lock path.
func (c *CheckerConfig) Validate() error {
	if c.ArchiveDir == "" {
		return fmt.Errorf("archive directory cannot be empty")
	}
	if c.LockFilePath == "" {
		c.LockFilePath = filepath.Join(c.ArchiveDir, ".rcbackup.lock")
	}
	if c.MaxLockAge <= 0 {
		return fmt.Errorf("max lock age must be positive")
	}
	if c.MinFreeBytes < 0 {
		return fmt.Errorf("minimum free space cannot be negative")
	}
	if c.SafetyFactor < 0 {
		return fmt.Errorf("safety factor cannot be negative, got %.2f", c.SafetyFactor)
	}
	return nil
}

// CheckResult holds the result of one check.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
	Error   error
	Code    string
}

// Err returns the failure as an error, or nil when the check passed.
func (r CheckResult) Err() error {
	if r.Passed {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return errors.New(r.Message)
}

// Checker performs the preflight checks of one job.
type Checker struct {
	logger *logging.Logger
	config *CheckerConfig
	locked bool
}

// NewChecker creates a checker. config must have passed Validate.
func NewChecker(logger *logging.Logger, config *CheckerConfig) *Checker {
	return &Checker{logger: logger, config: config}
}

// RunPreflight checks the archive directory and then takes the lock. The
// lock is only taken once the directory is known to be writable.
func (c *Checker) RunPreflight() ([]CheckResult, error) {
	var results []CheckResult

	dirResult := c.CheckArchiveDir()
	results = append(results, dirResult)
	if !dirResult.Passed {
		return results, fmt.Errorf("archive directory check failed: %w", dirResult.Err())
	}

	lockResult := c.CheckLockFile()
	results = append(results, lockResult)
	if !lockResult.Passed {
		return results, fmt.Errorf("lock file check failed: %w", lockResult.Err())
	}
	return results, nil
}

// CheckArchiveDir creates the archive directory when needed and verifies
// it accepts new files. EIO is retried a few times.
func (c *Checker) CheckArchiveDir() CheckResult {
	result := CheckResult{Name: "Archive Directory", Code: "ARCHIVE_DIR_CHECK"}
	dir := c.config.ArchiveDir

	if err := osMkdirAll(dir, 0o755); err != nil {
		result.Error = fmt.Errorf("cannot create %s: %w", dir, err)
		result.Message = result.Error.Error()
		return result
	}

	const maxAttempts = 3
	const retryDelay = 100 * time.Millisecond
	testFile := filepath.Join(dir, fmt.Sprintf(".permission_test_%d", os.Getpid()))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		f, err := createTestFile(testFile)
		if err == nil {
			f.Close()
			lastErr = nil
			break
		}
		lastErr = err
		if errors.Is(err, syscall.EIO) && attempt < maxAttempts {
			c.logger.Warning("I/O error while testing write in %s (attempt %d/%d), will retry: %v",
				dir, attempt, maxAttempts, err)
			time.Sleep(retryDelay)
			continue
		}
		break
	}

	if lastErr != nil {
		reason := "failed to test write permission"
		result.Code = "ARCHIVE_DIR_CHECK_FAILED"
		switch {
		case errors.Is(lastErr, os.ErrPermission):
			reason = "no write permission"
			result.Code = "PERMISSION_DENIED"
		case errors.Is(lastErr, syscall.EROFS):
			reason = "filesystem is read-only"
			result.Code = "FS_READONLY"
		case errors.Is(lastErr, syscall.EIO):
			reason = "filesystem I/O error while testing write"
			result.Code = "FS_IO_ERROR"
		}
		result.Error = fmt.Errorf("%s in %s: %w", reason, dir, lastErr)
		result.Message = result.Error.Error()
		return result
	}

	if err := osRemove(testFile); err != nil {
		c.logger.Warning("Failed to remove test file %s: %v", testFile, err)
	}
	result.Passed = true
	result.Message = fmt.Sprintf("%s is writable", dir)
	c.logger.Debug("%s", result.Message)
	return result
}

// CheckLockFile removes a stale lock and creates a new one. A lock younger
// than MaxLockAge fails the check with ErrLocked.
func (c *Checker) CheckLockFile() CheckResult {
	result := CheckResult{Name: "Lock File", Code: "LOCK_CHECK"}
	lockPath := c.config.LockFilePath
	c.logger.Debug("Lock file path: %s", lockPath)

	if info, err := osStat(lockPath); err == nil {
		age := time.Since(info.ModTime())
		if age <= c.config.MaxLockAge {
			result.Code = "LOCKED"
			result.Error = fmt.Errorf("%w (lock %s, age %v)", ErrLocked, lockPath, age.Round(time.Second))
			result.Message = result.Error.Error()
			return result
		}
		c.logger.Warning("Removing stale lock file %s (age: %v)", lockPath, age.Round(time.Second))
		if err := osRemove(lockPath); err != nil && !os.IsNotExist(err) {
			result.Error = fmt.Errorf("failed to remove stale lock: %w", err)
			result.Message = result.Error.Error()
			return result
		}
	}

	f, err := osOpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if os.IsExist(err) {
			result.Code = "LOCKED"
			result.Error = fmt.Errorf("%w (lock %s acquired concurrently)", ErrLocked, lockPath)
		} else {
			result.Error = fmt.Errorf("failed to create lock file: %w", err)
		}
		result.Message = result.Error.Error()
		return result
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	content := fmt.Sprintf("pid=%d\nhost=%s\ntime=%s\n", os.Getpid(), hostname, time.Now().Format(time.RFC3339))
	if _, err := f.WriteString(content); err != nil {
		_ = osRemove(lockPath)
		result.Error = fmt.Errorf("failed to write lock file: %w", err)
		result.Message = result.Error.Error()
		return result
	}
	if err := syncFile(f); err != nil {
		c.logger.Warning("Failed to sync lock file %s: %v", lockPath, err)
	}

	c.locked = true
	result.Passed = true
	result.Message = "Lock file acquired"
	c.logger.Debug("%s: %s", result.Message, lockPath)
	return result
}

// ReleaseLock removes the lock taken by CheckLockFile. It is a no-op when
// this checker holds no lock.
func (c *Checker) ReleaseLock() error {
	if !c.locked {
		return nil
	}
	c.locked = false
	if err := osRemove(c.config.LockFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	c.logger.Debug("Lock file released: %s", c.config.LockFilePath)
	return nil
}

// CheckDiskSpaceForEstimate verifies the archive directory has room for
// max(MinFreeBytes, estimated*SafetyFactor) bytes.
func (c *Checker) CheckDiskSpaceForEstimate(estimated int64) CheckResult {
	result := CheckResult{Name: "Disk Space (Estimated)", Code: "DISK_SPACE"}

	required := int64(math.Max(float64(c.config.MinFreeBytes), float64(estimated)*c.config.SafetyFactor))
	if required <= 0 {
		result.Passed = true
		result.Message = "Disk space check disabled"
		return result
	}

	available, err := availableBytes(c.config.ArchiveDir)
	if err != nil {
		result.Error = fmt.Errorf("disk space check failed (%s): %w", c.config.ArchiveDir, err)
		result.Message = result.Error.Error()
		return result
	}
	c.logger.Debug("%s: %s available, %s required", c.config.ArchiveDir,
		utils.FormatBytes(available), utils.FormatBytes(required))
	if available < required {
		result.Code = "DISK_SPACE_LOW"
		result.Error = fmt.Errorf("disk space insufficient on %s: %s available, %s required (%s selected x %.1f)",
			c.config.ArchiveDir, utils.FormatBytes(available), utils.FormatBytes(required),
			utils.FormatBytes(estimated), c.config.SafetyFactor)
		result.Message = result.Error.Error()
		return result
	}

	result.Passed = true
	result.Message = fmt.Sprintf("Sufficient disk space for %s", utils.FormatBytes(required))
	return result
}

func diskAvailable(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
