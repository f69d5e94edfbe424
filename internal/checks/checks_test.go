package checks

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

func newTestChecker(t *testing.T, mutate func(*CheckerConfig)) (*Checker, *CheckerConfig) {
	t.Helper()
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	cfg := &CheckerConfig{
		ArchiveDir:   filepath.Join(t.TempDir(), "archives"),
		MaxLockAge:   time.Hour,
		SafetyFactor: 1,
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return NewChecker(logger, cfg), cfg
}

func TestValidate(t *testing.T) {
	cfg := &CheckerConfig{ArchiveDir: "/srv/archives", MaxLockAge: time.Minute}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/srv/archives/.rcbackup.lock", cfg.LockFilePath)

	assert.Error(t, (&CheckerConfig{MaxLockAge: time.Minute}).Validate())
	assert.Error(t, (&CheckerConfig{ArchiveDir: "/x"}).Validate())
	assert.Error(t, (&CheckerConfig{ArchiveDir: "/x", MaxLockAge: time.Minute, SafetyFactor: -1}).Validate())
}

func TestPreflightCreatesDirAndLock(t *testing.T) {
	checker, cfg := newTestChecker(t, nil)

	results, err := checker.RunPreflight()
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.DirExists(t, cfg.ArchiveDir)
	assert.FileExists(t, cfg.LockFilePath)

	data, err := os.ReadFile(cfg.LockFilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pid=")

	require.NoError(t, checker.ReleaseLock())
	assert.NoFileExists(t, cfg.LockFilePath)
	require.NoError(t, checker.ReleaseLock())
}

func TestFreshLockBlocksSecondRun(t *testing.T) {
	first, cfg := newTestChecker(t, nil)
	require.True(t, first.CheckArchiveDir().Passed)
	require.True(t, first.CheckLockFile().Passed)

	second := NewChecker(first.logger, cfg)
	result := second.CheckLockFile()
	assert.False(t, result.Passed)
	assert.Equal(t, "LOCKED", result.Code)
	assert.ErrorIs(t, result.Err(), ErrLocked)

	require.NoError(t, second.ReleaseLock())
	assert.FileExists(t, cfg.LockFilePath, "a failed check must not remove the holder's lock")
}

func TestStaleLockIsReplaced(t *testing.T) {
	checker, cfg := newTestChecker(t, nil)
	require.NoError(t, os.MkdirAll(cfg.ArchiveDir, 0o755))
	require.NoError(t, os.WriteFile(cfg.LockFilePath, []byte("pid=1\n"), 0o640))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(cfg.LockFilePath, old, old))

	result := checker.CheckLockFile()
	require.True(t, result.Passed, result.Message)
	data, err := os.ReadFile(cfg.LockFilePath)
	require.NoError(t, err)
	assert.NotEqual(t, "pid=1\n", string(data))
}

func TestArchiveDirIORetry(t *testing.T) {
	checker, _ := newTestChecker(t, nil)
	attempts := 0
	orig := createTestFile
	createTestFile = func(string) (*os.File, error) {
		attempts++
		return nil, &os.PathError{Op: "open", Path: "x", Err: syscall.EIO}
	}
	t.Cleanup(func() { createTestFile = orig })

	result := checker.CheckArchiveDir()
	assert.False(t, result.Passed)
	assert.Equal(t, "FS_IO_ERROR", result.Code)
	assert.Equal(t, 3, attempts)
}

func TestArchiveDirReadOnly(t *testing.T) {
	checker, _ := newTestChecker(t, nil)
	orig := createTestFile
	createTestFile = func(string) (*os.File, error) {
		return nil, &os.PathError{Op: "open", Path: "x", Err: syscall.EROFS}
	}
	t.Cleanup(func() { createTestFile = orig })

	_, err := checker.RunPreflight()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLocked))
}

func TestDiskSpaceForEstimate(t *testing.T) {
	checker, _ := newTestChecker(t, func(c *CheckerConfig) {
		c.MinFreeBytes = 1 << 20
		c.SafetyFactor = 1.5
	})
	orig := availableBytes
	t.Cleanup(func() { availableBytes = orig })
	availableBytes = func(string) (int64, error) { return 10 << 20, nil }

	assert.True(t, checker.CheckDiskSpaceForEstimate(4<<20).Passed)
	assert.True(t, checker.CheckDiskSpaceForEstimate(0).Passed)

	result := checker.CheckDiskSpaceForEstimate(8 << 20)
	assert.False(t, result.Passed)
	assert.Equal(t, "DISK_SPACE_LOW", result.Code)

	availableBytes = func(string) (int64, error) { return 0, syscall.ENOENT }
	assert.False(t, checker.CheckDiskSpaceForEstimate(1).Passed)
}

func TestDiskSpaceDisabled(t *testing.T) {
	checker, _ := newTestChecker(t, func(c *CheckerConfig) { c.SafetyFactor = 0 })
	result := checker.CheckDiskSpaceForEstimate(1 << 40)
	assert.True(t, result.Passed)
}
