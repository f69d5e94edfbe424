package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

// copyFile copies src to dest through a temporary sibling, then mirrors
// mode and modification time and renames it into place.
func copyFile(ctx context.Context, logger *logging.Logger, src, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sourceInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", src, err)
	}

	destDir := filepath.Dir(dest)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", destDir, err)
	}

	tempFile, err := os.CreateTemp(destDir, fmt.Sprintf(".tmp-%s-", filepath.Base(dest)))
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", destDir, err)
	}
	tempName := tempFile.Name()
	defer func() {
		if tempFile != nil {
			tempFile.Close()
		}
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	start := time.Now()
	sourceFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer sourceFile.Close()

	written, err := io.CopyBuffer(tempFile, ctxReader{ctx: ctx, r: sourceFile}, make([]byte, 1024*1024))
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temporary file %s: %w", tempName, err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempName, err)
	}
	tempFile = nil

	if err := os.Chmod(tempName, sourceInfo.Mode().Perm()); err != nil {
		logger.Debug("Unable to mirror permissions on %s: %v", tempName, err)
	}
	if err := os.Chtimes(tempName, sourceInfo.ModTime(), sourceInfo.ModTime()); err != nil {
		logger.Debug("Unable to mirror timestamps on %s: %v", tempName, err)
	}

	if err := os.Rename(tempName, dest); err != nil {
		return fmt.Errorf("failed to finalize copy to %s: %w", dest, err)
	}
	tempName = ""

	logger.Debug("Copied %s (%s) to %s in %s (avg %s)", filepath.Base(src), utils.FormatBytes(written), dest,
		time.Since(start).Truncate(time.Millisecond), rate(written, time.Since(start)))
	return nil
}

func rate(written int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "n/a"
	}
	return fmt.Sprintf("%s/s", utils.FormatBytes(int64(float64(written)/elapsed.Seconds())))
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
