package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/tis24dev/rcbackup/internal/command"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/stamps"
	"github.com/tis24dev/rcbackup/internal/types"
)

// StampMemberName is the synthetic first member recording the build time.
const StampMemberName = "archive_stamp"

// ArchiverConfig holds the external tool locations used by Archiver.
type ArchiverConfig struct {
	SevenZipPath string
	Bzip2Path    string
}

// CompressionError reports a failed external codec run.
type CompressionError struct {
	Algorithm string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s compression failed: %v", e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// Archiver builds tar archives from a selection.
type Archiver struct {
	logger   *logging.Logger
	runner   command.Runner
	sevenZip string
	bzip2    string
}

// NewArchiver creates a new archiver.
func NewArchiver(logger *logging.Logger, runner command.Runner, cfg ArchiverConfig) *Archiver {
	a := &Archiver{
		logger:   logger,
		runner:   runner,
		sevenZip: cfg.SevenZipPath,
		bzip2:    cfg.Bzip2Path,
	}
	if a.runner == nil {
		a.runner = command.NewExecRunner()
	}
	if a.sevenZip == "" {
		a.sevenZip = "7z"
	}
	if a.bzip2 == "" {
		a.bzip2 = "bzip2"
	}
	return a
}

// OutputPath returns the archive path Build produces for base and comp.
func OutputPath(base string, comp types.CompressionType) string {
	return base + comp.Extension()
}

// Build writes files into a new archive next to base and returns its path.
// An existing archive at the destination is first moved to a ".old"
// sibling; a failed build leaves that sibling in place.
func (a *Archiver) Build(ctx context.Context, base string, files []string, buildTime time.Time, comp types.CompressionType) (path string, err error) {
	if !comp.Valid() {
		return "", types.NewError(types.KindArchive, "build", fmt.Errorf("unsupported compression %q", comp))
	}
	output := OutputPath(base, comp)
	container := output
	if comp.External() {
		container = base + ".tar"
	}

	done := logging.DebugStart(a.logger, "build archive", "%s (%d paths, compression %s)", output, len(files), comp)
	defer func() { done(err) }()

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return "", types.NewError(types.KindArchive, "create output directory", err).WithPath(output)
	}
	a.rotate(output)

	a.logger.Info("Making tarball %s", filepath.Base(output))
	switch comp {
	case types.CompressionGzip:
		err = a.writeGzip(ctx, container, files, buildTime)
	case types.CompressionBzip2:
		err = a.writeBzip2(ctx, container, files, buildTime)
	default:
		err = a.writeFile(container, func(w io.Writer) error {
			return a.writeTar(ctx, w, files, buildTime)
		})
	}
	if err != nil {
		_ = os.Remove(container)
		var compErr *CompressionError
		if errors.As(err, &compErr) {
			return "", types.NewError(types.KindCompression, "compress", err).WithPath(container)
		}
		return "", types.NewError(types.KindArchive, "write", err).WithPath(container)
	}

	if comp.External() {
		if err := a.sevenZipContainer(ctx, container, output); err != nil {
			return "", types.NewError(types.KindCompression, "compress", err).WithPath(output)
		}
	}
	return output, nil
}

// rotate moves an existing archive to its ".old" sibling. Failure is only
// logged; the new build goes ahead.
func (a *Archiver) rotate(output string) {
	old := output + ".old"
	if err := os.Rename(output, old); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			a.logger.Warning("Cannot keep a copy of the previous archive %s: %v", output, err)
		}
		return
	}
	a.logger.Debug("Previous archive moved to %s", old)
}

func (a *Archiver) writeFile(path string, write func(io.Writer) error) (err error) {
	outFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := outFile.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close output file: %w", cerr)
		}
	}()
	if err := write(outFile); err != nil {
		return err
	}
	return outFile.Sync()
}

func (a *Archiver) writeGzip(ctx context.Context, path string, files []string, buildTime time.Time) error {
	return a.writeFile(path, func(w io.Writer) error {
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if err := a.writeTar(ctx, gzWriter, files, buildTime); err != nil {
			gzWriter.Close()
			return err
		}
		return gzWriter.Close()
	})
}

// writeBzip2 streams the tar through the external bzip2 binary.
func (a *Archiver) writeBzip2(ctx context.Context, path string, files []string, buildTime time.Time) error {
	return a.writeFile(path, func(w io.Writer) error {
		pr, pw := io.Pipe()
		tarErr := make(chan error, 1)
		go func() {
			err := a.writeTar(ctx, pw, files, buildTime)
			pw.CloseWithError(err)
			tarErr <- err
		}()

		res, runErr := a.runner.Run(ctx, command.Command{
			Name:   a.bzip2,
			Args:   []string{"-9", "-c"},
			Stdin:  pr,
			Stdout: w,
		})
		// Unblock the tar writer if bzip2 stopped reading early.
		pr.CloseWithError(io.ErrClosedPipe)

		if err := <-tarErr; err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return err
		}
		if runErr != nil {
			a.logStderr("bzip2", res.Stderr)
			return &CompressionError{Algorithm: "bzip2", Err: runErr}
		}
		return nil
	})
}

// sevenZipContainer compresses container into output with the external 7z
// tool. On success the container and any ".old" sibling are removed; on
// failure the partial output is removed and the ".old" sibling is kept.
func (a *Archiver) sevenZipContainer(ctx context.Context, container, output string) error {
	partial, err := filepath.Abs(output + ".partial")
	if err != nil {
		return &CompressionError{Algorithm: "7z", Err: err}
	}
	_ = os.Remove(partial)

	// Run from the container's directory so 7z stores a bare file name.
	a.logger.Info("Compressing %s with 7z", filepath.Base(container))
	res, err := a.runner.Run(ctx, command.Command{
		Name: a.sevenZip,
		Args: []string{"a", "-t7z", "-mx9", partial, filepath.Base(container)},
		Dir:  filepath.Dir(container),
	})
	if err != nil {
		a.logStderr("7z", res.Stderr)
		_ = os.Remove(partial)
		return &CompressionError{Algorithm: "7z", Err: err}
	}
	if err := os.Rename(partial, output); err != nil {
		_ = os.Remove(partial)
		return &CompressionError{Algorithm: "7z", Err: err}
	}

	if err := os.Remove(container); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.logger.Warning("Cannot remove intermediate %s: %v", container, err)
	}
	if err := os.Remove(output + ".old"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.logger.Warning("Cannot remove %s.old: %v", output, err)
	}
	return nil
}

func (a *Archiver) logStderr(tool, stderr string) {
	tag := strings.ToUpper(tool)
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if line != "" {
			a.logger.Warning("[%s] %s", tag, line)
		}
	}
}

// StampContent renders the archive stamp member body.
func StampContent(buildTime time.Time) string {
	return fmt.Sprintf("%f\t\t%s\n", stamps.FromTime(buildTime), buildTime.Format(stamps.DateLayout))
}

func (a *Archiver) writeTar(ctx context.Context, w io.Writer, files []string, buildTime time.Time) error {
	tw := tar.NewWriter(w)

	stamp := StampContent(buildTime)
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     StampMemberName,
		Mode:     0o644,
		Size:     int64(len(stamp)),
		ModTime:  buildTime,
		Format:   tar.FormatPAX,
	}); err != nil {
		return fmt.Errorf("failed to write archive stamp: %w", err)
	}
	if _, err := io.WriteString(tw, stamp); err != nil {
		return fmt.Errorf("failed to write archive stamp: %w", err)
	}

	for _, path := range files {
		if err := a.addPath(ctx, tw, path); err != nil {
			return err
		}
	}
	return tw.Close()
}

// skippable reports per-member failures that drop the member instead of
// failing the archive.
func skippable(err error) bool {
	return errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist)
}

// addPath adds path to the archive, recursing into directories.
func (a *Archiver) addPath(ctx context.Context, tw *tar.Writer, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if skippable(err) {
			a.logger.Warning("Skipping %s: %v", path, err)
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return a.addEntry(ctx, tw, path, info)
	}

	return filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if skippable(walkErr) {
				a.logger.Warning("Skipping %s: %v", p, walkErr)
				if d != nil && d.IsDir() && p != path {
					return filepath.SkipDir
				}
				return nil
			}
			return walkErr
		}
		entryInfo, err := d.Info()
		if err != nil {
			if skippable(err) {
				a.logger.Warning("Skipping %s: %v", p, err)
				return nil
			}
			return err
		}
		return a.addEntry(ctx, tw, p, entryInfo)
	})
}

// MemberName is the name a filesystem path gets inside the archive: cleaned,
// slash separated, without a leading "/".
func MemberName(path string) string {
	name := filepath.ToSlash(filepath.Clean(path))
	return strings.TrimLeft(name, "/")
}

// addEntry writes a single header (and content for regular files).
// Symlinks are stored as links, not followed.
func (a *Archiver) addEntry(ctx context.Context, tw *tar.Writer, path string, info fs.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var linkTarget string
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			if skippable(err) {
				a.logger.Warning("Skipping symlink %s: %v", path, err)
				return nil
			}
			return fmt.Errorf("readlink %s: %w", path, err)
		}
		linkTarget = target
	}

	// Open before writing the header so an unreadable file leaves no trace.
	var file *os.File
	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			if skippable(err) {
				a.logger.Warning("Skipping %s: %v", path, err)
				return nil
			}
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		file = f
	}

	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		a.logger.Warning("Skipping %s: %v", path, err)
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		header.Uid = int(stat.Uid)
		header.Gid = int(stat.Gid)
	}
	header.Format = tar.FormatPAX
	header.Name = MemberName(path)
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", path, err)
	}
	if file != nil {
		if _, err := io.CopyN(tw, file, header.Size); err != nil {
			return fmt.Errorf("failed to write %s to archive: %w", path, err)
		}
	}
	a.logger.Debug("Added %s", header.Name)
	return nil
}
