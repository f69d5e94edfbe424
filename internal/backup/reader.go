package backup

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"

	"github.com/tis24dev/rcbackup/internal/command"
	"github.com/tis24dev/rcbackup/internal/types"
)

var (
	// ErrMemberNotFound is returned when an archive has no member of the requested name.
	ErrMemberNotFound = errors.New("member not found in archive")
	// ErrNotRegular is returned when asked to extract a member that is not a regular file.
	ErrNotRegular = errors.New("member is not a regular file")
	// ErrNoStamp is returned for archives without an archive_stamp member.
	ErrNoStamp = errors.New("archive has no stamp member")
)

// Member describes one entry of an archive.
type Member struct {
	Name    string
	Size    int64
	Regular bool
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		errs = append(errs, m[i].Close())
	}
	return errors.Join(errs...)
}

// openArchive returns a tar reader over path, choosing the decompressor
// from the file suffix. 7z archives must be unpacked first.
func openArchive(path string) (*tar.Reader, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	closers := multiCloser{file}
	var r io.Reader = bufio.NewReader(file)

	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(r)
		if err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		closers = append(closers, gz)
		r = gz
	case strings.HasSuffix(path, ".tar.bz2"):
		r = bzip2.NewReader(r)
	case strings.HasSuffix(path, ".tar"):
	default:
		file.Close()
		return nil, nil, fmt.Errorf("unsupported archive %s", filepath.Base(path))
	}
	return tar.NewReader(r), closers, nil
}

// ListMembers returns every member of the archive in stored order.
func ListMembers(archivePath string) ([]Member, error) {
	tr, closer, err := openArchive(archivePath)
	if err != nil {
		return nil, types.NewError(types.KindArchive, "open", err).WithPath(archivePath)
	}
	defer closer.Close()

	var members []Member
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return members, nil
		}
		if err != nil {
			return members, types.NewError(types.KindArchive, "list", err).WithPath(archivePath)
		}
		members = append(members, Member{
			Name:    hdr.Name,
			Size:    hdr.Size,
			Regular: hdr.Typeflag == tar.TypeReg,
		})
	}
}

// FindMembers returns the names of members matching pattern, tested against
// the member basename or, with fullPath, the whole member name.
func FindMembers(archivePath string, pattern *regexp.Regexp, fullPath bool) ([]string, error) {
	members, err := ListMembers(archivePath)
	if err != nil {
		return nil, err
	}
	var found []string
	for _, m := range members {
		if m.Name == StampMemberName {
			continue
		}
		subject := path.Base(strings.TrimSuffix(m.Name, "/"))
		if fullPath {
			subject = m.Name
		}
		if pattern.MatchString(subject) {
			found = append(found, m.Name)
		}
	}
	return found, nil
}

// ExtractMember writes one regular-file member below dir and returns the
// path it was written to. A leading "/" on member is ignored.
func ExtractMember(archivePath, member, dir string) (string, error) {
	want := MemberName(member)
	dest := filepath.Join(dir, filepath.FromSlash(want))
	if rel, err := filepath.Rel(dir, dest); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", types.NewError(types.KindArchive, "extract", fmt.Errorf("member %q escapes %s", member, dir))
	}

	tr, closer, err := openArchive(archivePath)
	if err != nil {
		return "", types.NewError(types.KindArchive, "open", err).WithPath(archivePath)
	}
	defer closer.Close()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", types.NewError(types.KindArchive, "extract", fmt.Errorf("%s: %w", want, ErrMemberNotFound)).WithPath(archivePath)
		}
		if err != nil {
			return "", types.NewError(types.KindArchive, "extract", err).WithPath(archivePath)
		}
		if MemberName(hdr.Name) != want {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			return "", types.NewError(types.KindArchive, "extract", fmt.Errorf("%s: %w", want, ErrNotRegular)).WithPath(archivePath)
		}
		if err := writeMember(tr, hdr, dest); err != nil {
			return "", types.NewError(types.KindArchive, "extract", err).WithPath(dest)
		}
		return dest, nil
	}
}

func writeMember(r io.Reader, hdr *tar.Header, dest string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".extract-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = io.CopyN(tmp, r, hdr.Size); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, hdr.FileInfo().Mode().Perm()); err != nil {
		return err
	}
	_ = os.Chtimes(tmpName, hdr.ModTime, hdr.ModTime)
	return os.Rename(tmpName, dest)
}

// ReadArchiveStamp returns the build time embedded in the archive.
func ReadArchiveStamp(archivePath string) (float64, error) {
	tr, closer, err := openArchive(archivePath)
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return 0, ErrNoStamp
		}
		if err != nil {
			return 0, err
		}
		if hdr.Name != StampMemberName {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, 4096))
		if err != nil {
			return 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) == 0 {
			return 0, ErrNoStamp
		}
		return strconv.ParseFloat(fields[0], 64)
	}
}

// Unpack turns a 7z archive back into the tar it wraps, writing it next to
// the input. Other archives are returned unchanged.
func (a *Archiver) Unpack(ctx context.Context, archivePath string) (string, error) {
	if !strings.HasSuffix(archivePath, ".7z") {
		return archivePath, nil
	}
	dir := filepath.Dir(archivePath)
	res, err := a.runner.Run(ctx, command.Command{
		Name: a.sevenZip,
		Args: []string{"x", "-y", "-o" + dir, archivePath},
	})
	if err != nil {
		a.logStderr("7z", res.Stderr)
		return "", types.NewError(types.KindCompression, "unpack", &CompressionError{Algorithm: "7z", Err: err}).WithPath(archivePath)
	}
	tarPath := strings.TrimSuffix(archivePath, ".7z")
	if _, err := os.Stat(tarPath); err != nil {
		return "", types.NewError(types.KindArchive, "unpack", err).WithPath(tarPath)
	}
	return tarPath, nil
}
