package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tis24dev/rcbackup/internal/logging"
)

type sftpSession struct {
	logger *logging.Logger
	target string
	ssh    *ssh.Client
	sftp   *sftp.Client
}

func (s *sftpSession) copyErr(msg string, err error) error {
	return &TransferError{Stage: StageCopy, Target: s.target, Message: msg, Err: err}
}

// Put uploads to a ".partial" name and renames it over remotePath, so a
// reader never sees a half-written archive.
func (s *sftpSession) Put(ctx context.Context, localPath, remotePath string) (err error) {
	src, err := os.Open(localPath)
	if err != nil {
		return s.copyErr("open "+localPath, err)
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := s.sftp.MkdirAll(dir); err != nil {
			return s.copyErr("create remote directory "+dir, err)
		}
	}

	partial := remotePath + ".partial"
	dst, err := s.sftp.Create(partial)
	if err != nil {
		return s.copyErr("create "+partial, err)
	}
	defer func() {
		if err != nil {
			_ = s.sftp.Remove(partial)
		}
	}()

	if _, err = io.Copy(dst, ctxReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		return s.copyErr("upload "+remotePath, err)
	}
	if err = dst.Close(); err != nil {
		return s.copyErr("close "+partial, err)
	}
	if err = s.rename(partial, remotePath); err != nil {
		return s.copyErr("rename "+partial, err)
	}
	s.logger.Debug("Uploaded %s to %s:%s", filepath.Base(localPath), s.target, remotePath)
	return nil
}

func (s *sftpSession) rename(from, to string) error {
	err := s.sftp.PosixRename(from, to)
	if err == nil {
		return nil
	}
	// Servers without the posix-rename extension refuse to overwrite.
	if rmErr := s.sftp.Remove(to); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("%w (remove existing: %v)", err, rmErr)
	}
	return s.sftp.Rename(from, to)
}

// Get downloads remotePath into localPath through a temporary sibling.
func (s *sftpSession) Get(ctx context.Context, remotePath, localPath string) (err error) {
	src, err := s.sftp.Open(remotePath)
	if err != nil {
		return s.copyErr("open remote "+remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return s.copyErr("create "+filepath.Dir(localPath), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".tmp-"+filepath.Base(localPath)+"-")
	if err != nil {
		return s.copyErr("create temporary file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, ctxReader{ctx: ctx, r: src}); err != nil {
		return s.copyErr("download "+remotePath, err)
	}
	if err = tmp.Close(); err != nil {
		return s.copyErr("close "+tmpName, err)
	}
	if err = os.Rename(tmpName, localPath); err != nil {
		return s.copyErr("finalize "+localPath, err)
	}
	return nil
}

// Close ends the SFTP subsystem and the SSH connection.
func (s *sftpSession) Close() error {
	return errors.Join(s.sftp.Close(), s.ssh.Close())
}
