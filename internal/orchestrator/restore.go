package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/tis24dev/rcbackup/internal/backup"
	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/storage"
	"github.com/tis24dev/rcbackup/internal/types"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

// ArchiveName is the file name a delivered archive carries at its target.
func (j *Job) ArchiveName() string {
	name := filepath.Base(backup.OutputPath(j.cfg.ArchivePath, j.compression))
	if !j.opts.NoEncrypt && j.deps.Crypto.Configured() {
		name += j.deps.Crypto.Suffix()
	}
	return name
}

// retrievalTarget is where delivered archives of this job live. Without a
// transfer target that is the archive's own directory.
func (j *Job) retrievalTarget() config.Target {
	if storage.Resolve(j.target, j.cfg.ArchivePath) == storage.KindNone {
		return config.Target{Dir: filepath.Dir(j.cfg.ArchivePath)}
	}
	return j.target
}

func sameStamp(a, b float64) bool {
	return strconv.FormatFloat(a, 'f', 6, 64) == strconv.FormatFloat(b, 'f', 6, 64)
}

// freshLocal returns the kept local archive when its embedded stamp is the
// one recorded for the last delivery.
func (j *Job) freshLocal() (string, bool) {
	if j.compression.External() {
		return "", false
	}
	local := backup.OutputPath(j.cfg.ArchivePath, j.compression)
	if !utils.FileExists(local) {
		return "", false
	}
	recorded := j.deps.Ledger.Lookup(j.name)
	if recorded == 0 {
		return "", false
	}
	stamp, err := backup.ReadArchiveStamp(local)
	if err != nil {
		j.logger.Debug("%s: local archive %s has no usable stamp: %v", j.name, local, err)
		return "", false
	}
	return local, sameStamp(stamp, recorded)
}

// RetrieveAndUnpack makes the last delivered archive available locally as
// a readable tar and returns its path. A kept local archive matching the
// ledger is used as is; otherwise the archive is fetched into a scratch
// directory, decrypted and unpacked. Scratch files are removed by Close.
func (j *Job) RetrieveAndUnpack(ctx context.Context) (path string, err error) {
	if j.restored != "" {
		return j.restored, nil
	}
	if local, ok := j.freshLocal(); ok {
		j.logger.Info("%s: using local archive %s", j.name, local)
		j.restored = local
		return local, nil
	}

	if err := j.ensureScratch(); err != nil {
		return "", err
	}
	fetched, err := j.deps.Transfer.Retrieve(ctx, j.retrievalTarget(), j.ArchiveName(), j.scratch)
	if err != nil {
		return "", j.fail(err)
	}
	plain, err := j.deps.Crypto.Decrypt(ctx, fetched)
	if err != nil {
		return "", j.fail(err)
	}
	tarPath, err := j.deps.Builder.Unpack(ctx, plain)
	if err != nil {
		return "", j.fail(err)
	}
	j.restored = tarPath
	return tarPath, nil
}

func (j *Job) ensureScratch() error {
	if j.scratch != "" {
		return nil
	}
	dir := filepath.Join(filepath.Dir(j.cfg.ArchivePath), ".rcbackup-restore-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return types.NewError(types.KindArchive, "create scratch directory", err).WithJob(j.name).WithPath(dir)
	}
	j.scratch = dir
	return nil
}

// FindFiles lists members of the retrieved archive whose basename, or
// whole name with fullPath, matches pattern.
func (j *Job) FindFiles(ctx context.Context, pattern string, fullPath bool) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.NewError(types.KindConfig, "find files", fmt.Errorf("pattern %q: %w", pattern, err)).WithJob(j.name)
	}
	archive, err := j.RetrieveAndUnpack(ctx)
	if err != nil {
		return nil, err
	}
	found, err := backup.FindMembers(archive, re, fullPath)
	if err != nil {
		return nil, j.fail(err)
	}
	return found, nil
}

// GetMember extracts one regular-file member of the retrieved archive
// below dir and returns the written path.
func (j *Job) GetMember(ctx context.Context, member, dir string) (string, error) {
	archive, err := j.RetrieveAndUnpack(ctx)
	if err != nil {
		return "", err
	}
	out, err := backup.ExtractMember(archive, member, dir)
	if err != nil {
		return "", j.fail(err)
	}
	j.logger.Info("%s: extracted %s", j.name, out)
	return out, nil
}

// Close removes the scratch directory used by retrieval.
func (j *Job) Close() error {
	if j.scratch == "" {
		return nil
	}
	err := os.RemoveAll(j.scratch)
	j.scratch = ""
	j.restored = ""
	return err
}
