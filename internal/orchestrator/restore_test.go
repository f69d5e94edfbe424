package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/backup"
	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/encryption"
	"github.com/tis24dev/rcbackup/internal/types"
)

func ageGate(t *testing.T, f *fixture) *encryption.Gate {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	identityFile := filepath.Join(t.TempDir(), "key.txt")
	require.NoError(t, os.WriteFile(identityFile, []byte(id.String()+"\n"), 0o600))
	return encryption.NewGate(f.logger, nil, encryption.Options{
		Backend:      types.EncryptionAge,
		Recipient:    id.Recipient().String(),
		IdentityFile: identityFile,
	})
}

func scratchDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), ".rcbackup-restore-") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestEncryptedRoundTripThroughTarget(t *testing.T) {
	f := newFixture(t)
	gate := ageGate(t, f)

	job, err := NewJob(f.jobConf, Options{}, f.deps(gate))
	require.NoError(t, err)
	summary, err := job.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, summary.Encrypted)
	assert.Equal(t, "docs.tar.gz.age", job.ArchiveName())
	assert.FileExists(t, filepath.Join(f.remote, "docs.tar.gz.age"))
	assert.NoFileExists(t, f.jobConf.ArchivePath+".tar.gz")
	assert.NoFileExists(t, f.jobConf.ArchivePath+".tar.gz.age")

	restore, err := NewJob(f.jobConf, Options{}, f.deps(gate))
	require.NoError(t, err)
	defer restore.Close()

	found, err := restore.FindFiles(context.Background(), `^a\.txt$`, false)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, backup.MemberName(filepath.Join(f.src, "a.txt")), found[0])

	out := t.TempDir()
	extracted, err := restore.GetMember(context.Background(), "/"+found[0], out)
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(f.src, "a.txt"))
	require.NoError(t, err)
	got, err := os.ReadFile(extracted)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// the delivered copy is untouched
	assert.FileExists(t, filepath.Join(f.remote, "docs.tar.gz.age"))
	require.Len(t, scratchDirs(t, f.work), 1)
	require.NoError(t, restore.Close())
	assert.Empty(t, scratchDirs(t, f.work))
}

func TestRetrieveDecryptFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	job, err := NewJob(f.jobConf, Options{}, f.deps(ageGate(t, f)))
	require.NoError(t, err)
	_, err = job.Run(context.Background(), 0)
	require.NoError(t, err)

	// a different key cannot open the archive
	restore, err := NewJob(f.jobConf, Options{}, f.deps(ageGate(t, f)))
	require.NoError(t, err)
	defer restore.Close()

	_, err = restore.RetrieveAndUnpack(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, encryption.ErrDecrypt)
	assert.FileExists(t, filepath.Join(f.remote, "docs.tar.gz.age"))
}

func TestRetrieveUsesFreshLocalArchive(t *testing.T) {
	f := newFixture(t)
	keep := true
	f.jobConf.Keep = &keep
	job, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	_, err = job.Run(context.Background(), 0)
	require.NoError(t, err)

	restore, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	defer restore.Close()

	path, err := restore.RetrieveAndUnpack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.jobConf.ArchivePath+".tar.gz", path)
	assert.Empty(t, scratchDirs(t, f.work))
}

func TestRetrieveStaleLocalArchiveFetchesTarget(t *testing.T) {
	f := newFixture(t)
	keep := true
	f.jobConf.Keep = &keep
	job, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	_, err = job.Run(context.Background(), 0)
	require.NoError(t, err)

	// a newer delivery happened elsewhere
	require.NoError(t, f.ledger.Record("DOCS", 1800000000))

	restore, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	defer restore.Close()

	path, err := restore.RetrieveAndUnpack(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, f.jobConf.ArchivePath+".tar.gz", path)
	assert.Equal(t, "docs.tar.gz", filepath.Base(path))
	assert.Len(t, scratchDirs(t, f.work), 1)
}

func TestRetrieveWithoutTargetCopiesFromArchiveDir(t *testing.T) {
	f := newFixture(t)
	f.jobConf.Target = config.Target{}
	f.jobConf.Compression = types.CompressionNone
	job, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	_, err = job.Run(context.Background(), 0)
	require.NoError(t, err)

	restore, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	defer restore.Close()

	// a stale ledger entry forces a fetch
	require.NoError(t, f.ledger.Record("DOCS", 1))
	path, err := restore.RetrieveAndUnpack(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.work, filepath.Base(filepath.Dir(path)), "docs.tar"), path)

	members, err := backup.ListMembers(path)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestFindFilesBadPattern(t *testing.T) {
	f := newFixture(t)
	job, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	_, err = job.FindFiles(context.Background(), "(", false)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfig))
}

func TestRetrieveMissingArchive(t *testing.T) {
	f := newFixture(t)
	job, err := NewJob(f.jobConf, Options{}, f.deps(f.plainGate()))
	require.NoError(t, err)
	defer job.Close()

	_, err = job.GetMember(context.Background(), "a.txt", t.TempDir())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransfer))
}
