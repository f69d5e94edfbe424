package security

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

func newSecurityTestLogger() *logging.Logger {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	return logger
}

func stubLookPath(existing map[string]bool) func(string) (string, error) {
	return func(name string) (string, error) {
		if existing[name] {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
}

func containsIssue(result *Result, sev Severity, needle string) bool {
	for _, issue := range result.Issues {
		if issue.Severity == sev && strings.Contains(issue.Message, needle) {
			return true
		}
	}
	return false
}

func baseConfig(t *testing.T) *config.File {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rcbackup.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jobs: []\n"), 0o600))
	return &config.File{
		Path: path,
		Settings: config.Settings{
			Bzip2Path:    "bzip2",
			SevenZipPath: "7z",
			GPGPath:      "gpg",
		},
		Jobs: []config.JobConfig{{
			Name:        "DOCS",
			ArchivePath: filepath.Join(dir, "archives", "docs"),
			Compression: types.CompressionGzip,
			Encryption:  types.EncryptionAge,
		}},
	}
}

func TestResultCounts(t *testing.T) {
	r := &Result{}
	assert.False(t, r.HasErrors())
	r.add(SeverityWarning, "", "w")
	r.add(SeverityError, "DOCS", "e")
	r.add(SeverityWarning, "DOCS", "w2")
	assert.True(t, r.HasErrors())
	assert.Equal(t, 1, r.ErrorCount())
	assert.Equal(t, 2, r.WarningCount())
}

func TestCleanConfigPasses(t *testing.T) {
	cfg := baseConfig(t)
	result, err := Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(nil)})
	require.NoError(t, err)
	assert.Empty(t, result.Issues)
}

func TestMissingBinariesAreErrors(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Jobs[0].Compression = types.CompressionSevenZip
	cfg.Jobs[0].Encryption = types.EncryptionGPG
	cfg.Jobs[0].Recipient = "ops@example.com"
	cfg.Jobs = append(cfg.Jobs, config.JobConfig{Name: "MAIL", Compression: types.CompressionSevenZip})

	result, err := Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(map[string]bool{"gpg": true})})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConfig))
	assert.Equal(t, 1, result.ErrorCount())
	assert.True(t, containsIssue(result, SeverityError, "7z"))
	assert.Equal(t, "DOCS", result.Issues[0].Job)
}

func TestReadableConfigWithSecrets(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Jobs[0].Passphrase = "correct horse"
	require.NoError(t, os.Chmod(cfg.Path, 0o644))

	result, err := Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(nil)})
	require.NoError(t, err)
	assert.True(t, containsIssue(result, SeverityWarning, "accessible by other users"))

	result, err = Run(newSecurityTestLogger(), cfg, Options{AutoFix: true, LookPath: stubLookPath(nil)})
	require.NoError(t, err)
	assert.Empty(t, result.Issues)
	info, err := os.Stat(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestReadableConfigWithoutSecretsIsFine(t *testing.T) {
	cfg := baseConfig(t)
	require.NoError(t, os.Chmod(cfg.Path, 0o644))
	result, err := Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(nil)})
	require.NoError(t, err)
	assert.Empty(t, result.Issues)
}

func TestIdentityFilePermissions(t *testing.T) {
	cfg := baseConfig(t)
	key := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(key, []byte("key"), 0o640))
	cfg.Settings.SSH.IdentityFiles = []string{key, filepath.Join(t.TempDir(), "absent")}

	result, err := Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(nil)})
	require.NoError(t, err)
	require.Len(t, result.Issues, 1)
	assert.Contains(t, result.Issues[0].Message, "ssh identity file")
}

func TestPrivateKeyAsRecipient(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Jobs[0].Recipient = "AGE-SECRET-KEY-1QQQQ"
	result, err := Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(nil)})
	require.Error(t, err)
	assert.True(t, containsIssue(result, SeverityError, "private age key"))

	recipients := filepath.Join(t.TempDir(), "recipients.txt")
	content := "# keys\n" + strings.Repeat("x", 5000) + "\nage-secret-key-1abc\n"
	require.NoError(t, os.WriteFile(recipients, []byte(content), 0o600))
	cfg.Jobs[0].Recipient = recipients
	result, err = Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(nil)})
	require.Error(t, err)
	assert.True(t, containsIssue(result, SeverityError, "contains a private key"))
}

func TestWorldWritableArchiveDirectory(t *testing.T) {
	cfg := baseConfig(t)
	dir := filepath.Dir(cfg.Jobs[0].ArchivePath)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Chmod(dir, 0o777))

	result, err := Run(newSecurityTestLogger(), cfg, Options{LookPath: stubLookPath(nil)})
	require.NoError(t, err)
	assert.True(t, containsIssue(result, SeverityWarning, "world-writable"))
}

func TestFileContainsMarkerAcrossChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	content := strings.Repeat("a", 4090) + "OPENSSH PRIVATE KEY"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	found, err := fileContainsMarker(path, privateKeyMarkers, 0)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = fileContainsMarker(path, privateKeyMarkers, 1024)
	require.NoError(t, err)
	assert.False(t, found)
}
