package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "1.5 MiB", FormatBytes(1536*1024))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2.0m", FormatDuration(2*time.Minute))
	assert.Equal(t, "1.5h", FormatDuration(90*time.Minute))
}

func TestExpandEnvKeepsUnknownVariables(t *testing.T) {
	t.Setenv("RCB_ROOT", "/srv")
	os.Unsetenv("RCB_MISSING")

	assert.Equal(t, "/srv/docs", ExpandEnv("$RCB_ROOT/docs"))
	assert.Equal(t, "/srv/docs", ExpandEnv("${RCB_ROOT}/docs"))
	assert.Equal(t, "$RCB_MISSING/docs", ExpandEnv("$RCB_MISSING/docs"))
	assert.Equal(t, "${RCB_MISSING}/x", ExpandEnv("${RCB_MISSING}/x"))
	assert.Equal(t, "price$", ExpandEnv("price$"))
	assert.Equal(t, "a$1b", ExpandEnv("a$1b"))
	assert.Equal(t, "${open", ExpandEnv("${open"))
	assert.Equal(t, "plain", ExpandEnv("plain"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".rcbackup.yaml"), ExpandHome("~/.rcbackup.yaml"))
	assert.Equal(t, "/etc/x", ExpandHome("/etc/x"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}

func TestIsComment(t *testing.T) {
	assert.True(t, IsComment(""))
	assert.True(t, IsComment("   "))
	assert.True(t, IsComment("  # note"))
	assert.False(t, IsComment("/etc/*.conf"))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "hu******", MaskSecret("hunter22"))
}

func TestFileHelpers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	assert.True(t, FileExists(path))
	assert.False(t, FileExists(dir))
	assert.Equal(t, int64(5), GetFileSize(path))
	assert.Equal(t, int64(0), GetFileSize(filepath.Join(dir, "missing")))

	sum, err := ComputeSHA256(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
}
