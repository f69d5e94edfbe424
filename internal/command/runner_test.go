package command

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunnerSuccessStreams(t *testing.T) {
	requireShell(t)
	var out bytes.Buffer
	res, err := NewExecRunner().Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "tr a-z A-Z"},
		Stdin:  strings.NewReader("archive"),
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "ARCHIVE", out.String())
}

func TestExecRunnerReportsExitCodeAndStderr(t *testing.T) {
	requireShell(t)
	res, err := NewExecRunner().Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo first >&2; echo 'no space left' >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "no space left")
	assert.Equal(t, "sh exited with status 3: no space left", execErr.Error())
	assert.False(t, execErr.NotFound())
}

func TestExecRunnerSecretOnFD3(t *testing.T) {
	requireShell(t)
	var out bytes.Buffer
	_, err := NewExecRunner().Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "cat <&3"},
		Stdout: &out,
		Secret: []byte("s3cret"),
	})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out.String())
}

func TestExecRunnerMissingBinary(t *testing.T) {
	_, err := NewExecRunner().Run(context.Background(), Command{Name: "rcbackup-definitely-missing-tool"})
	require.Error(t, err)
	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.True(t, execErr.NotFound())
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "7z a -mx9 out.tar.7z out.tar", Command{Name: "7z", Args: []string{"a", "-mx9", "out.tar.7z", "out.tar"}}.String())
}
