package backup

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/command"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

func testLogger() *logging.Logger {
	logger := logging.New(types.LogLevelDebug, false)
	logger.SetOutput(io.Discard)
	return logger
}

// fakeRunner imitates the external tools: "7z a" copies its input to the
// archive path, "7z x" copies the archive back to the tar name, and any
// other command copies stdin to stdout.
type fakeRunner struct {
	mu    sync.Mutex
	calls []command.Command
	fail  map[string]error
}

func (f *fakeRunner) Run(_ context.Context, c command.Command) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	failure := f.fail[c.Name]
	f.mu.Unlock()

	if failure != nil {
		if c.Name == "7z" && len(c.Args) > 3 && c.Args[0] == "a" {
			// leave a partial file behind like a real crash would
			_ = os.WriteFile(c.Args[3], []byte("partial"), 0o600)
		}
		return command.Result{ExitCode: 2, Stderr: "fatal error"}, &command.ExecError{Name: c.Name, ExitCode: 2, Stderr: "fatal error", Err: failure}
	}

	switch {
	case c.Name == "7z" && c.Args[0] == "a":
		src := c.Args[len(c.Args)-1]
		if !filepath.IsAbs(src) {
			src = filepath.Join(c.Dir, src)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return command.Result{ExitCode: 2}, err
		}
		return command.Result{}, os.WriteFile(c.Args[3], data, 0o600)
	case c.Name == "7z" && c.Args[0] == "x":
		archive := c.Args[len(c.Args)-1]
		outDir := strings.TrimPrefix(c.Args[2], "-o")
		data, err := os.ReadFile(archive)
		if err != nil {
			return command.Result{ExitCode: 2}, err
		}
		name := strings.TrimSuffix(filepath.Base(archive), ".7z")
		return command.Result{}, os.WriteFile(filepath.Join(outDir, name), data, 0o600)
	default:
		if c.Stdin != nil && c.Stdout != nil {
			_, err := io.Copy(c.Stdout, c.Stdin)
			return command.Result{}, err
		}
		return command.Result{}, nil
	}
}

func (f *fakeRunner) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.String())
	}
	return out
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))
}

func relAll(t *testing.T, root string, paths []string) []string {
	t.Helper()
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		require.NoError(t, err)
		out = append(out, rel)
	}
	return out
}
