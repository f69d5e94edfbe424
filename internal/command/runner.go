// Package command runs the external tools a backup depends on (7z, bzip2,
// gpg) behind a small interface so archive and crypto stages can be tested
// with a fake.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string

	// Stdin and Stdout stream data through the process when set.
	Stdin  io.Reader
	Stdout io.Writer

	// Secret is written to file descriptor 3 of the child and never
	// appears on the command line or in the environment.
	Secret []byte
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a completed process.
type Result struct {
	ExitCode int
	Stderr   string
}

// Runner executes a command and waits for it to finish. A non-zero exit
// status is reported as an *ExecError.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecError reports a failed or unstartable process.
type ExecError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Name)
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the binary could not be located.
func (e *ExecError) NotFound() bool {
	return errors.Is(e.Err, exec.ErrNotFound)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner returns the production Runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run starts cmd, feeds Secret over fd 3 when present and waits for exit.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var secretWriter *os.File
	if c.Secret != nil {
		pr, pw, err := os.Pipe()
		if err != nil {
			return Result{ExitCode: -1}, &ExecError{Name: c.Name, Args: c.Args, ExitCode: -1, Err: fmt.Errorf("create secret pipe: %w", err)}
		}
		cmd.ExtraFiles = []*os.File{pr}
		secretWriter = pw
		defer pr.Close()
	}

	if err := cmd.Start(); err != nil {
		if secretWriter != nil {
			secretWriter.Close()
		}
		return Result{ExitCode: -1}, &ExecError{Name: c.Name, Args: c.Args, ExitCode: -1, Err: err}
	}

	if secretWriter != nil {
		go func(secret []byte) {
			defer secretWriter.Close()
			_, _ = secretWriter.Write(secret)
		}(c.Secret)
	}

	err := cmd.Wait()
	res := Result{ExitCode: cmd.ProcessState.ExitCode(), Stderr: stderr.String()}
	if err != nil {
		return res, &ExecError{Name: c.Name, Args: c.Args, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	return res, nil
}
