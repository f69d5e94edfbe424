package encryption

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrPromptAborted is returned when the passphrase prompt is cancelled.
var ErrPromptAborted = errors.New("passphrase prompt aborted")

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// ReadPassphrase asks for a passphrase on the controlling terminal without
// echo. It fails when stdin is not a terminal.
func ReadPassphrase(ctx context.Context, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for a passphrase: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)

	type res struct {
		b   []byte
		err error
	}
	ch := make(chan res, 1)
	go func() {
		b, err := readPassword(fd)
		ch <- res{b: b, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
		return "", ErrPromptAborted
	case out := <-ch:
		fmt.Fprintln(os.Stderr)
		if out.err != nil {
			return "", fmt.Errorf("read passphrase: %w", out.err)
		}
		pass := strings.TrimRight(string(out.b), "\r\n")
		if pass == "" {
			return "", fmt.Errorf("empty passphrase")
		}
		return pass, nil
	}
}
