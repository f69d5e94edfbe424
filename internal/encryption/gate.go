// Package encryption implements the optional encryption step applied to
// built archives and its inverse on retrieval.
package encryption

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/agessh"

	"github.com/tis24dev/rcbackup/internal/command"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

// ErrDecrypt marks every decryption failure. It is never recovered from.
var ErrDecrypt = errors.New("decryption failed")

// Options selects the backend and the secrets a Gate works with.
type Options struct {
	Backend      types.EncryptionBackend
	Recipient    string
	Passphrase   string
	IdentityFile string
	GPGPath      string
}

// Result describes the file produced by Encrypt.
type Result struct {
	Path      string
	Encrypted bool
}

// Gate encrypts archives for a recipient or with a passphrase. With
// neither configured it passes archives through unchanged.
type Gate struct {
	logger *logging.Logger
	runner command.Runner
	opts   Options

	// scryptWorkFactor overrides age's default passphrase cost when set.
	scryptWorkFactor int
}

// NewGate creates a new crypto gate.
func NewGate(logger *logging.Logger, runner command.Runner, opts Options) *Gate {
	if opts.Backend == "" {
		opts.Backend = types.EncryptionAge
	}
	if opts.GPGPath == "" {
		opts.GPGPath = "gpg"
	}
	if runner == nil {
		runner = command.NewExecRunner()
	}
	return &Gate{logger: logger, runner: runner, opts: opts}
}

// Configured reports whether a recipient or a passphrase is set.
func (g *Gate) Configured() bool {
	return g.opts.Recipient != "" || g.opts.Passphrase != ""
}

// Suffix is the extension Encrypt appends.
func (g *Gate) Suffix() string {
	return g.opts.Backend.Suffix()
}

// Encrypt writes an encrypted copy of path next to it. The plaintext is
// removed afterwards unless keep is set; on failure it stays untouched.
func (g *Gate) Encrypt(ctx context.Context, path string, keep bool) (res Result, err error) {
	if !g.Configured() {
		return Result{Path: path}, nil
	}
	out := path + g.Suffix()
	done := logging.DebugStart(g.logger, "encrypt", "%s -> %s (%s)", path, out, g.opts.Backend)
	defer func() { done(err) }()

	if g.opts.Recipient != "" {
		g.logger.Info("Encrypting %s for %s", filepath.Base(path), g.opts.Recipient)
	} else {
		g.logger.Info("Encrypting %s with passphrase", filepath.Base(path))
	}

	switch g.opts.Backend {
	case types.EncryptionGPG:
		err = g.gpgEncrypt(ctx, path, out)
	default:
		err = g.ageEncrypt(path, out)
	}
	if err != nil {
		_ = os.Remove(out)
		return Result{Path: path}, types.NewError(types.KindCrypto, "encrypt", err).WithPath(path)
	}

	if !keep {
		if rmErr := os.Remove(path); rmErr != nil {
			g.logger.Warning("Cannot remove plaintext %s: %v", path, rmErr)
		}
	}
	return Result{Path: out, Encrypted: true}, nil
}

// Decrypt restores the plaintext of path and removes the encrypted file.
// A path without the backend suffix is returned unchanged. On failure the
// encrypted file is left in place and the error wraps ErrDecrypt.
func (g *Gate) Decrypt(ctx context.Context, path string) (plain string, err error) {
	if !strings.HasSuffix(path, g.Suffix()) {
		return path, nil
	}
	out := strings.TrimSuffix(path, g.Suffix())
	done := logging.DebugStart(g.logger, "decrypt", "%s -> %s (%s)", path, out, g.opts.Backend)
	defer func() { done(err) }()

	g.logger.Info("Decrypting %s", filepath.Base(path))
	switch g.opts.Backend {
	case types.EncryptionGPG:
		err = g.gpgDecrypt(ctx, path, out)
	default:
		err = g.ageDecrypt(path, out)
	}
	if err != nil {
		_ = os.Remove(out)
		return "", types.NewError(types.KindCrypto, "decrypt", fmt.Errorf("%w: %v", ErrDecrypt, err)).WithPath(path)
	}
	if rmErr := os.Remove(path); rmErr != nil {
		g.logger.Warning("Cannot remove %s: %v", path, rmErr)
	}
	return out, nil
}

// writeAtomic fills a temporary sibling of dest and renames it into place.
func writeAtomic(dest string, fill func(w io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err = fill(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}

func (g *Gate) recipients() ([]age.Recipient, error) {
	if g.opts.Recipient == "" {
		r, err := age.NewScryptRecipient(g.opts.Passphrase)
		if err != nil {
			return nil, err
		}
		if g.scryptWorkFactor > 0 {
			r.SetWorkFactor(g.scryptWorkFactor)
		}
		return []age.Recipient{r}, nil
	}

	values := splitRecipients(g.opts.Recipient)
	if len(values) == 1 && !looksLikeRecipient(values[0]) {
		fromFile, err := readRecipientFile(values[0])
		if err != nil {
			return nil, fmt.Errorf("read recipients from %s: %w", values[0], err)
		}
		values = fromFile
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no age recipients configured")
	}

	parsed := make([]age.Recipient, 0, len(values))
	for _, value := range values {
		r, err := parseRecipient(value)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, r)
	}
	return parsed, nil
}

func looksLikeRecipient(value string) bool {
	return strings.HasPrefix(value, "age1") || strings.HasPrefix(strings.ToLower(value), "ssh-")
}

// splitRecipients accepts a comma separated list of age recipients. SSH
// public keys contain spaces and are kept whole.
func splitRecipients(value string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out
}

func parseRecipient(value string) (age.Recipient, error) {
	switch {
	case strings.HasPrefix(value, "age1"):
		return age.ParseX25519Recipient(value)
	case strings.HasPrefix(strings.ToLower(value), "ssh-"):
		return agessh.ParseRecipient(value)
	default:
		return nil, fmt.Errorf("unsupported age recipient format: %s", value)
	}
}

// readRecipientFile reads one recipient per line, skipping blanks and comments.
func readRecipientFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var recipients []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		recipients = append(recipients, line)
	}
	return recipients, scanner.Err()
}

func (g *Gate) identities() ([]age.Identity, error) {
	var ids []age.Identity
	if g.opts.IdentityFile != "" {
		data, err := os.ReadFile(g.opts.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		if bytes.Contains(data, []byte("PRIVATE KEY-----")) {
			id, err := agessh.ParseIdentity(data)
			if err != nil {
				return nil, fmt.Errorf("parse ssh identity: %w", err)
			}
			ids = append(ids, id)
		} else {
			parsed, err := age.ParseIdentities(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("parse identity file: %w", err)
			}
			ids = append(ids, parsed...)
		}
	}
	if g.opts.Passphrase != "" {
		id, err := age.NewScryptIdentity(g.opts.Passphrase)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no identity_file or passphrase to decrypt with")
	}
	return ids, nil
}

func (g *Gate) ageEncrypt(src, dst string) error {
	recipients, err := g.recipients()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		enc, err := age.Encrypt(w, recipients...)
		if err != nil {
			return fmt.Errorf("initialize age encryption: %w", err)
		}
		if _, err := io.Copy(enc, in); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	})
}

func (g *Gate) ageDecrypt(src, dst string) error {
	identities, err := g.identities()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return writeAtomic(dst, func(w io.Writer) error {
		r, err := age.Decrypt(in, identities...)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, r)
		return err
	})
}

// gpgArgs builds the common gpg prefix. The passphrase, when used, travels
// on fd 3 and never appears in argv.
func (g *Gate) gpgArgs(output string, withPassphrase bool) []string {
	args := []string{"--batch", "--yes", "--no-tty"}
	if withPassphrase {
		args = append(args, "--pinentry-mode", "loopback", "--passphrase-fd", "3")
	}
	return append(args, "--output", output)
}

func (g *Gate) runGPG(ctx context.Context, args []string, secret string, partial, dst string) error {
	cmd := command.Command{Name: g.opts.GPGPath, Args: args}
	if secret != "" {
		cmd.Secret = []byte(secret)
	}
	res, err := g.runner.Run(ctx, cmd)
	if err != nil {
		for _, line := range strings.Split(strings.TrimSpace(res.Stderr), "\n") {
			if line != "" {
				g.logger.Warning("[GPG] %s", line)
			}
		}
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, dst); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return nil
}

func (g *Gate) gpgEncrypt(ctx context.Context, src, dst string) error {
	partial := dst + ".partial"
	if g.opts.Recipient != "" {
		args := append(g.gpgArgs(partial, false), "--encrypt", "--recipient", g.opts.Recipient, src)
		return g.runGPG(ctx, args, "", partial, dst)
	}
	args := append(g.gpgArgs(partial, true), "--symmetric", "--cipher-algo", "AES256", src)
	return g.runGPG(ctx, args, g.opts.Passphrase, partial, dst)
}

func (g *Gate) gpgDecrypt(ctx context.Context, src, dst string) error {
	partial := dst + ".partial"
	withPassphrase := g.opts.Passphrase != ""
	args := append(g.gpgArgs(partial, withPassphrase), "--decrypt", src)
	secret := ""
	if withPassphrase {
		secret = g.opts.Passphrase
	}
	return g.runGPG(ctx, args, secret, partial, dst)
}
