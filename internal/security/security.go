// Package security audits a configuration for problems that do not make
// it invalid but weaken the backups: missing helper binaries, secrets in
// files other users can read, and private keys used where a public
// recipient belongs.
package security

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Issue struct {
	Severity Severity
	Job      string
	Message  string
}

type Result struct {
	Issues []Issue
}

func (r *Result) add(sev Severity, job, msg string) {
	r.Issues = append(r.Issues, Issue{Severity: sev, Job: job, Message: msg})
}

func (r *Result) HasErrors() bool {
	return r.ErrorCount() > 0
}

func (r *Result) ErrorCount() int {
	return r.count(SeverityError)
}

func (r *Result) WarningCount() int {
	return r.count(SeverityWarning)
}

func (r *Result) count(sev Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == sev {
			n++
		}
	}
	return n
}

// Options control an audit run.
type Options struct {
	// AutoFix tightens the permissions of secret-bearing files to 0600.
	AutoFix bool
	// LookPath resolves helper binaries; exec.LookPath when nil.
	LookPath func(string) (string, error)
}

type Checker struct {
	logger   *logging.Logger
	cfg      *config.File
	opts     Options
	result   *Result
	lookPath func(string) (string, error)
}

type dependencyEntry struct {
	Name   string
	Job    string
	Reason string
	Binary string
}

var privateKeyMarkers = []string{"AGE-SECRET-KEY-", "BEGIN AGE PRIVATE KEY", "OPENSSH PRIVATE KEY", "BEGIN PGP PRIVATE KEY"}

// Run audits cfg. The returned error is a KindConfig error when the audit
// found at least one error-level issue.
func Run(logger *logging.Logger, cfg *config.File, opts Options) (*Result, error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	c := &Checker{
		logger:   logger,
		cfg:      cfg,
		opts:     opts,
		result:   &Result{},
		lookPath: opts.LookPath,
	}
	if c.lookPath == nil {
		c.lookPath = exec.LookPath
	}

	logger.Step("Auditing %s", cfg.Path)
	c.checkDependencies()
	c.verifyConfigFile()
	c.verifySensitiveFiles()
	c.verifyArchiveDirectories()
	c.detectPrivateRecipients()

	errorsCount := c.result.ErrorCount()
	logger.Info("Audit completed: %d warning(s), %d error(s)", c.result.WarningCount(), errorsCount)
	if errorsCount > 0 {
		return c.result, types.NewError(types.KindConfig, "audit", fmt.Errorf("%d error(s) found", errorsCount)).WithPath(cfg.Path)
	}
	return c.result, nil
}

func (c *Checker) checkDependencies() {
	seen := make(map[string]bool)
	for _, dep := range c.buildDependencyList() {
		if seen[dep.Binary] {
			continue
		}
		seen[dep.Binary] = true
		if path, err := c.lookPath(dep.Binary); err == nil {
			c.logger.Debug("Dependency %s: %s (%s)", dep.Name, path, dep.Reason)
			continue
		}
		c.addError(dep.Job, "required binary %s not found: %s", dep.Binary, dep.Reason)
	}
}

func (c *Checker) buildDependencyList() []dependencyEntry {
	s := c.cfg.Settings
	var deps []dependencyEntry
	for _, job := range c.cfg.Jobs {
		switch job.Compression {
		case types.CompressionBzip2:
			deps = append(deps, dependencyEntry{"bzip2", job.Name, "compression set to bz2", s.Bzip2Path})
		case types.CompressionSevenZip:
			deps = append(deps, dependencyEntry{"7z", job.Name, "compression set to 7z", s.SevenZipPath})
		}
		if job.Encryption == types.EncryptionGPG && job.EncryptionConfigured() {
			deps = append(deps, dependencyEntry{"gpg", job.Name, "encryption set to gpg", s.GPGPath})
		}
	}
	return deps
}

func (c *Checker) addWarning(job, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Warning("%s", prefixed(job, msg))
	c.result.add(SeverityWarning, job, msg)
}

func (c *Checker) addError(job, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.logger.Error("%s", prefixed(job, msg))
	c.result.add(SeverityError, job, msg)
}

func prefixed(job, msg string) string {
	if job == "" {
		return msg
	}
	return job + ": " + msg
}

// hasInlineSecrets reports whether the configuration file itself carries
// credentials.
func (c *Checker) hasInlineSecrets() bool {
	for _, job := range c.cfg.Jobs {
		if job.Passphrase != "" && job.PassphraseFile == "" {
			return true
		}
		if job.Mirror != nil && job.Mirror.SecretAccessKey != "" {
			return true
		}
	}
	for _, hook := range c.cfg.Settings.Notify.Webhooks {
		if hook.Auth.Token != "" || hook.Auth.Pass != "" || hook.Auth.Secret != "" {
			return true
		}
	}
	return false
}

func (c *Checker) verifyConfigFile() {
	if c.cfg.Path == "" || !c.hasInlineSecrets() {
		return
	}
	c.ensurePrivate("", c.cfg.Path, "configuration file with inline secrets")
}

func (c *Checker) verifySensitiveFiles() {
	for _, path := range c.cfg.Settings.SSH.IdentityFiles {
		c.ensurePrivate("", path, "ssh identity file")
	}
	for _, job := range c.cfg.Jobs {
		if job.PassphraseFile != "" {
			c.ensurePrivate(job.Name, utils.ExpandHome(job.PassphraseFile), "passphrase file")
		}
		if job.IdentityFile != "" {
			c.ensurePrivate(job.Name, job.IdentityFile, "identity file")
		}
	}
}

// ensurePrivate warns when a secret-bearing file is accessible to group or
// others. Missing optional files are skipped.
func (c *Checker) ensurePrivate(job, path, description string) {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		c.addWarning(job, "cannot stat %s %s: %v", description, path, err)
		return
	}
	perm := info.Mode().Perm()
	if perm&0o077 == 0 {
		return
	}
	if c.opts.AutoFix {
		if info.Mode()&os.ModeSymlink != 0 {
			c.addError(job, "refusing to chmod symlink %s", path)
			return
		}
		if err := os.Chmod(path, 0o600); err != nil {
			c.addWarning(job, "cannot tighten permissions on %s: %v", path, err)
			return
		}
		c.logger.Info("Adjusted permissions on %s to 600", path)
		return
	}
	c.addWarning(job, "%s %s is accessible by other users (mode %o, expected 600)", description, path, perm)
}

func (c *Checker) verifyArchiveDirectories() {
	for _, job := range c.cfg.Jobs {
		dir := filepath.Dir(job.ArchivePath)
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o002 != 0 && info.Mode()&os.ModeSticky == 0 {
			c.addWarning(job.Name, "archive directory %s is world-writable", dir)
		}
	}
}

// detectPrivateRecipients flags recipients that are private keys or files
// holding one.
func (c *Checker) detectPrivateRecipients() {
	for _, job := range c.cfg.Jobs {
		if job.Recipient == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(job.Recipient), "AGE-SECRET-KEY-") {
			c.addError(job.Name, "recipient is a private age key; use its public recipient")
			continue
		}
		info, err := os.Stat(job.Recipient)
		if err != nil || info.IsDir() {
			continue
		}
		found, err := fileContainsMarker(job.Recipient, privateKeyMarkers, 64*1024)
		if err != nil {
			c.logger.Debug("Skipped private key scan for %s: %v", job.Recipient, err)
			continue
		}
		if found {
			c.addError(job.Name, "recipient file %s contains a private key", job.Recipient)
		}
	}
}

func fileContainsMarker(path string, markers []string, limit int) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	maxMarkerLen := 0
	upperMarkers := make([]string, len(markers))
	for i, marker := range markers {
		upperMarkers[i] = strings.ToUpper(marker)
		maxMarkerLen = max(maxMarkerLen, len(marker))
	}
	if maxMarkerLen == 0 {
		return false, nil
	}

	reader := bufio.NewReader(f)
	buffer := make([]byte, 4096)
	var overlap []byte
	totalRead := 0
	for limit <= 0 || totalRead < limit {
		n, err := reader.Read(buffer)
		if n > 0 {
			combined := append(overlap, buffer[:n]...)
			chunk := strings.ToUpper(string(combined))
			for _, marker := range upperMarkers {
				if strings.Contains(chunk, marker) {
					return true, nil
				}
			}
			if len(combined) > maxMarkerLen {
				combined = combined[len(combined)-maxMarkerLen:]
			}
			overlap = append([]byte(nil), combined...)
			totalRead += n
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}
	}
	return false, nil
}
