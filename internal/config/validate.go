package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

// ErrPasswordAuth rejects any attempt to configure password authentication
// for the remote-copy channel.
var ErrPasswordAuth = errors.New("ssh password authentication is not supported; configure a key")

// CronParser is the schedule syntax accepted in job "schedule" entries:
// standard five-field expressions plus descriptors such as "@daily".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the whole file and reports every problem found.
func (f *File) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(f.Settings.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("settings.log_level: %w", err))
	}
	if f.Settings.StampFile == "" {
		errs = append(errs, errors.New("settings.stamp_file must be set"))
	}
	if f.Settings.CheckInterval <= 0 {
		errs = append(errs, errors.New("settings.check_interval must be positive"))
	}
	if f.Settings.FlushInterval <= 0 {
		errs = append(errs, errors.New("settings.flush_interval must be positive"))
	}
	if f.Settings.LockMaxAge <= 0 {
		errs = append(errs, errors.New("settings.lock_max_age must be positive"))
	}
	if f.Settings.SpaceSafetyFactor < 0 {
		errs = append(errs, errors.New("settings.space_safety_factor cannot be negative"))
	}
	switch strings.ToLower(f.Settings.SSH.Auth) {
	case "", "publickey", "key":
	default:
		errs = append(errs, fmt.Errorf("settings.ssh.auth=%q: %w", f.Settings.SSH.Auth, ErrPasswordAuth))
	}
	if f.Settings.SSH.Port <= 0 || f.Settings.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("settings.ssh.port %d out of range", f.Settings.SSH.Port))
	}

	switch strings.ToLower(f.Settings.Notify.DefaultFormat) {
	case "", "generic", "slack", "discord":
	default:
		errs = append(errs, fmt.Errorf("settings.notify.default_format %q not one of generic, slack, discord", f.Settings.Notify.DefaultFormat))
	}
	if f.Settings.Notify.MaxRetries < 0 {
		errs = append(errs, errors.New("settings.notify.max_retries cannot be negative"))
	}
	for i, hook := range f.Settings.Notify.Webhooks {
		if err := hook.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("settings.notify.webhooks[%d]: %w", i, err))
		}
	}

	seen := make(map[string]bool, len(f.Jobs))
	for i, job := range f.Jobs {
		label := job.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if job.Name == "" {
			errs = append(errs, fmt.Errorf("job %s: name is required", label))
		} else if strings.ContainsAny(job.Name, " \t\r\n:") {
			errs = append(errs, fmt.Errorf("job %s: name must not contain whitespace or ':'", label))
		}
		if seen[job.Name] {
			errs = append(errs, fmt.Errorf("job %s: duplicate name", label))
		}
		seen[job.Name] = true

		if err := job.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", label, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks a single job after normalization.
func (j JobConfig) Validate() error {
	var errs []error
	if j.ArchivePath == "" {
		errs = append(errs, errors.New("archive_path is required"))
	}
	if !j.Compression.Valid() {
		errs = append(errs, fmt.Errorf("compression %q not one of none, gz, bz2, 7z", j.Compression))
	}
	switch j.Encryption {
	case types.EncryptionAge, types.EncryptionGPG:
	default:
		errs = append(errs, fmt.Errorf("encryption %q not one of age, gpg", j.Encryption))
	}
	if err := ValidateTarget(j.Target); err != nil {
		errs = append(errs, err)
	}
	for _, spec := range j.Schedule {
		if _, err := CronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", spec, err))
		}
	}
	for i, rule := range j.Sources {
		if rule.Dir == "" {
			errs = append(errs, fmt.Errorf("dirs[%d]: dir is required", i))
		}
		for name, pattern := range map[string]string{
			"include_pattern":      rule.IncludePattern,
			"include_path_pattern": rule.IncludePathPattern,
			"exclude_pattern":      rule.ExcludePattern,
			"exclude_dir_pattern":  rule.ExcludeDirPattern,
			"exclude_path_pattern": rule.ExcludePathPattern,
		} {
			if _, err := regexp.Compile(pattern); err != nil {
				errs = append(errs, fmt.Errorf("dirs[%d].%s: %w", i, name, err))
			}
		}
	}
	if j.Mirror != nil && j.Mirror.Bucket == "" {
		errs = append(errs, errors.New("mirror.bucket is required when mirror is set"))
	}
	return errors.Join(errs...)
}

// Validate checks the URL, format and authentication of a webhook.
func (w WebhookEndpoint) Validate() error {
	var errs []error
	u, err := url.Parse(w.URL)
	switch {
	case w.URL == "":
		errs = append(errs, errors.New("url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("url scheme %q not one of http, https", u.Scheme))
	}
	switch strings.ToLower(w.Format) {
	case "", "generic", "slack", "discord":
	default:
		errs = append(errs, fmt.Errorf("format %q not one of generic, slack, discord", w.Format))
	}
	switch strings.ToLower(w.Auth.Type) {
	case "", "none":
	case "bearer":
		if w.Auth.Token == "" {
			errs = append(errs, errors.New("auth.token is required for bearer auth"))
		}
	case "basic":
		if w.Auth.User == "" || w.Auth.Pass == "" {
			errs = append(errs, errors.New("auth.user and auth.pass are required for basic auth"))
		}
	case "hmac", "hmac-sha256":
		if w.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret is required for hmac auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type %q not one of none, bearer, basic, hmac", w.Auth.Type))
	}
	return errors.Join(errs...)
}

// ValidateTarget rejects targets the transfer agent cannot act on.
func ValidateTarget(t Target) error {
	if t.Host != "" && t.User == "" {
		return fmt.Errorf("target %q names a host without a user; use user@host:dir", t.String())
	}
	if strings.Contains(t.User, ":") {
		return fmt.Errorf("target %q: passwords in targets are not supported: %w", t.String(), ErrPasswordAuth)
	}
	return nil
}
