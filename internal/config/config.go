package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tis24dev/rcbackup/internal/types"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

// DefaultPath is used when no configuration file is given on the command line.
const DefaultPath = "~/.rcbackup.yaml"

// File is the validated configuration: global settings plus the named jobs.
type File struct {
	Path     string      `mapstructure:"-" yaml:"-"`
	Settings Settings    `mapstructure:"settings" yaml:"settings"`
	Jobs     []JobConfig `mapstructure:"jobs" yaml:"jobs"`
}

// Settings holds process-wide options shared by every job.
type Settings struct {
	StampFile          string         `mapstructure:"stamp_file" yaml:"stamp_file"`
	SchedulerStampFile string         `mapstructure:"scheduler_stamp_file" yaml:"scheduler_stamp_file"`
	LogFile            string         `mapstructure:"log_file" yaml:"log_file"`
	LogLevel           string         `mapstructure:"log_level" yaml:"log_level"`
	LogMaxSizeMB       int            `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups      int            `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	LogMaxAgeDays      int            `mapstructure:"log_max_age_days" yaml:"log_max_age_days"`
	LogCompress        bool           `mapstructure:"log_compress" yaml:"log_compress"`
	CheckInterval      time.Duration  `mapstructure:"check_interval" yaml:"check_interval"`
	FlushInterval      time.Duration  `mapstructure:"flush_interval" yaml:"flush_interval"`
	MaxParallelJobs    int            `mapstructure:"max_parallel_jobs" yaml:"max_parallel_jobs"`
	MetricsDir         string         `mapstructure:"metrics_dir" yaml:"metrics_dir"`
	WatchConfig        bool           `mapstructure:"watch_config" yaml:"watch_config"`
	ScanTimeout        time.Duration  `mapstructure:"scan_timeout" yaml:"scan_timeout"`
	LockMaxAge         time.Duration  `mapstructure:"lock_max_age" yaml:"lock_max_age"`
	MinFreeSpace       ByteSize       `mapstructure:"min_free_space" yaml:"min_free_space"`
	SpaceSafetyFactor  float64        `mapstructure:"space_safety_factor" yaml:"space_safety_factor"`
	SevenZipPath       string         `mapstructure:"sevenzip_path" yaml:"sevenzip_path"`
	Bzip2Path          string         `mapstructure:"bzip2_path" yaml:"bzip2_path"`
	GPGPath            string         `mapstructure:"gpg_path" yaml:"gpg_path"`
	SSH                SSHSettings    `mapstructure:"ssh" yaml:"ssh"`
	Notify             NotifySettings `mapstructure:"notify" yaml:"notify"`
}

// SSHSettings configures the remote-copy channel. Only public-key
// authentication is supported.
type SSHSettings struct {
	Port          int           `mapstructure:"port" yaml:"port"`
	KnownHosts    string        `mapstructure:"known_hosts" yaml:"known_hosts"`
	IdentityFiles []string      `mapstructure:"identity_files" yaml:"identity_files"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Auth          string        `mapstructure:"auth" yaml:"auth"`
}

// NotifySettings configures webhook notifications of job results. Failed
// runs are always reported; successful ones only with OnSuccess.
type NotifySettings struct {
	OnSuccess     bool              `mapstructure:"on_success" yaml:"on_success"`
	DefaultFormat string            `mapstructure:"default_format" yaml:"default_format"`
	Timeout       time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries    int               `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration     `mapstructure:"retry_delay" yaml:"retry_delay"`
	Webhooks      []WebhookEndpoint `mapstructure:"webhooks" yaml:"webhooks,omitempty"`
}

// WebhookEndpoint is one notification receiver.
type WebhookEndpoint struct {
	Name    string            `mapstructure:"name" yaml:"name"`
	URL     string            `mapstructure:"url" yaml:"url"`
	Format  string            `mapstructure:"format" yaml:"format,omitempty"`
	Method  string            `mapstructure:"method" yaml:"method,omitempty"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Auth    WebhookAuth       `mapstructure:"auth" yaml:"auth,omitempty"`
}

// WebhookAuth selects bearer, basic or hmac authentication.
type WebhookAuth struct {
	Type   string `mapstructure:"type" yaml:"type,omitempty"`
	Token  string `mapstructure:"token" yaml:"token,omitempty"`
	User   string `mapstructure:"user" yaml:"user,omitempty"`
	Pass   string `mapstructure:"pass" yaml:"pass,omitempty"`
	Secret string `mapstructure:"secret" yaml:"secret,omitempty"`
}

// JobConfig describes one named backup job.
type JobConfig struct {
	Name           string                  `mapstructure:"name" yaml:"name"`
	ArchivePath    string                  `mapstructure:"archive_path" yaml:"archive_path"`
	Target         Target                  `mapstructure:"target" yaml:"target"`
	Compression    types.CompressionType   `mapstructure:"compression" yaml:"compression"`
	Encryption     types.EncryptionBackend `mapstructure:"encryption" yaml:"encryption"`
	Recipient      string                  `mapstructure:"recipient" yaml:"recipient,omitempty"`
	Passphrase     string                  `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	PassphraseFile string                  `mapstructure:"passphrase_file" yaml:"passphrase_file,omitempty"`
	IdentityFile   string                  `mapstructure:"identity_file" yaml:"identity_file,omitempty"`
	InputFiles     []string                `mapstructure:"input_files" yaml:"input_files,omitempty"`
	Schedule       []string                `mapstructure:"schedule" yaml:"schedule,omitempty"`
	Keep           *bool                   `mapstructure:"keep" yaml:"keep"`
	Defaults       RuleSpec                `mapstructure:"defaults" yaml:"-"`
	Dirs           []RuleSpec              `mapstructure:"dirs" yaml:"-"`
	Mirror         *MirrorConfig           `mapstructure:"mirror" yaml:"mirror,omitempty"`

	// Sources is Dirs with Defaults applied; filled by normalization.
	Sources []SourceRule `mapstructure:"-" yaml:"sources"`
}

// KeepLocal reports whether the local archive survives a successful delivery.
func (j JobConfig) KeepLocal() bool {
	return j.Keep == nil || *j.Keep
}

// EncryptionConfigured reports whether the crypto gate has a secret to work with.
func (j JobConfig) EncryptionConfigured() bool {
	return j.Recipient != "" || j.Passphrase != ""
}

// MirrorConfig is an optional S3-compatible copy of every delivered archive.
type MirrorConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// Job returns the job with the given name.
func (f *File) Job(name string) (JobConfig, bool) {
	for _, job := range f.Jobs {
		if job.Name == name {
			return job, true
		}
	}
	return JobConfig{}, false
}

// JobNames returns the configured job names in file order.
func (f *File) JobNames() []string {
	names := make([]string, 0, len(f.Jobs))
	for _, job := range f.Jobs {
		names = append(names, job.Name)
	}
	return names
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("settings.stamp_file", "/var/lib/rcbackup/backup.stamps")
	v.SetDefault("settings.scheduler_stamp_file", "/var/lib/rcbackup/scheduler.stamps")
	v.SetDefault("settings.log_file", "")
	v.SetDefault("settings.log_level", "info")
	v.SetDefault("settings.log_max_size_mb", 10)
	v.SetDefault("settings.log_max_backups", 5)
	v.SetDefault("settings.log_max_age_days", 30)
	v.SetDefault("settings.log_compress", true)
	v.SetDefault("settings.check_interval", "1m")
	v.SetDefault("settings.flush_interval", "1h")
	v.SetDefault("settings.max_parallel_jobs", 1)
	v.SetDefault("settings.metrics_dir", "")
	v.SetDefault("settings.watch_config", true)
	v.SetDefault("settings.scan_timeout", "30s")
	v.SetDefault("settings.lock_max_age", "24h")
	v.SetDefault("settings.min_free_space", "0")
	v.SetDefault("settings.space_safety_factor", 1.0)
	v.SetDefault("settings.sevenzip_path", "7z")
	v.SetDefault("settings.bzip2_path", "bzip2")
	v.SetDefault("settings.gpg_path", "gpg")
	v.SetDefault("settings.notify.on_success", false)
	v.SetDefault("settings.notify.default_format", "generic")
	v.SetDefault("settings.notify.timeout", "30s")
	v.SetDefault("settings.notify.max_retries", 2)
	v.SetDefault("settings.notify.retry_delay", "2s")
	v.SetDefault("settings.ssh.port", 22)
	v.SetDefault("settings.ssh.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("settings.ssh.identity_files", []string{})
	v.SetDefault("settings.ssh.timeout", "30s")
	v.SetDefault("settings.ssh.auth", "publickey")
}

// Load reads, decodes, defaults and validates the configuration at path.
// Settings may be overridden with RCBACKUP_SETTINGS_* environment variables.
func Load(path string) (*File, error) {
	if path == "" {
		path = DefaultPath
	}
	path = utils.ExpandHome(path)

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RCBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, types.NewError(types.KindConfig, "read", err).WithPath(path)
	}

	var file File
	if err := v.Unmarshal(&file, viper.DecodeHook(decodeHook())); err != nil {
		return nil, types.NewError(types.KindConfig, "decode", err).WithPath(path)
	}
	file.Path = path

	if err := file.normalize(); err != nil {
		return nil, types.NewError(types.KindConfig, "normalize", err).WithPath(path)
	}
	if err := file.Validate(); err != nil {
		return nil, types.NewError(types.KindConfig, "validate", err).WithPath(path)
	}
	return &file, nil
}

// normalize applies every default that is not expressible as a viper
// default: per-job values and rule inheritance.
func (f *File) normalize() error {
	f.Settings.StampFile = utils.ExpandHome(f.Settings.StampFile)
	f.Settings.SchedulerStampFile = utils.ExpandHome(f.Settings.SchedulerStampFile)
	f.Settings.LogFile = utils.ExpandHome(f.Settings.LogFile)
	f.Settings.MetricsDir = utils.ExpandHome(f.Settings.MetricsDir)
	f.Settings.SSH.KnownHosts = utils.ExpandHome(f.Settings.SSH.KnownHosts)
	for i, p := range f.Settings.SSH.IdentityFiles {
		f.Settings.SSH.IdentityFiles[i] = utils.ExpandHome(p)
	}
	if f.Settings.MaxParallelJobs <= 0 {
		f.Settings.MaxParallelJobs = 1
	}

	for i := range f.Jobs {
		job := &f.Jobs[i]
		job.ArchivePath = utils.ExpandHome(utils.ExpandEnv(job.ArchivePath))
		if job.ArchivePath != "" {
			job.ArchivePath = filepath.Clean(job.ArchivePath)
		}
		if job.Compression == "" {
			job.Compression = types.DefaultCompression
		}
		if job.Encryption == "" {
			job.Encryption = types.EncryptionAge
		}
		job.IdentityFile = utils.ExpandHome(job.IdentityFile)
		if job.PassphraseFile != "" && job.Passphrase == "" {
			data, err := os.ReadFile(utils.ExpandHome(job.PassphraseFile))
			if err != nil {
				return fmt.Errorf("job %s: read passphrase file: %w", job.Name, err)
			}
			job.Passphrase = strings.TrimRight(string(data), "\r\n")
		}
		job.Sources = make([]SourceRule, 0, len(job.Dirs))
		for _, spec := range job.Dirs {
			job.Sources = append(job.Sources, spec.Resolve(job.Defaults))
		}
	}
	return nil
}
