package cli

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/notify"
	"github.com/tis24dev/rcbackup/internal/types"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

func (a *app) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the validated configuration with defaults applied",
		Long:  "Print the validated configuration as YAML. Passphrases, mirror credentials and webhook secrets are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			return writeConfig(a.stdout, cfg)
		},
	}
}

func writeConfig(w io.Writer, cfg *config.File) error {
	masked := *cfg
	masked.Jobs = make([]config.JobConfig, len(cfg.Jobs))
	for i, job := range cfg.Jobs {
		job.Passphrase = utils.MaskSecret(job.Passphrase)
		if job.Mirror != nil {
			mirror := *job.Mirror
			mirror.AccessKeyID = utils.MaskSecret(mirror.AccessKeyID)
			mirror.SecretAccessKey = utils.MaskSecret(mirror.SecretAccessKey)
			job.Mirror = &mirror
		}
		masked.Jobs[i] = job
	}
	masked.Settings.Notify.Webhooks = make([]config.WebhookEndpoint, len(cfg.Settings.Notify.Webhooks))
	for i, hook := range cfg.Settings.Notify.Webhooks {
		hook.URL = notify.MaskURL(hook.URL)
		hook.Auth.Token = utils.MaskSecret(hook.Auth.Token)
		hook.Auth.Pass = utils.MaskSecret(hook.Auth.Pass)
		hook.Auth.Secret = utils.MaskSecret(hook.Auth.Secret)
		masked.Settings.Notify.Webhooks[i] = hook
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return types.NewError(types.KindConfig, "encode", err)
	}
	return enc.Close()
}
