package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/notify"
	"github.com/tis24dev/rcbackup/internal/orchestrator"
	"github.com/tis24dev/rcbackup/internal/stamps"
	"github.com/tis24dev/rcbackup/internal/types"
	"github.com/tis24dev/rcbackup/internal/version"
	"github.com/tis24dev/rcbackup/pkg/utils"
)

type runOptions struct {
	compression   string
	noKeep        bool
	findFile      string
	fullPath      bool
	getMember     string
	outputDir     string
	noEncrypt     bool
	askPassphrase bool
}

// jobArg is one "JOB[:TARGET]" command-line argument.
type jobArg struct {
	name   string
	target *config.Target
}

// parseJobArg splits at the first colon; everything after it is the
// target override.
func parseJobArg(arg string) (jobArg, error) {
	name, rest, found := strings.Cut(arg, ":")
	if name == "" {
		return jobArg{}, usageError(fmt.Sprintf("missing job name in %q", arg))
	}
	ja := jobArg{name: name}
	if found {
		target, err := config.ParseTarget(rest)
		if err != nil {
			return jobArg{}, types.NewError(types.KindConfig, "target override", err).WithJob(name)
		}
		if err := config.ValidateTarget(target); err != nil {
			return jobArg{}, types.NewError(types.KindConfig, "target override", err).WithJob(name)
		}
		ja.target = &target
	}
	return ja, nil
}

// runJobs runs each named job in order. A failing job does not stop the
// others; the first failure decides the exit code.
func (a *app) runJobs(ctx context.Context, opts runOptions, args []string) error {
	var compression types.CompressionType
	if opts.compression != "" {
		compression = types.CompressionType(strings.ToLower(opts.compression))
		if !compression.Valid() {
			return usageError(fmt.Sprintf("unsupported compression %q", opts.compression))
		}
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}

	jobs := make([]jobArg, 0, len(args))
	for _, arg := range args {
		ja, err := parseJobArg(arg)
		if err != nil {
			return err
		}
		if _, ok := cfg.Job(ja.name); !ok {
			return types.NewError(types.KindConfig, "arguments", fmt.Errorf("unknown job %q (configured: %s)", ja.name, strings.Join(cfg.JobNames(), ", "))).WithPath(cfg.Path)
		}
		jobs = append(jobs, ja)
	}

	var passphrase string
	if opts.askPassphrase && !opts.noEncrypt {
		passphrase, err = a.prompt(ctx, "Passphrase: ")
		if err != nil {
			return types.NewError(types.KindCrypto, "passphrase prompt", err)
		}
	}

	ledger, err := stamps.Open(cfg.Settings.StampFile, a.logger)
	if err != nil {
		return err
	}
	defer closeLedger(a.logger, ledger)

	var first error
	for _, ja := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, _ := cfg.Job(ja.name)
		if passphrase != "" {
			job.Passphrase = passphrase
		}
		if err := a.runJob(ctx, cfg.Settings, job, ja, compression, opts, ledger); err != nil {
			a.logger.Error("%s: %v", ja.name, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (a *app) runJob(ctx context.Context, settings config.Settings, job config.JobConfig, ja jobArg, compression types.CompressionType, opts runOptions, ledger orchestrator.Ledger) error {
	deps, err := orchestrator.NewDeps(ctx, a.logger, settings, job, ledger)
	if err != nil {
		return err
	}
	jobOpts := orchestrator.Options{
		Target:      ja.target,
		Compression: compression,
		NoEncrypt:   opts.noEncrypt,
	}
	if opts.noKeep {
		keep := false
		jobOpts.Keep = &keep
	}
	j, err := orchestrator.NewJob(job, jobOpts, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := j.Close(); err != nil {
			a.logger.Warning("%s: cannot remove scratch directory: %v", j.Name(), err)
		}
	}()

	switch {
	case opts.findFile != "":
		found, err := j.FindFiles(ctx, opts.findFile, opts.fullPath)
		if err != nil {
			return err
		}
		for _, name := range found {
			fmt.Fprintln(a.stdout, name)
		}
		return nil
	case opts.getMember != "":
		member, err := memberPath(opts.getMember)
		if err != nil {
			return err
		}
		out, err := j.GetMember(ctx, member, opts.outputDir)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, out)
		return nil
	}

	start := time.Now()
	summary, err := j.Run(ctx, 0)
	notify.Dispatch(ctx, a.logger, a.notifier(settings), notify.NewNotificationData(summary, err, time.Since(start)))
	if err != nil {
		return err
	}
	a.logger.Info("%s: %d files, %s at %s", summary.Job, summary.Files,
		utils.FormatBytes(summary.ArchiveBytes), summary.Delivery.Location)
	return nil
}

func (a *app) notifier(settings config.Settings) notify.Notifier {
	return notify.NewWebhookNotifier(settings.Notify, version.String(), a.logger)
}

// memberPath resolves a relative member against the working directory,
// since archive members carry absolute source paths.
func memberPath(member string) (string, error) {
	if filepath.IsAbs(member) {
		return filepath.Clean(member), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", types.NewError(types.KindConfig, "get member", err)
	}
	return filepath.Join(cwd, member), nil
}
