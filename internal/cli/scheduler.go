package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/metrics"
	"github.com/tis24dev/rcbackup/internal/scheduler"
	"github.com/tis24dev/rcbackup/internal/stamps"
	"github.com/tis24dev/rcbackup/internal/types"
	"github.com/tis24dev/rcbackup/internal/version"
)

func (a *app) schedulerCommand() *cobra.Command {
	var (
		verbose   bool
		logPath   string
		stampFile string
	)
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run jobs from their cron schedules until stopped",
		Long: `The scheduler records a trigger stamp whenever a job's schedule fires and
runs every job whose trigger is newer than its last delivery.

Signals: SIGHUP reloads the configuration, SIGUSR1 triggers every job,
SIGINT and SIGTERM wait for running jobs and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if verbose {
				a.logger.SetLevel(types.LogLevelDebug)
			}
			settings := cfg.Settings
			if logPath == "" {
				logPath = settings.LogFile
			}
			if logPath != "" {
				if err := a.logger.OpenRotatingLogFile(logPath, logging.RotationOptions{
					MaxSizeMB:  settings.LogMaxSizeMB,
					MaxBackups: settings.LogMaxBackups,
					MaxAgeDays: settings.LogMaxAgeDays,
					Compress:   settings.LogCompress,
				}); err != nil {
					return types.NewError(types.KindConfig, "open log", err).WithPath(logPath)
				}
				defer a.logger.CloseLogFile()
			}
			if stampFile == "" {
				stampFile = settings.SchedulerStampFile
			}

			delivery, err := stamps.Open(settings.StampFile, a.logger)
			if err != nil {
				return err
			}
			defer closeLedger(a.logger, delivery)
			triggers, err := stamps.Open(stampFile, a.logger)
			if err != nil {
				return err
			}
			defer closeLedger(a.logger, triggers)

			s, err := scheduler.New(a.logger, scheduler.Options{
				ConfigPath: cfg.Path,
				Delivery:   delivery,
				Triggers:   triggers,
				Metrics:    metrics.NewPrometheusExporter(settings.MetricsDir, version.String(), a.logger),
				Notifier:   a.notifier,
			})
			if err != nil {
				return err
			}

			a.logger.Info("Scheduler starting (log level %s, log file %q)", a.logger.GetLevel(), a.logger.GetLogFilePath())
			sigs := make(chan os.Signal, 4)
			signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigs)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go forwardSignals(ctx, a.logger, sigs, s.Send)

			return s.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	f.StringVarP(&logPath, "log", "l", "", "Log file (rotated), overrides settings.log_file")
	f.StringVarP(&stampFile, "stamp-file", "s", "", "Trigger stamp file, overrides settings.scheduler_stamp_file")
	return cmd
}

// commandFor maps a process signal to a scheduler control message.
func commandFor(sig os.Signal) (scheduler.Command, bool) {
	switch sig {
	case syscall.SIGHUP:
		return scheduler.Reload, true
	case syscall.SIGUSR1:
		return scheduler.BackupAll, true
	case syscall.SIGINT, syscall.SIGTERM:
		return scheduler.Shutdown, true
	default:
		return 0, false
	}
}

func forwardSignals(ctx context.Context, logger *logging.Logger, sigs <-chan os.Signal, send func(scheduler.Command) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			cmd, ok := commandFor(sig)
			if !ok {
				continue
			}
			logger.Info("Received %v, sending %s", sig, cmd)
			if !send(cmd) {
				return
			}
		}
	}
}

func closeLedger(logger *logging.Logger, ledger *stamps.Ledger) {
	if err := ledger.Close(); err != nil {
		logger.Error("Cannot persist stamps to %s: %v", ledger.Path(), err)
	}
}
