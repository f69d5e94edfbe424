// Package cli builds the rcbackup command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/encryption"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/types"
)

const (
	configSourceDefault = "default path"
	configSourceFlag    = "specified via --config/-c flag"

	// ExitInterrupted is returned when a signal stopped the run.
	ExitInterrupted = 128 + int(syscall.SIGINT)
)

// app carries the state shared by every subcommand.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	logFile    string

	logger *logging.Logger
	prompt func(ctx context.Context, prompt string) (string, error)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		prompt: encryption.ReadPassphrase,
	}
}

// NewRootCommand returns the rcbackup command tree writing to the given
// streams.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	return newApp(stdout, stderr).rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	var opts runOptions
	root := &cobra.Command{
		Use:   "rcbackup [flags] JOB[:TARGET]...",
		Short: "Incremental file backups driven by a configuration file",
		Long: `rcbackup selects files under per-job rules, bundles them into a stamped
archive, optionally encrypts it and delivers it to a local directory or
over SSH. TARGET overrides the job's configured [user@][host:]directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usageError("at least one JOB[:TARGET] argument is required")
			}
			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogger(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.logFile != "" {
				if err := a.logger.OpenLogFile(a.logFile); err != nil {
					return types.NewError(types.KindConfig, "open log", err).WithPath(a.logFile)
				}
				defer a.logger.CloseLogFile()
			}
			return a.runJobs(cmd.Context(), opts, args)
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return types.NewError(types.KindConfig, "flags", err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level (debug|info|warning|error|critical|none)")

	f := root.Flags()
	f.StringVar(&a.logFile, "log-file", "", "Also append log lines to FILE")
	f.StringVar(&opts.compression, "compression", "", "Override compression (7z|bz2|gz|none)")
	f.BoolVarP(&opts.noKeep, "nokeep", "K", false, "Remove the local archive after delivery")
	f.StringVarP(&opts.findFile, "find-file", "f", "", "List archive members whose basename matches PATTERN")
	f.BoolVar(&opts.fullPath, "full-path", false, "Match --find-file against the full member name")
	f.StringVar(&opts.getMember, "get-member", "", "Extract one file from the delivered archive")
	f.StringVar(&opts.outputDir, "output-dir", ".", "Directory receiving --get-member output")
	f.BoolVarP(&opts.noEncrypt, "noencrypt", "E", false, "Do not encrypt the archive")
	f.BoolVar(&opts.askPassphrase, "ask-passphrase", false, "Prompt for the encryption passphrase")
	root.MarkFlagsMutuallyExclusive("find-file", "get-member")

	root.AddCommand(
		a.schedulerCommand(),
		a.stampsCommand(),
		a.configCommand(),
		a.checkCommand(),
		a.versionCommand(),
	)
	return root
}

func usageError(msg string) error {
	return types.NewError(types.KindConfig, "arguments", errors.New(msg))
}

func (a *app) setupLogger(cmd *cobra.Command) error {
	level := types.LogLevelInfo
	if a.logLevel != "" {
		parsed, err := logging.ParseLevel(a.logLevel)
		if err != nil {
			return types.NewError(types.KindConfig, "log level", err)
		}
		level = parsed
	}
	a.logger = logging.New(level, isTerminal(a.stderr))
	a.logger.SetOutput(a.stderr)
	logging.SetDefaultLogger(a.logger)

	source := configSourceDefault
	if cmd.Flags().Changed("config") {
		source = configSourceFlag
	}
	a.logger.Debug("Configuration file: %s (%s)", a.configPath, source)
	return nil
}

// loadConfig reads the configuration and applies its log level unless
// --log-level was given.
func (a *app) loadConfig() (*config.File, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel == "" && cfg.Settings.LogLevel != "" {
		level, err := logging.ParseLevel(cfg.Settings.LogLevel)
		if err != nil {
			return nil, types.NewError(types.KindConfig, "log level", err).WithPath(cfg.Path)
		}
		a.logger.SetLevel(level)
	}
	return cfg, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	return a.execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return a.exitCode(ctx, err)
}

func (a *app) exitCode(ctx context.Context, err error) int {
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			fmt.Fprintln(a.stderr, "Interrupted")
			return ExitInterrupted
		}
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return types.ExitCodeFor(err).Int()
	}
	if a.logger != nil && a.logger.HasErrors() {
		return types.ExitBackupError.Int()
	}
	if a.logger != nil && a.logger.HasWarnings() {
		fmt.Fprintln(a.stderr, "Completed with warnings")
	}
	return types.ExitSuccess.Int()
}
