package cli

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tis24dev/rcbackup/internal/security"
)

func (a *app) checkCommand() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Audit the configuration for missing tools and exposed secrets",
		Long: `Audit the configuration beyond validation: helper binaries required by
the configured compressions and encryption, permissions of files holding
secrets, and private keys given as recipients. Errors exit with status 2.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			result, auditErr := security.Run(a.logger, cfg, security.Options{AutoFix: fix})
			renderIssues(a.stdout, result)
			return auditErr
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "tighten permissions of secret-bearing files to 600")
	return cmd
}

func renderIssues(w io.Writer, result *security.Result) {
	if result == nil || len(result.Issues) == 0 {
		fmt.Fprintln(w, "No issues found")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Severity", "Job", "Issue"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	for _, issue := range result.Issues {
		job := issue.Job
		if job == "" {
			job = "-"
		}
		table.Append([]string{string(issue.Severity), job, issue.Message})
	}
	table.Render()
}
