package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tis24dev/rcbackup/internal/version"
)

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(a.stdout, version.Details())
		},
	}
}
