package cli

import (
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tis24dev/rcbackup/internal/orchestrator"
	"github.com/tis24dev/rcbackup/internal/stamps"
)

func (a *app) stampsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stamps",
		Short: "Show the last delivery and trigger stamp of every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			delivery, err := stamps.Open(cfg.Settings.StampFile, a.logger)
			if err != nil {
				return err
			}
			triggers, err := stamps.Open(cfg.Settings.SchedulerStampFile, a.logger)
			if err != nil {
				return err
			}
			renderStamps(a.stdout, cfg.JobNames(), delivery, triggers)
			return nil
		},
	}
}

// renderStamps prints one row per configured job followed by ledger
// entries for jobs no longer configured.
func renderStamps(w io.Writer, jobs []string, delivery, triggers *stamps.Ledger) {
	names := append([]string(nil), jobs...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	var stale []string
	for _, ledger := range []*stamps.Ledger{delivery, triggers} {
		for _, e := range ledger.Entries() {
			if !seen[e.Job] {
				seen[e.Job] = true
				stale = append(stale, e.Job)
			}
		}
	}
	sort.Strings(stale)
	names = append(names, stale...)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Job", "Last delivery", "Last trigger", "Due"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, name := range names {
		trigger := triggers.Lookup(name)
		due := trigger != 0 && orchestrator.IsDue(delivery, name, trigger)
		table.Append([]string{
			name,
			formatStamp(delivery.Lookup(name)),
			formatStamp(trigger),
			strconv.FormatBool(due),
		})
	}
	table.Render()
}

func formatStamp(stamp float64) string {
	if stamp == 0 {
		return "-"
	}
	return stamps.Time(stamp).Format(stamps.DateLayout)
}
