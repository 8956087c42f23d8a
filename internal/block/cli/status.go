package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/selfblock/internal/block/gateways/ipc"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(false)
			if err != nil {
				return err
			}
			daemon, err := c.Version(cmd.Context())
			if err != nil {
				daemon = "not running"
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), map[string]string{"client": a.opts.Version, "daemon": daemon})
			}
			printf(cmd, "selfblock %s\n", a.opts.Version)
			printf(cmd, "selfblockd %s\n", daemon)
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current block",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(false)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), st)
			}
			a.printStatus(cmd, st)
			return nil
		},
	}
}

func (a *app) printStatus(cmd *cobra.Command, st ipc.StatusResult) {
	if !st.Running {
		printf(cmd, "No block is running.\n")
		return
	}
	mode := "blocklist"
	if st.Allowlist {
		mode = "allowlist"
	}
	printf(cmd, "State:     %s\n", st.State)
	printf(cmd, "Mode:      %s\n", mode)
	if st.EndDate != nil {
		remaining := st.EndDate.Sub(a.opts.Clock.Now()).Round(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		printf(cmd, "Ends:      %s (%s left)\n", st.EndDate.Format(time.RFC3339), remaining)
	}
	printf(cmd, "Enforced:  %t\n", st.Installed)
	printf(cmd, "Entries:   %d\n", len(st.Blocklist))
	for _, e := range st.Blocklist {
		printf(cmd, "  %s\n", e)
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent block events",
		Long: `Show recent block events, newest first.

Examples:
  selfblock history          # last 50 events
  selfblock history -n 10    # last 10 events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(false)
			if err != nil {
				return err
			}
			res, err := c.History(cmd.Context(), ipc.HistoryParams{Limit: limit})
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.outputJSON(cmd.OutOrStdout(), res.Events)
			}
			if len(res.Events) == 0 {
				printf(cmd, "No events recorded.\n")
				return nil
			}
			for _, ev := range res.Events {
				end := "-"
				if ev.EndDate != nil {
					end = ev.EndDate.Format(time.RFC3339)
				}
				printf(cmd, "%s  %-11s uid=%d end=%s entries=%d", ev.Time.Format(time.RFC3339), ev.Kind, ev.UID, end, ev.Entries)
				if ev.Detail != "" {
					printf(cmd, " (%s)", ev.Detail)
				}
				printf(cmd, "\n")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of events to show")
	return cmd
}
