package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/gateways/ipc"
	"github.com/haukened/selfblock/internal/block/repos/blockfile"
)

type startFlags struct {
	duration         time.Duration
	until            string
	allowlist        bool
	file             string
	allowLocal       bool
	commonSubdomains bool
	linkedDomains    bool
	clearCaches      bool
}

func (a *app) startCmd() *cobra.Command {
	var f startFlags
	cmd := &cobra.Command{
		Use:   "start [entries...]",
		Short: "Start a block",
		Long: `Start a block that lasts until the end date. Entries are hostnames, addresses
or networks with an optional port ("example.com", "10.0.0.0/8", "[::1]:443").

Examples:
  selfblock start --duration 1h example.com news.example.org
  selfblock start --until 2030-01-01T09:00:00Z --file work.yaml
  selfblock start --allowlist --allow-local --duration 30m docs.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			end, err := a.endDate(f.duration, f.until)
			if err != nil {
				return err
			}
			allowlist := f.allowlist
			raws := args
			if f.file != "" {
				def, err := blockfile.Read(f.file)
				if err != nil {
					return domain.ErrInvalidRequest.WithMessagef("read %s: %v", f.file, err)
				}
				raws = append(append([]string{}, def.Blocklist...), args...)
				allowlist = allowlist || def.Allowlist
			}
			entries, err := cleanArgs(raws)
			if err != nil {
				return err
			}

			c, err := a.client(true)
			if err != nil {
				return err
			}
			err = c.StartBlock(cmd.Context(), ipc.StartBlockParams{
				ControllingUID: a.controllingUID(),
				Blocklist:      entries,
				Allowlist:      allowlist,
				EndDate:        end,
				Options: domain.BlockOptions{
					AllowLocal:              f.allowLocal,
					IncludeCommonSubdomains: f.commonSubdomains,
					IncludeLinkedDomains:    f.linkedDomains,
					ClearCaches:             f.clearCaches,
				},
			})
			if err != nil {
				return err
			}
			printf(cmd, "Block started with %d entries until %s.\n", len(entries), end.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "block length, e.g. 1h30m")
	cmd.Flags().StringVar(&f.until, "until", "", "end date in RFC 3339")
	cmd.Flags().BoolVar(&f.allowlist, "allowlist", false, "block everything except the entries")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "block definition file to read entries from")
	cmd.Flags().BoolVar(&f.allowLocal, "allow-local", false, "never block local networks")
	cmd.Flags().BoolVar(&f.commonSubdomains, "common-subdomains", false, "also block www., m. and similar variants")
	cmd.Flags().BoolVar(&f.linkedDomains, "linked-domains", false, "also block related domains of known services")
	cmd.Flags().BoolVar(&f.clearCaches, "clear-caches", false, "clear browser and DNS caches when the block ends")
	cmd.MarkFlagsMutuallyExclusive("duration", "until")
	return cmd
}

func (a *app) addCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add [entries...]",
		Short: "Add entries to the running block",
		Long: `Add entries to the running block. A blocklist only ever grows; in allowlist
mode the given entries replace the allowlist and only removals take effect.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raws := args
			if file != "" {
				def, err := blockfile.Read(file)
				if err != nil {
					return domain.ErrInvalidRequest.WithMessagef("read %s: %v", file, err)
				}
				raws = append(append([]string{}, def.Blocklist...), args...)
			}
			entries, err := cleanArgs(raws)
			if err != nil {
				return err
			}
			c, err := a.client(true)
			if err != nil {
				return err
			}
			if err := c.UpdateBlocklist(cmd.Context(), ipc.UpdateBlocklistParams{Blocklist: entries}); err != nil {
				return err
			}
			printf(cmd, "Blocklist updated.\n")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "block definition file to read entries from")
	return cmd
}

func (a *app) extendCmd() *cobra.Command {
	var (
		by    time.Duration
		until string
	)
	cmd := &cobra.Command{
		Use:   "extend",
		Short: "Move the end date of the running block later",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(true)
			if err != nil {
				return err
			}
			var end time.Time
			switch {
			case until != "":
				end, err = time.Parse(time.RFC3339, until)
				if err != nil {
					return domain.ErrInvalidEndDate.WithMessagef("parse --until: %v", err)
				}
			case by > 0:
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				if !st.Running || st.EndDate == nil {
					return domain.ErrNotBlocking.WithMessage("no block is running")
				}
				end = st.EndDate.Add(by)
			default:
				return domain.ErrInvalidEndDate.WithMessage("one of --by or --until is required")
			}
			if err := c.UpdateBlockEndDate(cmd.Context(), ipc.UpdateEndDateParams{EndDate: end}); err != nil {
				return err
			}
			printf(cmd, "Block now ends %s.\n", end.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().DurationVar(&by, "by", 0, "extend the current end date by this much")
	cmd.Flags().StringVar(&until, "until", "", "new end date in RFC 3339")
	cmd.MarkFlagsMutuallyExclusive("by", "until")
	return cmd
}

func (a *app) endDate(d time.Duration, until string) (time.Time, error) {
	switch {
	case until != "":
		end, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return time.Time{}, domain.ErrInvalidEndDate.WithMessagef("parse --until: %v", err)
		}
		return end, nil
	case d > 0:
		return a.opts.Clock.Now().Add(d).Truncate(time.Second), nil
	default:
		return time.Time{}, domain.ErrInvalidEndDate.WithMessage("one of --duration or --until is required")
	}
}

// cleanArgs normalises entries before they are sent, so typos are reported
// by the client instead of half-applied by the daemon.
func cleanArgs(raws []string) ([]string, error) {
	entries, invalid := domain.CleanEntries(raws)
	if len(invalid) > 0 {
		return nil, domain.ErrInvalidEntry.WithMessagef("invalid entries: %s", strings.Join(invalid, ", "))
	}
	if len(entries) == 0 {
		return nil, domain.ErrEmptyBlocklist.WithMessage("no entries given")
	}
	return domain.EntryStrings(entries), nil
}
