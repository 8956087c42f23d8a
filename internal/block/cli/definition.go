package cli

import (
	"github.com/spf13/cobra"

	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/repos/blockfile"
)

func (a *app) exportCmd() *cobra.Command {
	var allowlist bool
	cmd := &cobra.Command{
		Use:   "export <file> [entries...]",
		Short: "Write a block definition file",
		Long: `Write a block definition file. With entries, the file holds those entries;
without, it holds the list of the running block.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			def := domain.BlockDefinition{Allowlist: allowlist}
			if len(args) > 1 {
				entries, err := cleanArgs(args[1:])
				if err != nil {
					return err
				}
				def.Blocklist = entries
			} else {
				c, err := a.client(false)
				if err != nil {
					return err
				}
				st, err := c.Status(cmd.Context())
				if err != nil {
					return err
				}
				if !st.Running {
					return domain.ErrNotBlocking.WithMessage("no block is running and no entries were given")
				}
				def = domain.BlockDefinition{Blocklist: st.Blocklist, Allowlist: st.Allowlist}
			}
			if err := blockfile.Write(path, def); err != nil {
				return err
			}
			printf(cmd, "Wrote %d entries to %s.\n", len(def.Blocklist), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&allowlist, "allowlist", false, "mark the definition as an allowlist")
	return cmd
}

type importReport struct {
	Allowlist bool     `json:"allowlist"`
	Valid     []string `json:"valid"`
	Invalid   []string `json:"invalid"`
}

func (a *app) importCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-check <file>",
		Short: "Validate a block definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := blockfile.Read(args[0])
			if err != nil {
				return domain.ErrInvalidRequest.WithMessagef("read %s: %v", args[0], err)
			}
			entries, invalid := def.Entries()
			rep := importReport{Allowlist: def.Allowlist, Valid: domain.EntryStrings(entries), Invalid: invalid}
			if rep.Invalid == nil {
				rep.Invalid = []string{}
			}
			if a.jsonOutput {
				if err := a.outputJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
			} else {
				mode := "blocklist"
				if def.Allowlist {
					mode = "allowlist"
				}
				printf(cmd, "%s: %s with %d valid entries\n", args[0], mode, len(rep.Valid))
				for _, tok := range rep.Invalid {
					printf(cmd, "  invalid: %s\n", tok)
				}
			}
			if len(rep.Invalid) > 0 {
				return domain.ErrInvalidEntry.WithMessagef("%d invalid entries in %s", len(rep.Invalid), args[0])
			}
			return nil
		},
	}
}
