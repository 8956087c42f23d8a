// Package cli is the unprivileged client: it talks to selfblockd over the
// protocol socket and mints authorization proofs from the master key.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/config"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/gateways/ipc"
)

// DaemonClient is the protocol surface the commands use.
type DaemonClient interface {
	Version(ctx context.Context) (string, error)
	StartBlock(ctx context.Context, p ipc.StartBlockParams) error
	UpdateBlocklist(ctx context.Context, p ipc.UpdateBlocklistParams) error
	UpdateBlockEndDate(ctx context.Context, p ipc.UpdateEndDateParams) error
	Status(ctx context.Context) (ipc.StatusResult, error)
	History(ctx context.Context, p ipc.HistoryParams) (ipc.HistoryResult, error)
}

var _ DaemonClient = (*ipc.Client)(nil)

type Options struct {
	Version string
	Clock   clock.Clock
	// Client replaces the socket client. Used by tests.
	Client DaemonClient
	// Getenv and Getuid identify the controlling user.
	Getenv func(string) string
	Getuid func() int
}

type app struct {
	opts Options

	configPath string
	socket     string
	keyFile    string
	jsonOutput bool
}

// NewRootCommand builds the selfblock command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.Getuid == nil {
		opts.Getuid = os.Getuid
	}
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:   "selfblock",
		Short: "selfblock - block distracting sites until a deadline",
		Long: `selfblock asks the privileged selfblockd daemon to block a list of hosts,
or everything except a list of hosts, until an end date. A running block can
be extended or grown but never shortened or weakened.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "daemon configuration file used for defaults")
	root.PersistentFlags().StringVar(&a.socket, "socket", "", "daemon socket (default from config)")
	root.PersistentFlags().StringVar(&a.keyFile, "key-file", "", "master key used to authorize changes (default from config)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		a.versionCmd(),
		a.statusCmd(),
		a.historyCmd(),
		a.startCmd(),
		a.addCmd(),
		a.extendCmd(),
		a.exportCmd(),
		a.importCheckCmd(),
	)
	return root
}

// client returns the daemon client. Mutating commands need the master key,
// which only root can read.
func (a *app) client(authorized bool) (DaemonClient, error) {
	if a.opts.Client != nil {
		return a.opts.Client, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	socket := a.socket
	if socket == "" {
		socket = cfg.Daemon.Socket
	}
	if !authorized {
		return ipc.NewClient(socket, nil), nil
	}
	keyFile := a.keyFile
	if keyFile == "" {
		keyFile = cfg.Auth.KeyFile
	}
	master, err := ipc.LoadKey(keyFile)
	if err != nil {
		return nil, domain.ErrAuthorizationDenied.WithMessagef("read master key: %v", err)
	}
	return ipc.NewClient(socket, ipc.NewSigner(master, a.opts.Clock, cfg.Auth.TokenTTL)), nil
}

// controllingUID is the user the block is started for: the invoking user when
// run through sudo, otherwise the current user.
func (a *app) controllingUID() uint32 {
	if raw := a.opts.Getenv("SUDO_UID"); raw != "" {
		if uid, err := strconv.ParseUint(raw, 10, 32); err == nil {
			return uint32(uid)
		}
	}
	return uint32(a.opts.Getuid())
}

func (a *app) outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
