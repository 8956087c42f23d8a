package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/multierr"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/config"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/gateways/cachepurge"
	"github.com/haukened/selfblock/internal/block/gateways/hostsfile"
	"github.com/haukened/selfblock/internal/block/gateways/ipc"
	"github.com/haukened/selfblock/internal/block/gateways/netranges"
	"github.com/haukened/selfblock/internal/block/gateways/packetfilter"
	"github.com/haukened/selfblock/internal/block/gateways/resolver"
	"github.com/haukened/selfblock/internal/block/gateways/runner"
	"github.com/haukened/selfblock/internal/block/gateways/watcher"
	"github.com/haukened/selfblock/internal/block/repos/dnscache"
	"github.com/haukened/selfblock/internal/block/repos/journal"
	"github.com/haukened/selfblock/internal/block/repos/legacy"
	"github.com/haukened/selfblock/internal/block/repos/settings"
	"github.com/haukened/selfblock/internal/block/services/daemon"
	"github.com/haukened/selfblock/internal/block/services/lifecycle"
)

const appName = "selfblockd"

var version = "0.1.0-dev"

// Application holds the wired daemon and the resources it must release.
type Application struct {
	config  *config.AppConfig
	daemon  *daemon.Daemon
	server  *ipc.Server
	watcher *watcher.Watcher
	closers []func() error
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "configuration file (default "+config.DefaultConfigFile+")")
	flag.Parse()

	if os.Geteuid() != 0 {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, domain.ErrMustBeRoot)
		return domain.ExitCode(domain.ErrMustBeRoot)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return domain.ExitInternalError
	}

	if err := log.Configure(cfg.Env, cfg.Log.Level, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Logging configuration error: %v\n", err)
		return domain.ExitInternalError
	}

	log.Info(map[string]any{
		"version":  version,
		"env":      cfg.Env,
		"socket":   cfg.Daemon.Socket,
		"backend":  cfg.Backend.Mode,
		"settings": cfg.Settings.Directory,
	}, "daemon_starting")

	app, err := buildApplication(cfg, log.GetLogger())
	if err != nil {
		log.Error(map[string]any{"error": err.Error()}, "daemon_build_failed")
		return domain.ExitCode(err)
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.Error(map[string]any{"error": err.Error()}, "daemon_failed")
		return domain.ExitCode(err)
	}
	log.Info(nil, "daemon_stopped")
	return domain.ExitOK
}

// buildApplication constructs all components and wires them together.
func buildApplication(cfg *config.AppConfig, logger log.Logger) (*Application, error) {
	clk := clock.RealClock{}
	app := &Application{config: cfg}

	for _, dir := range []string{filepath.Dir(cfg.Journal.DB), filepath.Dir(cfg.Auth.KeyFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	legacyMigrator := legacy.New(legacy.Options{
		Dir:      cfg.Settings.LegacyDir,
		LockFile: cfg.Settings.LegacyLockFile,
		Clock:    clk,
		Logger:   log.Named(logger, "legacy"),
	})
	registry, err := settings.NewRegistry(settings.Options{
		Directory:   cfg.Settings.Directory,
		LockTimeout: cfg.Settings.LockTimeout,
		Clock:       clk,
		Logger:      log.Named(logger, "settings"),
		Upgrader:    legacyMigrator,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create settings registry: %w", err)
	}

	events, err := journal.Open(cfg.Journal.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	app.closers = append(app.closers, events.Close)

	cache, err := dnscache.New(cfg.Resolver.Cache.Size, clk)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}
	upstream, err := resolver.NewResolver(resolver.Options{
		Servers:  cfg.Resolver.Upstream,
		Timeout:  cfg.Resolver.Timeout,
		Parallel: len(cfg.Resolver.Upstream) > 1,
		MaxTTL:   cfg.Resolver.Cache.TTL,
		Cache:    cache,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	local := netranges.Local()
	backends, watched, err := buildBackends(cfg, local, logger, app)
	if err != nil {
		app.Close()
		return nil, err
	}

	manager := lifecycle.NewManager(lifecycle.ManagerOptions{
		Registry: registry,
		Backends: backends,
		Expander: lifecycle.NewExpander(lifecycle.ExpanderOptions{
			Resolver:    upstream,
			Servers:     upstream.Servers(),
			Parallelism: cfg.Resolver.Parallelism,
			Timeout:     cfg.Resolver.Timeout,
			Local:       local,
			Logger:      log.Named(logger, "expand"),
		}),
		Legacy:  legacyMigrator,
		Journal: events,
		Purger: cachepurge.New(cachepurge.Options{
			Local:  cache,
			Logger: log.Named(logger, "cachepurge"),
		}),
		Clock:  clk,
		Logger: log.Named(logger, "lifecycle"),
	})

	app.daemon = daemon.New(daemon.Options{
		Version:           version,
		Manager:           manager,
		History:           events,
		Settings:          registry,
		CheckupInterval:   cfg.Daemon.CheckupInterval,
		InactivityTimeout: cfg.Daemon.InactivityTimeout,
		Logger:            log.Named(logger, "daemon"),
	})

	master, err := ipc.LoadOrCreateKey(cfg.Auth.KeyFile)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	verifier := ipc.NewVerifier(master, clk, cfg.Auth.TokenTTL)
	app.server = ipc.NewServer(cfg.Daemon.Socket, app.daemon, verifier, log.Named(logger, "ipc"))

	if len(watched) > 0 {
		w, err := watcher.New(watched, watcher.DefaultDebounce, app.daemon.HostsChanged, log.Named(logger, "watcher"))
		if err != nil {
			// checkup ticks still catch tampering, only later
			logger.Warn(map[string]any{"error": err.Error()}, "watcher_disabled")
		} else {
			app.watcher = w
		}
	}
	return app, nil
}

// buildBackends creates the enforcement backends for the configured mode and
// lists the files whose changes should trigger a checkup.
func buildBackends(cfg *config.AppConfig, local *netranges.Ranges, logger log.Logger, app *Application) ([]lifecycle.Backend, []string, error) {
	var (
		backends []lifecycle.Backend
		watched  []string
	)
	mode := cfg.Backend.Mode
	if mode == "hosts" || mode == "both" {
		backends = append(backends, hostsfile.NewSet(cfg.Backend.HostsFiles, logger))
		watched = append(watched, cfg.Backend.HostsFiles...)
	}
	if mode == "pf" || mode == "both" {
		pf := cfg.Backend.PF
		filter, err := packetfilter.New(packetfilter.Options{
			Dialect:    pf.Dialect,
			Anchor:     pf.Anchor,
			Binary:     pf.Binary,
			ConfFile:   pf.ConfFile,
			AnchorFile: pf.AnchorFile,
			Runner:     runner.Exec{},
			Local:      local,
			Logger:     log.Named(logger, "packetfilter"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create packet filter: %w", err)
		}
		app.closers = append(app.closers, func() error {
			filter.Close()
			return nil
		})
		backends = append(backends, filter)
		if pf.Dialect == packetfilter.DialectPF {
			watched = append(watched, pf.ConfFile, pf.AnchorFile)
		}
	}
	if len(backends) == 0 {
		return nil, nil, fmt.Errorf("no enforcement backend for mode %q", mode)
	}
	return backends, watched, nil
}

// Run serves the protocol and supervises blocks until ctx is cancelled or the
// daemon goes idle.
func (app *Application) Run(ctx context.Context) error {
	var w daemon.Watcher
	if app.watcher != nil {
		w = app.watcher
	}
	return app.daemon.Run(ctx, app.server, w)
}

// Close releases every resource opened by buildApplication.
func (app *Application) Close() error {
	var err error
	for i := len(app.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, app.closers[i]())
	}
	app.closers = nil
	return err
}
