// Package packetfilter enforces a block with the host packet filter. It is the
// only backend that can enforce an allowlist, since it can default-deny.
//
// Every control-tool invocation goes through a single FIFO worker so rule
// changes never interleave.
package packetfilter

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/gateways/netranges"
	"github.com/haukened/selfblock/internal/block/gateways/runner"
)

const (
	DialectPF  = "pf"
	DialectNFT = "nft"
)

type dialect interface {
	name() string
	render(p plan) string
	apply(ctx context.Context, r runner.Runner, rules string) error
	installed(ctx context.Context, r runner.Runner) bool
	remove(ctx context.Context, r runner.Runner) error
}

// Options configures a Filter.
type Options struct {
	Dialect    string
	Anchor     string
	Binary     string
	ConfFile   string
	AnchorFile string
	Runner     runner.Runner
	// Local lists the networks kept reachable for allowlists that allow local traffic.
	Local  *netranges.Ranges
	Logger log.Logger
}

// Filter implements the enforcement backend contract on top of pf or nftables.
type Filter struct {
	d      dialect
	run    *runner.Serial
	local  []netip.Prefix
	logger log.Logger
}

// New builds a Filter. The caller must Close it to stop the worker.
func New(opts Options) (*Filter, error) {
	if opts.Anchor == "" {
		opts.Anchor = "selfblock"
	}
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	if opts.Local == nil {
		opts.Local = netranges.Local()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	var d dialect
	switch opts.Dialect {
	case DialectPF:
		if opts.Binary == "" {
			opts.Binary = "pfctl"
		}
		if opts.ConfFile == "" || opts.AnchorFile == "" {
			return nil, fmt.Errorf("pf dialect needs conf and anchor files")
		}
		d = &pfDialect{binary: opts.Binary, anchor: opts.Anchor, confFile: opts.ConfFile, anchorFile: opts.AnchorFile}
	case DialectNFT:
		if opts.Binary == "" {
			opts.Binary = "nft"
		}
		d = &nftDialect{binary: opts.Binary, table: opts.Anchor}
	default:
		return nil, fmt.Errorf("unknown packet filter dialect %q", opts.Dialect)
	}
	return &Filter{
		d:      d,
		run:    runner.NewSerial(opts.Runner),
		local:  opts.Local.Prefixes(),
		logger: opts.Logger,
	}, nil
}

func (f *Filter) Name() string { return f.d.name() }

// Supports reports true for both modes.
func (f *Filter) Supports(bool) bool { return true }

// Rules renders the rule text Install would load for rs.
func (f *Filter) Rules(rs domain.RuleSet) string {
	return f.d.render(newPlan(rs, f.local))
}

// Install validates and atomically loads the rules for rs.
func (f *Filter) Install(ctx context.Context, rs domain.RuleSet) error {
	p := newPlan(rs, f.local)
	if err := f.d.apply(ctx, f.run, f.d.render(p)); err != nil {
		return err
	}
	f.logger.Debug(map[string]any{
		"dialect": f.d.name(),
		"mode":    p.mode(),
		"targets": len(p.targets),
	}, "packet_filter_installed")
	return nil
}

func (f *Filter) IsInstalled(ctx context.Context) bool {
	return f.d.installed(ctx, f.run)
}

// Remove unloads the rules. Removing when nothing is installed is not an error.
func (f *Filter) Remove(ctx context.Context) error {
	if err := f.d.remove(ctx, f.run); err != nil {
		return err
	}
	f.logger.Debug(map[string]any{"dialect": f.d.name()}, "packet_filter_removed")
	return nil
}

// Close stops the command worker.
func (f *Filter) Close() {
	f.run.Close()
}
