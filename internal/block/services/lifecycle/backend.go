package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/haukened/selfblock/internal/block/domain"
)

// Combined applies one block to several backends. It succeeds only when every
// member succeeds, so one network path is never left unblocked while another
// is blocked.
type Combined struct {
	members []Backend
}

// NewCombined groups members in the given order.
func NewCombined(members ...Backend) *Combined {
	return &Combined{members: members}
}

// ForMode returns the members able to enforce the given mode.
func (c *Combined) ForMode(allowlist bool) *Combined {
	var out []Backend
	for _, m := range c.members {
		if m.Supports(allowlist) {
			out = append(out, m)
		}
	}
	return &Combined{members: out}
}

// Len returns the number of members.
func (c *Combined) Len() int { return len(c.members) }

func (c *Combined) Name() string {
	names := make([]string, 0, len(c.members))
	for _, m := range c.members {
		names = append(names, m.Name())
	}
	return strings.Join(names, "+")
}

// Supports reports whether any member supports the mode.
func (c *Combined) Supports(allowlist bool) bool {
	return c.ForMode(allowlist).Len() > 0
}

// Install installs rs on every member that supports its mode.
func (c *Combined) Install(ctx context.Context, rs domain.RuleSet) error {
	var errs error
	for _, m := range c.members {
		if !m.Supports(rs.Allowlist) {
			continue
		}
		if err := m.Install(ctx, rs); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errs
}

// IsInstalled reports whether every member is installed. An empty set is
// never installed.
func (c *Combined) IsInstalled(ctx context.Context) bool {
	if len(c.members) == 0 {
		return false
	}
	for _, m := range c.members {
		if !m.IsInstalled(ctx) {
			return false
		}
	}
	return true
}

// Installed returns the members that currently report an installed block.
func (c *Combined) Installed(ctx context.Context) *Combined {
	var out []Backend
	for _, m := range c.members {
		if m.IsInstalled(ctx) {
			out = append(out, m)
		}
	}
	return &Combined{members: out}
}

// Enforces reports whether some member can express e.
func (c *Combined) Enforces(e domain.BlockEntry) bool {
	for _, m := range c.members {
		f, ok := m.(EntryFilter)
		if !ok || f.Enforces(e) {
			return true
		}
	}
	return false
}

// Unenforced returns the entries no member can express.
func (c *Combined) Unenforced(entries []domain.BlockEntry) []domain.BlockEntry {
	var out []domain.BlockEntry
	for _, e := range entries {
		if !c.Enforces(e) {
			out = append(out, e)
		}
	}
	return out
}

// Remove removes the block from every member, attempting all of them.
func (c *Combined) Remove(ctx context.Context) error {
	var errs error
	for _, m := range c.members {
		if err := m.Remove(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errs
}

var (
	_ Backend     = (*Combined)(nil)
	_ EntryFilter = (*Combined)(nil)
)
