package hostsfile

import (
	"context"

	"go.uber.org/multierr"

	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
)

// Set applies every operation to all of its hosts files. An operation only
// succeeds when it succeeded on every member, so no network path is left
// unblocked while another is blocked.
type Set struct {
	members []*Blocker
}

// NewSet builds a Set over paths.
func NewSet(paths []string, logger log.Logger) *Set {
	s := &Set{}
	for _, p := range paths {
		s.members = append(s.members, New(p, log.Named(logger, "hosts")))
	}
	return s
}

func (s *Set) Name() string { return "hosts" }

// Supports reports false for allowlist mode.
func (s *Set) Supports(allowlist bool) bool { return !allowlist }

// Enforces reports whether the hosts files can express e.
func (s *Set) Enforces(e domain.BlockEntry) bool { return Expressible(e) }

// Members returns the underlying blockers.
func (s *Set) Members() []*Blocker { return s.members }

// Install installs on every member, attempting all of them even after a failure.
func (s *Set) Install(ctx context.Context, rs domain.RuleSet) error {
	var err error
	for _, m := range s.members {
		err = multierr.Append(err, m.Install(ctx, rs))
	}
	return err
}

// IsInstalled is true only when every member is installed.
func (s *Set) IsInstalled(ctx context.Context) bool {
	if len(s.members) == 0 {
		return false
	}
	for _, m := range s.members {
		if !m.IsInstalled(ctx) {
			return false
		}
	}
	return true
}

// Remove removes from every member.
func (s *Set) Remove(ctx context.Context) error {
	var err error
	for _, m := range s.members {
		err = multierr.Append(err, m.Remove(ctx))
	}
	return err
}
