package lifecycle

import (
	"context"
	"net/netip"

	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/repos/legacy"
)

// Backend is one enforcement mechanism. Install replaces whatever the backend
// enforced before; Remove is safe to call when nothing is installed.
type Backend interface {
	Name() string
	Supports(allowlist bool) bool
	Install(ctx context.Context, rs domain.RuleSet) error
	IsInstalled(ctx context.Context) bool
	Remove(ctx context.Context) error
}

// EntryFilter is implemented by backends that can express only some entries.
// A backend without it enforces every entry.
type EntryFilter interface {
	Enforces(e domain.BlockEntry) bool
}

// HostResolver resolves hostnames without consulting the hosts file, which the
// block itself rewrites.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// LocalNetworks answers whether a network is local.
type LocalNetworks interface {
	Covers(p netip.Prefix) bool
}

// EventJournal records block history.
type EventJournal interface {
	Append(ev domain.BlockEvent) (domain.BlockEvent, error)
}

// LegacyMigrator folds files from older releases into current settings.
type LegacyMigrator interface {
	Users() []uint32
	FindLegacy(uid uint32) legacy.Found
	LockFileExists() bool
	MigrateInto(ctx context.Context, store legacy.SettingsMutator, includeLock bool) (bool, error)
}

// CachePurger clears caches after a block ends.
type CachePurger interface {
	Purge(ctx context.Context, uid uint32) error
}
