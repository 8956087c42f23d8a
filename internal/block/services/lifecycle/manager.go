// Package lifecycle owns the block: starting it, strengthening it, keeping its
// enforcement installed and removing it once it ends.
package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/repos/settings"
)

// StartRequest describes a new block.
type StartRequest struct {
	UID       uint32
	Entries   []string
	Allowlist bool
	EndDate   time.Time
	Options   domain.BlockOptions
}

// Status is the block as reported to clients.
type Status struct {
	Session   domain.BlockSession
	Settings  domain.Settings
	Installed bool
}

type ManagerOptions struct {
	Registry *settings.Registry
	Backends []Backend
	Expander *Expander
	Legacy   LegacyMigrator
	Journal  EventJournal
	Purger   CachePurger
	Clock    clock.Clock
	Logger   log.Logger
}

// Manager runs block transitions one at a time. The block is system wide: at
// most one user's settings hold a running block.
type Manager struct {
	registry *settings.Registry
	all      *Combined
	expander *Expander
	legacy   LegacyMigrator
	journal  EventJournal
	purger   CachePurger
	clock    clock.Clock
	logger   log.Logger

	mu    sync.Mutex
	phase atomic.Int32
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Expander == nil {
		opts.Expander = NewExpander(ExpanderOptions{Logger: opts.Logger})
	}
	return &Manager{
		registry: opts.Registry,
		all:      NewCombined(opts.Backends...),
		expander: opts.Expander,
		legacy:   opts.Legacy,
		journal:  opts.Journal,
		purger:   opts.Purger,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// ActiveStore returns the store holding the running block, re-reading every
// user's document from disk.
func (m *Manager) ActiveStore(ctx context.Context) (*settings.Store, domain.Settings, bool, error) {
	uids, err := m.registry.Users()
	if err != nil {
		return nil, domain.Settings{}, false, err
	}
	for _, uid := range uids {
		store := m.registry.ForUser(uid)
		s, err := store.Reload(ctx)
		if err != nil {
			return nil, domain.Settings{}, false, err
		}
		if s.BlockIsRunning {
			return store, s, true, nil
		}
	}
	return nil, domain.Settings{}, false, nil
}

// StartBlock records and enforces a new block. If enforcement can not be
// installed the settings write is rolled back.
func (m *Manager) StartBlock(ctx context.Context, req StartRequest) error {
	now := m.clock.Now()
	if !req.EndDate.After(now) {
		return domain.ErrInvalidEndDate.WithMessagef("end date %s is not in the future", req.EndDate.Format(time.RFC3339))
	}
	entries, invalid := domain.CleanEntries(req.Entries)
	if len(invalid) > 0 {
		m.logger.Warn(map[string]any{"invalid": invalid}, "entries_skipped")
	}
	if len(entries) == 0 {
		return domain.ErrEmptyBlocklist.WithMessage("no valid entries")
	}
	backend := m.all.ForMode(req.Allowlist)
	if backend.Len() == 0 {
		return domain.ErrUnsupportedMode.WithMessagef("no configured backend can enforce this mode (allowlist=%t)", req.Allowlist)
	}
	if err := enforceable(backend, entries); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, _, active, err := m.ActiveStore(ctx); err != nil {
		return err
	} else if active {
		return domain.ErrAlreadyBlocking.WithMessage("a block is already running")
	}

	m.phase.Store(int32(domain.SessionStarting))
	defer m.phase.Store(0)

	rs, rep := m.expander.Expand(ctx, entries, req.Allowlist, req.Options)
	if req.Allowlist && rep.Hostnames > 0 && rep.Resolved == 0 && len(rs.Addrs) == 0 {
		return domain.ErrNoNetwork.WithMessage("no allowed hostname could be resolved")
	}

	store := m.registry.ForUser(req.UID)
	end := req.EndDate
	err := store.Mutate(ctx, func(s *domain.Settings) error {
		if s.BlockIsRunning {
			return domain.ErrAlreadyBlocking
		}
		s.Blocklist = domain.EntryStrings(entries)
		s.BlockIsAllowlist = req.Allowlist
		s.BlockEndDate = &end
		s.BlockIsRunning = true
		s.ControllingUID = req.UID
		s.SetOptions(req.Options)
		return nil
	})
	if err != nil {
		return err
	}

	if err := backend.Install(ctx, rs); err != nil {
		m.rollbackStart(ctx, store)
		return domain.ErrBackendInstallFailed.WithMessage(err.Error())
	}

	m.logger.Info(map[string]any{
		"uid":       req.UID,
		"allowlist": req.Allowlist,
		"entries":   len(entries),
		"hosts":     len(rs.Hosts),
		"addrs":     len(rs.Addrs),
		"end":       end,
		"backend":   backend.Name(),
	}, "block_started")
	m.record(domain.EventStarted, req.UID, &end, len(entries), backend.Name())
	return nil
}

func (m *Manager) rollbackStart(ctx context.Context, store *settings.Store) {
	if err := m.all.Remove(ctx); err != nil {
		m.logger.Error(map[string]any{"error": err.Error()}, "rollback_remove_failed")
	}
	// the rollback must land even if the caller has gone away
	err := store.Mutate(context.WithoutCancel(ctx), func(s *domain.Settings) error {
		s.ResetBlock()
		return nil
	})
	if err != nil {
		m.logger.Error(map[string]any{"uid": store.UID(), "error": err.Error()}, "rollback_settings_failed")
	}
}

// UpdateBlocklist merges raws into the running block without weakening it: a
// blocklist only grows and an allowlist only shrinks.
func (m *Manager) UpdateBlocklist(ctx context.Context, raws []string) error {
	incoming, invalid := domain.CleanEntries(raws)
	if len(invalid) > 0 {
		m.logger.Warn(map[string]any{"invalid": invalid}, "entries_skipped")
	}
	if len(incoming) == 0 {
		return domain.ErrEmptyBlocklist.WithMessage("no valid entries")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	store, current, err := m.runningBlock(ctx)
	if err != nil {
		return err
	}
	if !current.BlockIsAllowlist {
		if err := enforceable(m.all.ForMode(false), incoming); err != nil {
			return err
		}
	}
	existing, _ := domain.CleanEntries(current.Blocklist)
	merged, ignored := mergeEntries(existing, incoming, current.BlockIsAllowlist)
	if ignored > 0 {
		m.logger.Info(map[string]any{"ignored": ignored, "allowlist": current.BlockIsAllowlist}, "update_weakening_ignored")
	}
	if slices.Equal(merged, existing) {
		return nil
	}

	var updated domain.Settings
	err = store.Mutate(ctx, func(s *domain.Settings) error {
		if !s.BlockIsRunning {
			return domain.ErrNotBlocking
		}
		s.Blocklist = domain.EntryStrings(merged)
		updated = s.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.install(ctx, updated, merged); err != nil {
		return err
	}
	m.record(domain.EventUpdated, store.UID(), updated.BlockEndDate, len(merged), "")
	return nil
}

// enforceable rejects entries that none of the backends can express, such as
// addresses or ports on a hosts-only configuration.
func enforceable(backend *Combined, entries []domain.BlockEntry) error {
	bad := backend.Unenforced(entries)
	if len(bad) == 0 {
		return nil
	}
	return domain.ErrUnsupportedMode.WithMessagef("%s can not enforce %s",
		backend.Name(), strings.Join(domain.EntryStrings(bad), ", "))
}

func mergeEntries(existing, incoming []domain.BlockEntry, allowlist bool) (merged []domain.BlockEntry, ignored int) {
	have := make(map[domain.BlockEntry]struct{}, len(existing))
	for _, e := range existing {
		have[e] = struct{}{}
	}
	want := make(map[domain.BlockEntry]struct{}, len(incoming))
	for _, e := range incoming {
		want[e] = struct{}{}
	}
	if !allowlist {
		merged = append(merged, existing...)
		for _, e := range incoming {
			if _, ok := have[e]; !ok {
				merged = append(merged, e)
			}
		}
		for _, e := range existing {
			if _, ok := want[e]; !ok {
				ignored++
			}
		}
		return merged, ignored
	}
	for _, e := range existing {
		if _, ok := want[e]; ok {
			merged = append(merged, e)
		}
	}
	for _, e := range incoming {
		if _, ok := have[e]; !ok {
			ignored++
		}
	}
	return merged, ignored
}

// ExtendEndDate moves the end of the running block later. It never shortens it.
func (m *Manager) ExtendEndDate(ctx context.Context, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, current, err := m.runningBlock(ctx)
	if err != nil {
		return err
	}
	if !end.After(current.EndDate()) {
		return domain.ErrInvalidEndDate.WithMessagef("new end date %s is not after %s",
			end.Format(time.RFC3339), current.EndDate().Format(time.RFC3339))
	}
	var updated domain.Settings
	err = store.Mutate(ctx, func(s *domain.Settings) error {
		if !s.BlockIsRunning {
			return domain.ErrNotBlocking
		}
		if !end.After(s.EndDate()) {
			return domain.ErrInvalidEndDate.WithMessage("end date moved meanwhile")
		}
		s.BlockEndDate = &end
		updated = s.Clone()
		return nil
	})
	if err != nil {
		return err
	}

	if !m.all.ForMode(updated.BlockIsAllowlist).IsInstalled(ctx) {
		entries, _ := domain.CleanEntries(updated.Blocklist)
		if err := m.install(ctx, updated, entries); err != nil {
			return err
		}
	}
	m.logger.Info(map[string]any{"uid": store.UID(), "end": end}, "block_extended")
	m.record(domain.EventExtended, store.UID(), &end, len(updated.Blocklist), "")
	return nil
}

// runningBlock returns the active, unexpired block or ErrNotBlocking.
func (m *Manager) runningBlock(ctx context.Context) (*settings.Store, domain.Settings, error) {
	store, s, ok, err := m.ActiveStore(ctx)
	if err != nil {
		return nil, domain.Settings{}, err
	}
	if !ok || s.Expired(m.clock.Now()) {
		return nil, domain.Settings{}, domain.ErrNotBlocking.WithMessage("no block is running")
	}
	return store, s, nil
}

func (m *Manager) install(ctx context.Context, s domain.Settings, entries []domain.BlockEntry) error {
	rs, _ := m.expander.Expand(ctx, entries, s.BlockIsAllowlist, s.Options())
	if err := m.all.ForMode(s.BlockIsAllowlist).Install(ctx, rs); err != nil {
		return domain.ErrBackendInstallFailed.WithMessage(err.Error())
	}
	return nil
}

// Checkup reconciles durable settings with live enforcement: it migrates legacy
// files, removes an expired block and reinstalls missing enforcement. Running
// it on a healthy block changes nothing.
func (m *Manager) Checkup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.migrateLegacy(ctx)

	store, s, ok, err := m.ActiveStore(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return m.removeOrphans(ctx)
	}
	if s.Expired(m.clock.Now()) {
		return m.removeLocked(ctx, store, s)
	}
	backend := m.all.ForMode(s.BlockIsAllowlist)
	if backend.IsInstalled(ctx) {
		return nil
	}
	m.logger.Warn(map[string]any{"uid": store.UID(), "backend": backend.Name()}, "checkup_reinstall")
	entries, _ := domain.CleanEntries(s.Blocklist)
	if err := m.install(ctx, s, entries); err != nil {
		return err
	}
	m.record(domain.EventReinstalled, store.UID(), s.BlockEndDate, len(entries), backend.Name())
	return nil
}

// removeOrphans removes enforcement that is still installed although no
// settings document holds a running block, as after a crash or when the
// document was lost or unreadable.
func (m *Manager) removeOrphans(ctx context.Context) error {
	orphans := m.all.Installed(ctx)
	if orphans.Len() == 0 {
		return nil
	}
	if err := orphans.Remove(ctx); err != nil {
		return fmt.Errorf("remove orphaned enforcement: %w", err)
	}
	m.logger.Warn(map[string]any{"backend": orphans.Name()}, "checkup_orphan_removed")
	m.record(domain.EventOrphanRemoved, 0, nil, 0, orphans.Name())
	return nil
}

func (m *Manager) migrateLegacy(ctx context.Context) {
	if m.legacy == nil {
		return
	}
	uids, err := m.registry.Users()
	if err != nil {
		m.logger.Warn(map[string]any{"error": err.Error()}, "legacy_scan_failed")
		return
	}
	legacyUsers := m.legacy.Users()
	uids = append(uids, legacyUsers...)
	hasLock := m.legacy.LockFileExists()
	var owner uint32
	if hasLock {
		owner = m.lockOwner(ctx, legacyUsers)
		uids = append(uids, owner)
	}
	slices.Sort(uids)
	for _, uid := range slices.Compact(uids) {
		withLock := hasLock && uid == owner
		if m.legacy.FindLegacy(uid).UserFile == "" && !withLock {
			continue
		}
		store := m.registry.ForUser(uid)
		carried, err := m.legacy.MigrateInto(ctx, store, withLock)
		if err != nil {
			m.logger.Error(map[string]any{"uid": uid, "error": err.Error()}, "legacy_migration_failed")
			continue
		}
		if carried {
			snap := store.Snapshot()
			m.record(domain.EventMigrated, uid, snap.BlockEndDate, len(snap.Blocklist), "")
		}
	}
}

// lockOwner picks the user the legacy global lock file migrates into: the
// user already running a block, so no second block is started, else the only
// user with a legacy document, else root.
func (m *Manager) lockOwner(ctx context.Context, legacyUsers []uint32) uint32 {
	if store, _, ok, err := m.ActiveStore(ctx); err == nil && ok {
		return store.UID()
	}
	switch len(legacyUsers) {
	case 0:
		return 0
	case 1:
		return legacyUsers[0]
	}
	m.logger.Warn(map[string]any{"candidates": legacyUsers}, "legacy_lock_owner_ambiguous")
	return 0
}

// RemoveBlock ends the block held by store. Enforcement is removed before the
// settings are cleared, so a crash in between leaves a running block that the
// next checkup reinstalls or removes again.
func (m *Manager) RemoveBlock(ctx context.Context, store *settings.Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := store.Reload(ctx)
	if err != nil {
		return err
	}
	if !s.BlockIsRunning {
		return domain.ErrNotBlocking.WithMessage("no block is running")
	}
	return m.removeLocked(ctx, store, s)
}

func (m *Manager) removeLocked(ctx context.Context, store *settings.Store, s domain.Settings) error {
	m.phase.Store(int32(domain.SessionRemoving))
	defer m.phase.Store(0)

	if err := m.all.Remove(ctx); err != nil {
		return fmt.Errorf("remove enforcement: %w", err)
	}
	if err := store.Mutate(ctx, func(d *domain.Settings) error {
		d.ResetBlock()
		return nil
	}); err != nil {
		return err
	}
	m.logger.Info(map[string]any{"uid": store.UID(), "end": s.EndDate()}, "block_removed")
	m.record(domain.EventRemoved, store.UID(), s.BlockEndDate, len(s.Blocklist), "")

	if s.ClearCachesOnBlock && m.purger != nil {
		if err := m.purger.Purge(ctx, s.ControllingUID); err != nil {
			m.logger.Warn(map[string]any{"uid": s.ControllingUID, "error": err.Error()}, "cache_purge_failed")
		}
	}
	return nil
}

// Status derives the current session without waiting for a running transition.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	_, s, ok, err := m.ActiveStore(ctx)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if ok {
		st.Settings = s
		st.Installed = m.all.ForMode(s.BlockIsAllowlist).IsInstalled(ctx)
	}
	st.Session = domain.DeriveSession(st.Settings, st.Installed, m.clock.Now())
	if phase := domain.SessionState(m.phase.Load()); phase != 0 {
		st.Session.State = phase
	}
	return st, nil
}

func (m *Manager) record(kind domain.EventKind, uid uint32, end *time.Time, entries int, detail string) {
	if m.journal == nil {
		return
	}
	ev := domain.BlockEvent{Time: m.clock.Now(), Kind: kind, UID: uid, Entries: entries, Detail: detail}
	if end != nil {
		t := *end
		ev.EndDate = &t
	}
	if _, err := m.journal.Append(ev); err != nil {
		m.logger.Warn(map[string]any{"kind": string(kind), "error": err.Error()}, "journal_append_failed")
	}
}
