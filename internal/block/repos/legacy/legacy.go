// Package legacy migrates settings and block files written by older releases
// into the current settings schema.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
)

// Migrate maps a legacy document onto current settings. It is pure. The
// legacy block is carried over only when it was started and has not ended
// by now; carried reports whether it was.
func Migrate(v1 domain.SettingsV1, now time.Time) (settings domain.Settings, carried bool) {
	s := domain.DefaultSettings()
	entries, _ := domain.CleanEntries(v1.HostBlacklist)
	s.Blocklist = domain.EntryStrings(entries)
	s.BlockIsAllowlist = v1.BlockAsWhitelist
	s.AllowLocalNetworks = v1.AllowLocalNetworks
	s.IncludeCommonSubdomains = v1.EvaluateCommonSubdomains
	s.IncludeLinkedDomains = v1.IncludeLinkedDomains
	s.ClearCachesOnBlock = v1.ClearCaches
	s.LegacyMigrationComplete = true

	if !v1.Started() {
		return s, false
	}
	end := v1.EndDate()
	if !now.Before(end) {
		return s, false
	}
	s.BlockEndDate = &end
	s.BlockIsRunning = true
	return s, true
}

// SettingsMutator is the part of the settings store the migrator writes through.
type SettingsMutator interface {
	UID() uint32
	Mutate(ctx context.Context, fn func(*domain.Settings) error) error
}

// Options configures a Migrator.
type Options struct {
	// Dir holds legacy per-user documents named "<uid>.json".
	Dir string
	// LockFile is the legacy global block file.
	LockFile string
	Clock    clock.Clock
	Logger   log.Logger
}

// Migrator finds legacy files on disk and folds them into current settings.
type Migrator struct {
	opts Options
}

// New returns a Migrator.
func New(opts Options) *Migrator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Migrator{opts: opts}
}

// Upgrade converts a legacy document found in place of a current one.
func (m *Migrator) Upgrade(v1 domain.SettingsV1, now time.Time) domain.Settings {
	s, _ := Migrate(v1, now)
	return s
}

// Found lists the legacy files present for a user.
type Found struct {
	UserFile string
	LockFile string
}

// Any reports whether anything was found.
func (f Found) Any() bool { return f.UserFile != "" || f.LockFile != "" }

// FindLegacy reports which legacy files exist for uid. The global lock file
// belongs to no user in particular and is reported for every uid.
func (m *Migrator) FindLegacy(uid uint32) Found {
	var f Found
	if m.opts.Dir != "" {
		p := m.userPath(uid)
		if exists(p) {
			f.UserFile = p
		}
	}
	if m.opts.LockFile != "" && exists(m.opts.LockFile) {
		f.LockFile = m.opts.LockFile
	}
	return f
}

// Users lists the uids that have a legacy per-user document, ascending.
func (m *Migrator) Users() []uint32 {
	if m.opts.Dir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil {
		return nil
	}
	var uids []uint32
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		if uid, err := strconv.ParseUint(name, 10, 32); err == nil {
			uids = append(uids, uint32(uid))
		}
	}
	slices.Sort(uids)
	return uids
}

// LockFileExists reports whether the legacy global block file is present.
func (m *Migrator) LockFileExists() bool {
	return m.opts.LockFile != "" && exists(m.opts.LockFile)
}

// MigrateInto folds the user's legacy files into store and deletes them once
// the new document is written. The global lock file is only folded in when
// includeLock is set. A running current block is never replaced.
// On failure the legacy files are left in place and ErrLegacyMigration is
// returned so a later checkup can retry.
func (m *Migrator) MigrateInto(ctx context.Context, store SettingsMutator, includeLock bool) (bool, error) {
	found := m.FindLegacy(store.UID())
	if !includeLock {
		found.LockFile = ""
	}
	if !found.Any() {
		return false, nil
	}
	now := m.opts.Clock.Now()

	var userDoc, lockDoc *domain.SettingsV1
	var err error
	if found.UserFile != "" {
		if userDoc, err = readV1(found.UserFile); err != nil {
			return false, domain.ErrLegacyMigration.WithMessagef("%s: %v", found.UserFile, err)
		}
	}
	if found.LockFile != "" {
		if lockDoc, err = readV1(found.LockFile); err != nil {
			return false, domain.ErrLegacyMigration.WithMessagef("%s: %v", found.LockFile, err)
		}
	}

	carried := false
	err = store.Mutate(ctx, func(s *domain.Settings) error {
		s.LegacyMigrationComplete = true
		if s.BlockIsRunning {
			return nil
		}
		if userDoc != nil {
			migrated, ok := Migrate(*userDoc, now)
			adopt(s, migrated)
			carried = ok
		}
		if lockDoc != nil {
			if migrated, ok := Migrate(*lockDoc, now); ok {
				adopt(s, migrated)
				carried = true
			}
		}
		if carried {
			s.ControllingUID = store.UID()
		}
		return nil
	})
	if err != nil {
		return false, domain.ErrLegacyMigration.WithMessagef("write settings: %v", err)
	}

	m.opts.Logger.Info(map[string]any{
		"uid":           store.UID(),
		"user_file":     found.UserFile,
		"lock_file":     found.LockFile,
		"block_carried": carried,
	}, "legacy_migrated")

	var failed []string
	for _, p := range []string{found.UserFile, found.LockFile} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			failed = append(failed, p)
		}
	}
	if len(failed) > 0 {
		return carried, domain.ErrLegacyMigration.WithMessagef("remove legacy files %v", failed)
	}
	return carried, nil
}

func adopt(dst *domain.Settings, src domain.Settings) {
	dst.Blocklist = src.Blocklist
	dst.BlockIsAllowlist = src.BlockIsAllowlist
	dst.BlockEndDate = src.BlockEndDate
	dst.BlockIsRunning = src.BlockIsRunning
	dst.SetOptions(src.Options())
}

func (m *Migrator) userPath(uid uint32) string {
	return filepath.Join(m.opts.Dir, strconv.FormatUint(uint64(uid), 10)+".json")
}

func readV1(path string) (*domain.SettingsV1, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc, err := domain.DecodeDocument(raw)
	if err != nil {
		return nil, err
	}
	if doc.V1 == nil {
		return nil, fmt.Errorf("not a legacy document (version %d)", doc.Version())
	}
	return doc.V1, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
