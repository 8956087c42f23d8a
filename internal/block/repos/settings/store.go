// Package settings is the durable per-user store of block state. Every write
// happens under an exclusive file lock and replaces the document atomically.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/infra/fsutil"
)

const (
	documentSuffix = ".settings.json"
	lockSuffix     = ".lock"
	documentPerm   = 0o600
)

// Upgrader turns a legacy document into the current schema.
type Upgrader interface {
	Upgrade(v1 domain.SettingsV1, now time.Time) domain.Settings
}

// Options configures a Registry.
type Options struct {
	Directory   string
	LockTimeout time.Duration
	LockPoll    time.Duration
	Clock       clock.Clock
	Logger      log.Logger
	Upgrader    Upgrader
}

// Registry hands out one Store per user, all rooted in one directory.
type Registry struct {
	opts   Options
	mu     sync.Mutex
	stores map[uint32]*Store
	subs   []func(uid uint32, s domain.Settings)
}

// NewRegistry creates the settings directory (root only) if needed.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Directory == "" {
		return nil, errors.New("settings directory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(opts.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("create settings directory: %w", err)
	}
	return &Registry{opts: opts, stores: make(map[uint32]*Store)}, nil
}

// ForUser returns the store for uid. Repeated calls return the same store.
func (r *Registry) ForUser(uid uint32) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[uid]; ok {
		return s
	}
	name := strconv.FormatUint(uint64(uid), 10)
	s := &Store{
		uid:      uid,
		path:     filepath.Join(r.opts.Directory, name+documentSuffix),
		lockPath: filepath.Join(r.opts.Directory, name+lockSuffix),
		opts:     r.opts,
		cached:   domain.DefaultSettings(),
	}
	for _, fn := range r.subs {
		s.OnChange(bindUID(uid, fn))
	}
	r.stores[uid] = s
	return s
}

// OnChange registers fn on every store of the registry, including stores
// handed out later.
func (r *Registry) OnChange(fn func(uid uint32, s domain.Settings)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	stores := make([]*Store, 0, len(r.stores))
	for _, s := range r.stores {
		stores = append(stores, s)
	}
	r.mu.Unlock()
	for _, s := range stores {
		s.OnChange(bindUID(s.uid, fn))
	}
}

func bindUID(uid uint32, fn func(uint32, domain.Settings)) func(domain.Settings) {
	return func(s domain.Settings) { fn(uid, s) }
}

// Users lists the uids that have a settings document on disk, ascending.
func (r *Registry) Users() ([]uint32, error) {
	entries, err := os.ReadDir(r.opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	var uids []uint32
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), documentSuffix)
		if !ok || e.IsDir() {
			continue
		}
		uid, err := strconv.ParseUint(name, 10, 32)
		if err != nil {
			continue
		}
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Store is one user's settings document.
type Store struct {
	uid      uint32
	path     string
	lockPath string
	opts     Options

	mu     sync.RWMutex
	cached domain.Settings
	loaded bool

	subMu sync.Mutex
	subs  []func(domain.Settings)
}

// UID returns the owning user.
func (s *Store) UID() uint32 { return s.uid }

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Load returns the settings, reading from disk on first use.
func (s *Store) Load(ctx context.Context) (domain.Settings, error) {
	s.mu.RLock()
	if s.loaded {
		defer s.mu.RUnlock()
		return s.cached.Clone(), nil
	}
	s.mu.RUnlock()
	return s.Reload(ctx)
}

// Reload re-reads the document from disk. A legacy document is migrated and
// written back before it is returned. Subscribers are notified when the disk
// copy differs from what this process last saw.
func (s *Store) Reload(ctx context.Context) (domain.Settings, error) {
	current, legacy, err := s.readDisk()
	if err != nil {
		return domain.Settings{}, err
	}
	if legacy {
		if err := s.Mutate(ctx, func(*domain.Settings) error { return nil }); err != nil {
			return domain.Settings{}, err
		}
		return s.Snapshot(), nil
	}

	s.mu.Lock()
	changed := s.loaded && !s.cached.LastModified.Equal(current.LastModified)
	if !s.loaded || changed {
		s.cached = current
		s.loaded = true
	}
	snapshot := s.cached.Clone()
	s.mu.Unlock()

	if changed {
		s.notify(snapshot)
	}
	return snapshot, nil
}

// Mutate applies fn to the current on-disk settings under the user's lock and
// writes the result atomically. If fn returns an error nothing is written.
// Lock contention past the configured timeout returns ErrLockTimeout.
func (s *Store) Mutate(ctx context.Context, fn func(*domain.Settings) error) error {
	lock, err := fsutil.Lock(ctx, s.lockPath, s.opts.LockTimeout, s.opts.LockPoll)
	if errors.Is(err, fsutil.ErrLockTimeout) {
		return domain.ErrLockTimeout.WithMessagef("settings for uid %d", s.uid)
	}
	if err != nil {
		return fmt.Errorf("lock settings: %w", err)
	}

	next, err := s.mutateLocked(fn)
	if uerr := lock.Unlock(); uerr != nil {
		s.opts.Logger.Warn(map[string]any{"uid": s.uid, "error": uerr}, "settings_unlock_failed")
	}
	if err != nil {
		return err
	}
	s.notify(next)
	return nil
}

func (s *Store) mutateLocked(fn func(*domain.Settings) error) (domain.Settings, error) {
	current, _, err := s.readDisk()
	if err != nil {
		return domain.Settings{}, err
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return domain.Settings{}, err
	}

	now := s.opts.Clock.Now().UTC()
	if !now.After(current.LastModified) {
		// racing writers within one clock tick still get distinct markers
		now = current.LastModified.Add(time.Nanosecond)
	}
	next.LastModified = now
	next.Version = domain.CurrentSettingsVersion

	raw, err := domain.EncodeSettings(next)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("encode settings: %w", err)
	}
	if err := fsutil.AtomicWrite(s.path, raw, documentPerm); err != nil {
		return domain.Settings{}, fmt.Errorf("write settings: %w", err)
	}

	s.mu.Lock()
	s.cached = next
	s.loaded = true
	s.mu.Unlock()
	return next.Clone(), nil
}

// readDisk decodes the document. Missing and corrupt documents read as
// defaults. legacy reports that the document was in the old schema.
func (s *Store) readDisk() (settings domain.Settings, legacy bool, err error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.DefaultSettings(), false, nil
	}
	if err != nil {
		return domain.Settings{}, false, fmt.Errorf("read settings: %w", err)
	}

	doc, err := domain.DecodeDocument(raw)
	if err != nil {
		s.opts.Logger.Error(map[string]any{
			"uid":   s.uid,
			"path":  s.path,
			"code":  domain.ErrCorruptSettings.Code,
			"error": err,
		}, "settings_corrupt")
		return domain.DefaultSettings(), false, nil
	}
	if doc.V2 != nil {
		return *doc.V2, false, nil
	}
	if s.opts.Upgrader == nil {
		s.opts.Logger.Warn(map[string]any{"uid": s.uid}, "settings_legacy_without_upgrader")
		return domain.DefaultSettings(), false, nil
	}
	s.opts.Logger.Info(map[string]any{"uid": s.uid, "path": s.path}, "settings_upgrade_v1")
	return s.opts.Upgrader.Upgrade(*doc.V1, s.opts.Clock.Now()), true, nil
}

// Value returns one field of the cached settings.
func (s *Store) Value(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached.Value(key)
}

// Snapshot returns a copy of the cached settings.
func (s *Store) Snapshot() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached.Clone()
}

// OnChange registers fn to run after every change this store observes.
// Callbacks run on the mutating goroutine after the lock is released.
func (s *Store) OnChange(fn func(domain.Settings)) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

func (s *Store) notify(settings domain.Settings) {
	s.subMu.Lock()
	subs := append([]func(domain.Settings){}, s.subs...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(settings.Clone())
	}
}
