package legacy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/repos/legacy"
	"github.com/haukened/selfblock/internal/block/repos/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMigrate_ComputesEndDate(t *testing.T) {
	v1 := domain.SettingsV1{
		HostBlacklist:            []string{"Facebook.com", "bad_host!", "10.0.0.0/8"},
		BlockAsWhitelist:         true,
		BlockStartedDate:         now.Add(-30 * time.Minute),
		BlockDuration:            60,
		EvaluateCommonSubdomains: true,
		ClearCaches:              true,
	}
	s, carried := legacy.Migrate(v1, now)
	require.True(t, carried)
	assert.True(t, s.BlockIsRunning)
	assert.Equal(t, now.Add(30*time.Minute), *s.BlockEndDate)
	assert.True(t, s.BlockIsAllowlist)
	assert.True(t, s.IncludeCommonSubdomains)
	assert.True(t, s.ClearCachesOnBlock)
	assert.True(t, s.LegacyMigrationComplete)
	assert.Equal(t, []string{"facebook.com", "10.0.0.0/8"}, s.Blocklist)
}

func TestMigrate_ExpiredBlockIsNotResurrected(t *testing.T) {
	v1 := domain.SettingsV1{
		HostBlacklist:    []string{"example.com"},
		BlockStartedDate: now.Add(-2 * time.Hour),
		BlockDuration:    60,
	}
	s, carried := legacy.Migrate(v1, now)
	assert.False(t, carried)
	assert.False(t, s.BlockIsRunning)
	assert.Nil(t, s.BlockEndDate)
	assert.Equal(t, []string{"example.com"}, s.Blocklist, "list survives even when the block does not")
}

func TestMigrate_NeverStarted(t *testing.T) {
	_, carried := legacy.Migrate(domain.SettingsV1{BlockDuration: 60}, now)
	assert.False(t, carried)
}

type fixture struct {
	migrator *legacy.Migrator
	store    *settings.Store
	dir      string
	lockFile string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	clk := &clock.MockClock{CurrentTime: now}
	m := legacy.New(legacy.Options{
		Dir:      filepath.Join(root, "legacy"),
		LockFile: filepath.Join(root, "SelfControl.lock"),
		Clock:    clk,
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "legacy"), 0o700))
	reg, err := settings.NewRegistry(settings.Options{
		Directory:   filepath.Join(root, "settings"),
		LockTimeout: time.Second,
		Clock:       clk,
		Upgrader:    m,
	})
	require.NoError(t, err)
	return fixture{migrator: m, store: reg.ForUser(501), dir: filepath.Join(root, "legacy"), lockFile: filepath.Join(root, "SelfControl.lock")}
}

func writeJSON(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestMigrateInto_NothingFound(t *testing.T) {
	f := newFixture(t)
	carried, err := f.migrator.MigrateInto(context.Background(), f.store, true)
	require.NoError(t, err)
	assert.False(t, carried)
	assert.False(t, f.migrator.LockFileExists())
}

func TestMigrateInto_LockFileCarriesBlock(t *testing.T) {
	f := newFixture(t)
	userFile := filepath.Join(f.dir, "501.json")
	writeJSON(t, userFile, `{"HostBlacklist":["reddit.com"],"ClearCaches":true}`)
	writeJSON(t, f.lockFile, `{"HostBlacklist":["news.ycombinator.com"],"BlockStartedDate":"2030-06-01T11:00:00Z","BlockDuration":120}`)

	found := f.migrator.FindLegacy(501)
	assert.Equal(t, userFile, found.UserFile)
	assert.Equal(t, f.lockFile, found.LockFile)

	carried, err := f.migrator.MigrateInto(context.Background(), f.store, true)
	require.NoError(t, err)
	assert.True(t, carried)

	s := f.store.Snapshot()
	assert.True(t, s.BlockIsRunning)
	assert.Equal(t, uint32(501), s.ControllingUID)
	assert.Equal(t, []string{"news.ycombinator.com"}, s.Blocklist)
	assert.True(t, time.Date(2030, 6, 1, 13, 0, 0, 0, time.UTC).Equal(*s.BlockEndDate))
	assert.True(t, s.LegacyMigrationComplete)

	assert.False(t, f.migrator.FindLegacy(501).Any(), "legacy files are removed after the write")
}

func TestMigrateInto_DoesNotReplaceRunningBlock(t *testing.T) {
	f := newFixture(t)
	end := now.Add(time.Hour)
	require.NoError(t, f.store.Mutate(context.Background(), func(s *domain.Settings) error {
		s.Blocklist = []string{"current.example.com"}
		s.BlockIsRunning = true
		s.BlockEndDate = &end
		return nil
	}))
	writeJSON(t, f.lockFile, `{"HostBlacklist":["old.example.com"],"BlockStartedDate":"2030-06-01T11:00:00Z","BlockDuration":600}`)

	_, err := f.migrator.MigrateInto(context.Background(), f.store, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"current.example.com"}, f.store.Snapshot().Blocklist)
	assert.True(t, end.Equal(*f.store.Snapshot().BlockEndDate))
}

func TestMigrateInto_CorruptLegacyFileIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	userFile := filepath.Join(f.dir, "501.json")
	writeJSON(t, userFile, `{"HostBlacklist": [`)

	_, err := f.migrator.MigrateInto(context.Background(), f.store, true)
	assert.ErrorIs(t, err, domain.ErrLegacyMigration)
	_, statErr := os.Stat(userFile)
	assert.NoError(t, statErr)
	assert.False(t, f.store.Snapshot().LegacyMigrationComplete)
}

func TestUpgrade_LegacyDocumentInSettingsPath(t *testing.T) {
	f := newFixture(t)
	writeJSON(t, f.store.Path(), `{"HostBlacklist":["example.org"],"BlockStartedDate":"2030-06-01T11:30:00Z","BlockDuration":60}`)

	s, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, s.BlockIsRunning)
	assert.Equal(t, []string{"example.org"}, s.Blocklist)
}

func TestUsers_ListsLegacyDocuments(t *testing.T) {
	f := newFixture(t)
	writeJSON(t, filepath.Join(f.dir, "502.json"), `{}`)
	writeJSON(t, filepath.Join(f.dir, "501.json"), `{}`)
	writeJSON(t, filepath.Join(f.dir, "notes.txt"), `x`)
	writeJSON(t, filepath.Join(f.dir, "bob.json"), `{}`)
	assert.Equal(t, []uint32{501, 502}, f.migrator.Users())
}

func TestMigrateInto_LockFileOnlyWhenIncluded(t *testing.T) {
	f := newFixture(t)
	writeJSON(t, f.lockFile, `{"HostBlacklist":["news.ycombinator.com"],"BlockStartedDate":"2030-06-01T11:00:00Z","BlockDuration":120}`)

	carried, err := f.migrator.MigrateInto(context.Background(), f.store, false)
	require.NoError(t, err)
	assert.False(t, carried)
	assert.False(t, f.store.Snapshot().BlockIsRunning)
	assert.True(t, f.migrator.LockFileExists(), "the lock file waits for its owner")
}
