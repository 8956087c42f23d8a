package lifecycle

import (
	"context"
	"errors"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/repos/settings"
)

var t0 = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu         sync.Mutex
	name       string
	allowlist  bool
	installed  bool
	installErr error
	removeErr  error
	installs   []domain.RuleSet
	removes    int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Supports(allowlist bool) bool { return !allowlist || f.allowlist }

func (f *fakeBackend) Install(_ context.Context, rs domain.RuleSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, rs)
	if f.installErr != nil {
		return f.installErr
	}
	f.installed = true
	return nil
}

func (f *fakeBackend) IsInstalled(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}

func (f *fakeBackend) Remove(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	if f.removeErr != nil {
		return f.removeErr
	}
	f.installed = false
	return nil
}

func (f *fakeBackend) tamper() {
	f.mu.Lock()
	f.installed = false
	f.mu.Unlock()
}

func (f *fakeBackend) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.installs)
}

func (f *fakeBackend) lastInstall() domain.RuleSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs[len(f.installs)-1]
}

type fakeResolver map[string][]netip.Addr

func (r fakeResolver) LookupHost(_ context.Context, host string) ([]netip.Addr, error) {
	if a, ok := r[host]; ok {
		return a, nil
	}
	return nil, domain.ErrResolutionFailed.WithMessage(host)
}

type fakeJournal struct {
	mu     sync.Mutex
	events []domain.BlockEvent
}

func (j *fakeJournal) Append(ev domain.BlockEvent) (domain.BlockEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return ev, nil
}

func (j *fakeJournal) kinds() []domain.EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.EventKind, 0, len(j.events))
	for _, e := range j.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakePurger struct {
	uids []uint32
	err  error
}

func (p *fakePurger) Purge(_ context.Context, uid uint32) error {
	p.uids = append(p.uids, uid)
	return p.err
}

var errBoom = errors.New("boom")

type harness struct {
	m        *Manager
	reg      *settings.Registry
	clk      *clock.MockClock
	backends []*fakeBackend
	journal  *fakeJournal
	purger   *fakePurger
	root     string
}

func newHarness(t *testing.T, backends ...*fakeBackend) *harness {
	t.Helper()
	root := t.TempDir()
	clk := &clock.MockClock{CurrentTime: t0}
	reg, err := settings.NewRegistry(settings.Options{
		Directory:   filepath.Join(root, "settings"),
		LockTimeout: 2 * time.Second,
		LockPoll:    time.Millisecond,
		Clock:       clk,
	})
	require.NoError(t, err)
	if len(backends) == 0 {
		backends = []*fakeBackend{{name: "fake", allowlist: true}}
	}
	members := make([]Backend, 0, len(backends))
	for _, b := range backends {
		members = append(members, b)
	}
	h := &harness{reg: reg, clk: clk, backends: backends, journal: &fakeJournal{}, purger: &fakePurger{}, root: root}
	h.m = NewManager(ManagerOptions{
		Registry: reg,
		Backends: members,
		Expander: NewExpander(ExpanderOptions{
			Resolver: fakeResolver{
				"example.com":     {netip.MustParseAddr("93.184.216.34")},
				"www.example.com": {netip.MustParseAddr("93.184.216.34")},
				"reddit.com":      {netip.MustParseAddr("151.101.1.140")},
			},
			Servers: []string{"1.1.1.1:53"},
		}),
		Journal: h.journal,
		Purger:  h.purger,
		Clock:   clk,
	})
	return h
}

func (h *harness) start(t *testing.T, uid uint32, entries ...string) {
	t.Helper()
	require.NoError(t, h.m.StartBlock(context.Background(), StartRequest{
		UID:     uid,
		Entries: entries,
		EndDate: t0.Add(time.Hour),
	}))
}
