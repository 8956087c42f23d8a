package daemon

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/gateways/ipc"
	"github.com/haukened/selfblock/internal/block/services/lifecycle"
)

var errBoom = errors.New("boom")

type fakeLifecycle struct {
	mu         sync.Mutex
	checkups   int
	checkupErr error
	entered    chan struct{}
	release    chan struct{}
	status     lifecycle.Status
	startErr   error
	starts     []lifecycle.StartRequest
	updates    [][]string
	extends    []time.Time
}

func (f *fakeLifecycle) StartBlock(_ context.Context, req lifecycle.StartRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	return f.startErr
}

func (f *fakeLifecycle) UpdateBlocklist(_ context.Context, raws []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, raws)
	return nil
}

func (f *fakeLifecycle) ExtendEndDate(_ context.Context, end time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extends = append(f.extends, end)
	return nil
}

func (f *fakeLifecycle) Checkup(context.Context) error {
	f.mu.Lock()
	f.checkups++
	entered, release, err := f.entered, f.release, f.checkupErr
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return err
}

func (f *fakeLifecycle) Status(context.Context) (lifecycle.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeLifecycle) checkupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkups
}

type fakeNotifier struct {
	fns []func(uint32, domain.Settings)
}

func (n *fakeNotifier) OnChange(fn func(uint32, domain.Settings)) { n.fns = append(n.fns, fn) }

func (n *fakeNotifier) fire(uid uint32, s domain.Settings) {
	for _, fn := range n.fns {
		fn(uid, s)
	}
}

type fakeHistory struct {
	limits []int
	events []domain.BlockEvent
	err    error
}

func (h *fakeHistory) Recent(limit int) ([]domain.BlockEvent, error) {
	h.limits = append(h.limits, limit)
	return h.events, h.err
}

type fakeServer struct {
	startErr error
	started  bool
	stopped  bool
}

func (s *fakeServer) Start(context.Context) error {
	s.started = true
	return s.startErr
}

func (s *fakeServer) Stop() error {
	s.stopped = true
	return nil
}

func runningStatus(uid uint32) lifecycle.Status {
	end := time.Now().Add(time.Hour)
	return lifecycle.Status{
		Session:   domain.BlockSession{State: domain.SessionActive, EndDate: end},
		Settings:  domain.Settings{BlockIsRunning: true, BlockEndDate: &end, ControllingUID: uid},
		Installed: true,
	}
}

func startRun(t *testing.T, d *Daemon, srv Server) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, srv, nil) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func exited(done <-chan error) func() bool {
	return func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

func TestStartCheckupTimer_Idempotent(t *testing.T) {
	f := &fakeLifecycle{}
	d := New(Options{Manager: f, CheckupInterval: 5 * time.Millisecond})

	d.StartCheckupTimer()
	d.StartCheckupTimer()
	assert.True(t, d.CheckupTimerRunning())
	require.Eventually(t, func() bool { return f.checkupCount() >= 2 }, time.Second, time.Millisecond)

	d.StopCheckupTimer()
	d.StopCheckupTimer()
	assert.False(t, d.CheckupTimerRunning())

	time.Sleep(20 * time.Millisecond)
	n := f.checkupCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, f.checkupCount())
}

func TestRunCheckup_CoalescesOverlappingTicks(t *testing.T) {
	f := &fakeLifecycle{entered: make(chan struct{}, 1), release: make(chan struct{})}
	d := New(Options{Manager: f})

	first := make(chan bool, 1)
	go func() { first <- d.RunCheckup(context.Background()) }()
	<-f.entered

	assert.False(t, d.RunCheckup(context.Background()))
	close(f.release)
	assert.True(t, <-first)
	assert.Equal(t, 1, f.checkupCount())
}

func TestRunCheckup_FailureKeepsTicking(t *testing.T) {
	f := &fakeLifecycle{checkupErr: domain.ErrLockTimeout}
	d := New(Options{Manager: f, CheckupInterval: 5 * time.Millisecond})

	d.StartCheckupTimer()
	defer d.StopCheckupTimer()
	assert.Eventually(t, func() bool { return f.checkupCount() >= 3 }, time.Second, time.Millisecond)
}

func TestRun_ExitsAfterInactivityWhileIdle(t *testing.T) {
	f := &fakeLifecycle{}
	srv := &fakeServer{}
	d := New(Options{Manager: f, InactivityTimeout: 20 * time.Millisecond})

	_, done := startRun(t, d, srv)
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, 1, f.checkupCount(), "one checkup at startup")
	assert.True(t, srv.started)
	assert.True(t, srv.stopped)
}

func TestRun_FailedCheckupDelaysInactivityExit(t *testing.T) {
	f := &fakeLifecycle{checkupErr: domain.ErrBackendInstallFailed}
	d := New(Options{Manager: f, InactivityTimeout: 10 * time.Millisecond})

	_, done := startRun(t, d, nil)
	assert.Never(t, exited(done), 80*time.Millisecond, 10*time.Millisecond)
	assert.GreaterOrEqual(t, f.checkupCount(), 2, "idle timeouts retry the checkup")

	f.mu.Lock()
	f.checkupErr = nil
	f.mu.Unlock()
	require.NoError(t, waitDone(t, done))
}

func TestRun_StaysUpWhileArmed(t *testing.T) {
	f := &fakeLifecycle{status: runningStatus(501)}
	d := New(Options{Manager: f, CheckupInterval: 5 * time.Millisecond, InactivityTimeout: 10 * time.Millisecond})

	cancel, done := startRun(t, d, nil)
	assert.Never(t, exited(done), 100*time.Millisecond, 10*time.Millisecond)
	assert.True(t, d.Armed())
	assert.GreaterOrEqual(t, f.checkupCount(), 2)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.False(t, d.CheckupTimerRunning())
}

func TestRun_SuccessfulCallsDelayInactivityExit(t *testing.T) {
	f := &fakeLifecycle{}
	d := New(Options{Manager: f, InactivityTimeout: 100 * time.Millisecond})

	_, done := startRun(t, d, nil)
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		assert.Equal(t, "", d.Version())
		require.False(t, exited(done)())
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, waitDone(t, done))
}

func TestRun_ServerStartFailure(t *testing.T) {
	f := &fakeLifecycle{}
	d := New(Options{Manager: f})

	err := d.Run(context.Background(), &fakeServer{startErr: errBoom}, nil)
	assert.ErrorIs(t, err, errBoom)
}

func TestSettingsChange_ArmsAndDisarms(t *testing.T) {
	f := &fakeLifecycle{}
	n := &fakeNotifier{}
	d := New(Options{Manager: f, Settings: n, CheckupInterval: time.Hour})
	defer d.StopCheckupTimer()

	n.fire(501, domain.Settings{BlockIsRunning: true})
	assert.True(t, d.Armed())

	// another user's document does not own the block
	n.fire(0, domain.DefaultSettings())
	assert.True(t, d.Armed())

	n.fire(501, domain.DefaultSettings())
	assert.False(t, d.Armed())
}

func TestSettingsChange_RemovalLetsIdleDaemonExit(t *testing.T) {
	f := &fakeLifecycle{status: runningStatus(501)}
	n := &fakeNotifier{}
	d := New(Options{Manager: f, Settings: n, CheckupInterval: time.Hour, InactivityTimeout: 20 * time.Millisecond})

	_, done := startRun(t, d, nil)
	require.Eventually(t, d.Armed, time.Second, time.Millisecond)
	assert.Never(t, exited(done), 60*time.Millisecond, 10*time.Millisecond)

	n.fire(501, domain.DefaultSettings())
	require.NoError(t, waitDone(t, done))
}

func TestHostsChanged_TriggersCheckup(t *testing.T) {
	f := &fakeLifecycle{}
	d := New(Options{Manager: f})

	cancel, done := startRun(t, d, nil)
	require.Eventually(t, func() bool { return f.checkupCount() == 1 }, time.Second, time.Millisecond)

	d.HostsChanged("/etc/hosts")
	assert.Eventually(t, func() bool { return f.checkupCount() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestStartBlock_ArmsOnSuccess(t *testing.T) {
	f := &fakeLifecycle{}
	d := New(Options{Manager: f, CheckupInterval: time.Hour})
	defer d.StopCheckupTimer()

	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	err := d.StartBlock(context.Background(), ipc.StartBlockParams{
		ControllingUID: 501,
		Blocklist:      []string{"example.com"},
		Allowlist:      true,
		EndDate:        end,
		Options:        domain.BlockOptions{AllowLocal: true},
	})
	require.NoError(t, err)
	require.Len(t, f.starts, 1)
	assert.Equal(t, lifecycle.StartRequest{
		UID:       501,
		Entries:   []string{"example.com"},
		Allowlist: true,
		EndDate:   end,
		Options:   domain.BlockOptions{AllowLocal: true},
	}, f.starts[0])
	assert.True(t, d.Armed())
}

func TestStartBlock_FailureStaysIdle(t *testing.T) {
	f := &fakeLifecycle{startErr: domain.ErrAlreadyBlocking}
	d := New(Options{Manager: f})

	err := d.StartBlock(context.Background(), ipc.StartBlockParams{Blocklist: []string{"example.com"}})
	assert.ErrorIs(t, err, domain.ErrAlreadyBlocking)
	assert.False(t, d.Armed())
}

func TestUpdateAndExtend_PassThrough(t *testing.T) {
	f := &fakeLifecycle{}
	d := New(Options{Manager: f})
	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, d.UpdateBlocklist(context.Background(), ipc.UpdateBlocklistParams{Blocklist: []string{"a.com"}}))
	require.NoError(t, d.UpdateBlockEndDate(context.Background(), ipc.UpdateEndDateParams{EndDate: end}))

	assert.Equal(t, [][]string{{"a.com"}}, f.updates)
	assert.Equal(t, []time.Time{end}, f.extends)
}

func TestStatus_MapsRunningBlock(t *testing.T) {
	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &fakeLifecycle{status: lifecycle.Status{
		Session: domain.BlockSession{State: domain.SessionActive, EndDate: end},
		Settings: domain.Settings{
			Blocklist:          []string{"example.com"},
			BlockIsAllowlist:   true,
			BlockEndDate:       &end,
			BlockIsRunning:     true,
			ControllingUID:     501,
			AllowLocalNetworks: true,
		},
		Installed: true,
	}}
	d := New(Options{Manager: f})

	res, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "active", res.State)
	assert.True(t, res.Running)
	assert.True(t, res.Installed)
	assert.True(t, res.Allowlist)
	require.NotNil(t, res.EndDate)
	assert.True(t, end.Equal(*res.EndDate))
	assert.Equal(t, uint32(501), res.ControllingUID)
	assert.Equal(t, []string{"example.com"}, res.Blocklist)
	assert.True(t, res.Options.AllowLocal)
}

func TestStatus_Inactive(t *testing.T) {
	f := &fakeLifecycle{status: lifecycle.Status{Settings: domain.DefaultSettings()}}
	d := New(Options{Manager: f})

	res, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "inactive", res.State)
	assert.False(t, res.Running)
	assert.Nil(t, res.EndDate)
	assert.NotNil(t, res.Blocklist)
}

func TestHistory(t *testing.T) {
	ev := domain.BlockEvent{ID: "1", Kind: domain.EventStarted}

	t.Run("default limit", func(t *testing.T) {
		h := &fakeHistory{events: []domain.BlockEvent{ev}}
		d := New(Options{Manager: &fakeLifecycle{}, History: h})
		res, err := d.History(context.Background(), ipc.HistoryParams{})
		require.NoError(t, err)
		assert.Equal(t, []int{defaultHistoryLimit}, h.limits)
		assert.Equal(t, []domain.BlockEvent{ev}, res.Events)
	})

	t.Run("explicit limit", func(t *testing.T) {
		h := &fakeHistory{}
		d := New(Options{Manager: &fakeLifecycle{}, History: h})
		res, err := d.History(context.Background(), ipc.HistoryParams{Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, []int{3}, h.limits)
		assert.NotNil(t, res.Events)
		assert.Empty(t, res.Events)
	})

	t.Run("no journal", func(t *testing.T) {
		d := New(Options{Manager: &fakeLifecycle{}})
		res, err := d.History(context.Background(), ipc.HistoryParams{})
		require.NoError(t, err)
		assert.Empty(t, res.Events)
	})

	t.Run("journal error", func(t *testing.T) {
		d := New(Options{Manager: &fakeLifecycle{}, History: &fakeHistory{err: errBoom}})
		_, err := d.History(context.Background(), ipc.HistoryParams{})
		assert.ErrorIs(t, err, domain.ErrInternal)
	})
}

func TestRun_ServesProtocolOverSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "sbd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")

	master := bytes.Repeat([]byte{7}, 32)
	f := &fakeLifecycle{status: lifecycle.Status{Settings: domain.DefaultSettings()}}
	d := New(Options{Version: "1.0.0", Manager: f, CheckupInterval: time.Hour})
	srv := ipc.NewServer(sock, d, ipc.NewVerifier(master, clock.RealClock{}, ipc.DefaultTokenTTL), nil)

	cancel, done := startRun(t, d, srv)
	client := ipc.NewClient(sock, ipc.NewSigner(master, clock.RealClock{}, ipc.DefaultTokenTTL))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		v, err := client.Version(ctx)
		return err == nil && v == "1.0.0"
	}, 2*time.Second, 10*time.Millisecond)

	end := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, client.StartBlock(ctx, ipc.StartBlockParams{
		ControllingUID: 501,
		Blocklist:      []string{"example.com"},
		EndDate:        end,
	}))
	assert.True(t, d.Armed())
	f.mu.Lock()
	require.Len(t, f.starts, 1)
	assert.True(t, end.Equal(f.starts[0].EndDate))
	f.mu.Unlock()

	// a client without the key can still read status but not mutate
	anon := ipc.NewClient(sock, nil)
	st, err := anon.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "inactive", st.State)
	err = anon.UpdateBlocklist(ctx, ipc.UpdateBlocklistParams{Blocklist: []string{"a.com"}})
	assert.ErrorIs(t, err, domain.ErrAuthorizationDenied)

	cancel()
	require.NoError(t, waitDone(t, done))
}
