// Package daemon holds the privileged process: it answers protocol calls,
// drives the checkup timer while a block is armed and exits after a period of
// inactivity while idle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/gateways/ipc"
	"github.com/haukened/selfblock/internal/block/services/lifecycle"
)

const (
	DefaultCheckupInterval   = time.Minute
	DefaultInactivityTimeout = 2 * time.Minute
	defaultHistoryLimit      = 50
)

// Lifecycle performs block transitions.
type Lifecycle interface {
	StartBlock(ctx context.Context, req lifecycle.StartRequest) error
	UpdateBlocklist(ctx context.Context, raws []string) error
	ExtendEndDate(ctx context.Context, end time.Time) error
	Checkup(ctx context.Context) error
	Status(ctx context.Context) (lifecycle.Status, error)
}

// History returns recorded block events, newest first.
type History interface {
	Recent(limit int) ([]domain.BlockEvent, error)
}

// SettingsNotifier reports every settings change of every user.
type SettingsNotifier interface {
	OnChange(fn func(uid uint32, s domain.Settings))
}

// Server is the protocol listener.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Watcher reports changes to enforcement files.
type Watcher interface {
	Run(ctx context.Context) error
	Close() error
}

var (
	_ Lifecycle   = (*lifecycle.Manager)(nil)
	_ Server      = (*ipc.Server)(nil)
	_ ipc.Handler = (*Daemon)(nil)
)

type Options struct {
	Version           string
	Manager           Lifecycle
	History           History
	Settings          SettingsNotifier
	CheckupInterval   time.Duration
	InactivityTimeout time.Duration // 0 keeps the daemon running while idle
	Logger            log.Logger
}

// Daemon is the context object shared by every handler and timer.
type Daemon struct {
	version           string
	manager           Lifecycle
	history           History
	checkupInterval   time.Duration
	inactivityTimeout time.Duration
	logger            log.Logger

	// held for the duration of a checkup
	checkupMu     sync.Mutex
	checkupFailed atomic.Bool

	mu         sync.Mutex
	ctx        context.Context
	armedUID   uint32
	tickerStop chan struct{}
	idleTimer  *time.Timer
	idle       chan struct{}
	kick       chan struct{}
	closed     bool
	wg         sync.WaitGroup
}

func New(opts Options) *Daemon {
	if opts.CheckupInterval <= 0 {
		opts.CheckupInterval = DefaultCheckupInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	d := &Daemon{
		version:           opts.Version,
		manager:           opts.Manager,
		history:           opts.History,
		checkupInterval:   opts.CheckupInterval,
		inactivityTimeout: opts.InactivityTimeout,
		logger:            opts.Logger,
		idle:              make(chan struct{}, 1),
		kick:              make(chan struct{}, 1),
	}
	if opts.Settings != nil {
		opts.Settings.OnChange(d.settingsChanged)
	}
	return d
}

// Run serves until ctx is done, or until the inactivity timer fires while no
// block is armed and the last checkup succeeded. srv and w may be nil.
func (d *Daemon) Run(ctx context.Context, srv Server, w Watcher) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
	defer func() {
		cancel()
		d.shutdown()
	}()

	d.RunCheckup(ctx)
	st, err := d.manager.Status(ctx)
	if err != nil {
		d.logger.Warn(map[string]any{"error": err.Error()}, "initial_status_failed")
	}
	if st.Settings.BlockIsRunning {
		d.arm(st.Settings.ControllingUID)
	} else {
		d.ResetInactivityTimer()
	}

	if srv != nil {
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start ipc server: %w", err)
		}
		defer srv.Stop()
	}
	if w != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error(map[string]any{"error": err.Error()}, "watcher_stopped")
			}
		}()
		defer w.Close()
	}

	d.logger.Info(map[string]any{
		"checkup_interval":   d.checkupInterval.String(),
		"inactivity_timeout": d.inactivityTimeout.String(),
		"armed":              d.Armed(),
	}, "daemon_running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
			d.RunCheckup(ctx)
		case <-d.idle:
			if d.Armed() {
				continue
			}
			if d.checkupFailed.Load() {
				// leftover enforcement must be cleaned up before exiting
				d.RunCheckup(ctx)
				d.ResetInactivityTimer()
				continue
			}
			d.logger.Info(map[string]any{"timeout": d.inactivityTimeout.String()}, "inactivity_exit")
			return nil
		}
	}
}

func (d *Daemon) shutdown() {
	d.mu.Lock()
	d.closed = true
	d.stopTickerLocked()
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// RunCheckup runs one checkup unless one is already running, in which case it
// returns false at once. Failures are logged; the next tick retries.
func (d *Daemon) RunCheckup(ctx context.Context) bool {
	if !d.checkupMu.TryLock() {
		d.logger.Debug(nil, "checkup_coalesced")
		return false
	}
	defer d.checkupMu.Unlock()
	err := d.manager.Checkup(ctx)
	d.checkupFailed.Store(err != nil)
	if err != nil {
		d.logger.Error(map[string]any{"error": err.Error(), "code": domain.CodeOf(err)}, "checkup_failed")
	}
	return true
}

// HostsChanged asks for a checkup from the run loop. Requests made while one is
// already pending are merged.
func (d *Daemon) HostsChanged(path string) {
	d.logger.Info(map[string]any{"path": path}, "enforcement_file_changed")
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// StartCheckupTimer starts the periodic checkup. Starting a running timer is a
// no-op.
func (d *Daemon) StartCheckupTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tickerStop != nil || d.closed {
		return
	}
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	stop := make(chan struct{})
	d.tickerStop = stop
	d.wg.Add(1)
	go d.checkupLoop(ctx, stop)
}

// StopCheckupTimer stops the periodic checkup. Stopping a stopped timer is a
// no-op.
func (d *Daemon) StopCheckupTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTickerLocked()
}

func (d *Daemon) stopTickerLocked() {
	if d.tickerStop == nil {
		return
	}
	close(d.tickerStop)
	d.tickerStop = nil
}

// CheckupTimerRunning reports whether the periodic checkup is active.
func (d *Daemon) CheckupTimerRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tickerStop != nil
}

// Armed reports whether a block is being supervised.
func (d *Daemon) Armed() bool { return d.CheckupTimerRunning() }

func (d *Daemon) checkupLoop(ctx context.Context, stop <-chan struct{}) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.checkupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			d.RunCheckup(ctx)
		}
	}
}

// ResetInactivityTimer restarts the idle countdown. It does nothing while a
// block is armed or when no timeout is configured.
func (d *Daemon) ResetInactivityTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inactivityTimeout <= 0 || d.tickerStop != nil || d.closed {
		return
	}
	if d.idleTimer == nil {
		d.idleTimer = time.AfterFunc(d.inactivityTimeout, d.fireIdle)
	} else {
		d.idleTimer.Reset(d.inactivityTimeout)
	}
	select {
	case <-d.idle:
	default:
	}
}

func (d *Daemon) fireIdle() {
	select {
	case d.idle <- struct{}{}:
	default:
	}
}

func (d *Daemon) arm(uid uint32) {
	d.mu.Lock()
	d.armedUID = uid
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.mu.Unlock()
	if !d.CheckupTimerRunning() {
		d.logger.Info(map[string]any{"uid": uid}, "daemon_armed")
	}
	d.StartCheckupTimer()
}

func (d *Daemon) disarm() {
	if d.CheckupTimerRunning() {
		d.logger.Info(nil, "daemon_idle")
	}
	d.StopCheckupTimer()
	d.ResetInactivityTimer()
}

func (d *Daemon) settingsChanged(uid uint32, s domain.Settings) {
	if s.BlockIsRunning {
		d.arm(uid)
		return
	}
	d.mu.Lock()
	owner := d.armedUID == uid
	d.mu.Unlock()
	if owner {
		d.disarm()
	}
}

func (d *Daemon) Version() string {
	d.ResetInactivityTimer()
	return d.version
}

func (d *Daemon) StartBlock(ctx context.Context, p ipc.StartBlockParams) error {
	err := d.manager.StartBlock(ctx, lifecycle.StartRequest{
		UID:       p.ControllingUID,
		Entries:   p.Blocklist,
		Allowlist: p.Allowlist,
		EndDate:   p.EndDate,
		Options:   p.Options,
	})
	if err != nil {
		return err
	}
	d.arm(p.ControllingUID)
	return nil
}

func (d *Daemon) UpdateBlocklist(ctx context.Context, p ipc.UpdateBlocklistParams) error {
	if err := d.manager.UpdateBlocklist(ctx, p.Blocklist); err != nil {
		return err
	}
	d.ResetInactivityTimer()
	return nil
}

func (d *Daemon) UpdateBlockEndDate(ctx context.Context, p ipc.UpdateEndDateParams) error {
	if err := d.manager.ExtendEndDate(ctx, p.EndDate); err != nil {
		return err
	}
	d.ResetInactivityTimer()
	return nil
}

func (d *Daemon) Status(ctx context.Context) (ipc.StatusResult, error) {
	st, err := d.manager.Status(ctx)
	if err != nil {
		return ipc.StatusResult{}, err
	}
	d.ResetInactivityTimer()
	s := st.Settings
	res := ipc.StatusResult{
		State:          st.Session.State.String(),
		Running:        s.BlockIsRunning,
		Installed:      st.Installed,
		Allowlist:      s.BlockIsAllowlist,
		ControllingUID: s.ControllingUID,
		Blocklist:      append([]string{}, s.Blocklist...),
		Options:        s.Options(),
	}
	if s.BlockIsRunning && s.BlockEndDate != nil {
		end := *s.BlockEndDate
		res.EndDate = &end
	}
	return res, nil
}

func (d *Daemon) History(_ context.Context, p ipc.HistoryParams) (ipc.HistoryResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	res := ipc.HistoryResult{Events: []domain.BlockEvent{}}
	if d.history == nil {
		d.ResetInactivityTimer()
		return res, nil
	}
	events, err := d.history.Recent(limit)
	if err != nil {
		return ipc.HistoryResult{}, domain.ErrInternal.WithMessagef("read history: %v", err)
	}
	res.Events = append(res.Events, events...)
	d.ResetInactivityTimer()
	return res, nil
}
