// Package cachepurge clears browser caches and the OS DNS cache after a block
// ends, so pages fetched before the block are not served from cache.
package cachepurge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/gateways/runner"
)

var browserDirs = map[string][]string{
	"darwin": {
		"Library/Caches/com.apple.Safari",
		"Library/Caches/Google/Chrome",
		"Library/Caches/Firefox",
		"Library/Caches/BraveSoftware",
		"Library/Caches/com.operasoftware.Opera",
	},
	"linux": {
		".cache/google-chrome",
		".cache/chromium",
		".cache/mozilla/firefox",
		".cache/BraveSoftware",
	},
}

var flushCommands = map[string][][]string{
	"darwin": {
		{"dscacheutil", "-flushcache"},
		{"killall", "-HUP", "mDNSResponder"},
	},
	"linux": {
		{"resolvectl", "flush-caches"},
	},
}

// Flusher is an in-process cache that should be emptied alongside the OS one.
type Flusher interface {
	Purge()
}

// Options configures a Purger.
type Options struct {
	Runner  runner.Runner
	GOOS    string
	HomeDir func(uid uint32) (string, error)
	// Local is purged together with the OS DNS cache when set.
	Local  Flusher
	Logger log.Logger
}

// Purger deletes cache directories and flushes DNS caches.
type Purger struct {
	opts Options
}

// New returns a Purger with defaults filled in.
func New(opts Options) *Purger {
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}
	if opts.HomeDir == nil {
		opts.HomeDir = lookupHome
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Purger{opts: opts}
}

func lookupHome(uid uint32) (string, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}

// CacheDirs lists the browser cache directories for home on goos.
func CacheDirs(goos, home string) []string {
	rel := browserDirs[goos]
	out := make([]string, 0, len(rel))
	for _, r := range rel {
		out = append(out, filepath.Join(home, r))
	}
	return out
}

// confine resolves the parents of dir and returns the path to delete. It
// reports false when a symlinked parent leads outside home. A symlink in the
// last element is removed as a link and needs no check.
func confine(home, dir string) (string, bool) {
	root, err := filepath.EvalSymlinks(home)
	if err != nil {
		return "", false
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(dir))
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(root, parent)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(parent, filepath.Base(dir)), true
}

// Purge clears the browser caches of uid and the DNS caches. Failing to flush
// the OS DNS cache is logged but not returned, since not every system runs one.
func (p *Purger) Purge(ctx context.Context, uid uint32) error {
	var errs error
	home, err := p.opts.HomeDir(uid)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("home of uid %d: %w", uid, err))
	} else {
		for _, dir := range CacheDirs(p.opts.GOOS, home) {
			if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
				continue
			}
			target, ok := confine(home, dir)
			if !ok {
				p.opts.Logger.Warn(map[string]any{"uid": uid, "dir": dir}, "browser_cache_outside_home")
				continue
			}
			if err := os.RemoveAll(target); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			p.opts.Logger.Debug(map[string]any{"dir": dir}, "browser_cache_cleared")
		}
	}

	if p.opts.Local != nil {
		p.opts.Local.Purge()
	}
	for _, cmd := range flushCommands[p.opts.GOOS] {
		if _, err := p.opts.Runner.Run(ctx, nil, cmd[0], cmd[1:]...); err != nil {
			p.opts.Logger.Warn(map[string]any{"command": cmd[0], "error": err}, "dns_flush_failed")
		}
	}
	p.opts.Logger.Info(map[string]any{"uid": uid}, "caches_purged")
	return errs
}
