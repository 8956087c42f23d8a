// Package hostsfile enforces a block by redirecting hostnames in hosts files.
//
// A hosts file can only redirect named hosts. It can not default-deny other
// traffic, so allowlist blocks are left to the packet filter.
package hostsfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/infra/fsutil"
)

const (
	BeginMarker  = "# BEGIN SELFBLOCK BLOCK"
	EndMarker    = "# END SELFBLOCK BLOCK"
	BackupSuffix = ".selfblock-backup"
)

var discardAddrs = []string{"0.0.0.0", "::"}

// Blocker manages the block section of one hosts file.
type Blocker struct {
	path   string
	logger log.Logger
	mu     sync.Mutex
}

// New returns a Blocker for the hosts file at path.
func New(path string, logger log.Logger) *Blocker {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Blocker{path: path, logger: logger}
}

func (b *Blocker) Name() string { return "hosts:" + b.path }

// Supports reports false for allowlist mode.
func (b *Blocker) Supports(allowlist bool) bool { return !allowlist }

// BackupPath is where the pristine copy of the file is kept.
func (b *Blocker) BackupPath() string { return b.path + BackupSuffix }

// Install replaces any existing block section with one covering rs. The first
// install ever takes a backup of the file; later installs leave it alone.
func (b *Blocker) Install(_ context.Context, rs domain.RuleSet) error {
	if rs.Allowlist {
		return domain.ErrUnsupportedMode.WithMessage("hosts file can not enforce an allowlist")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.read()
	if err != nil {
		return err
	}
	if raw != "" {
		copied, err := fsutil.CopyOnce(b.path, b.BackupPath())
		if err != nil {
			return fmt.Errorf("backup %s: %w", b.path, err)
		}
		if copied {
			b.logger.Info(map[string]any{"path": b.path, "backup": b.BackupPath()}, "hosts_backup_created")
		}
	}

	content := StripSection(raw)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += RenderSection(Hostnames(rs))
	if err := fsutil.ReplaceFile(b.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", b.path, err)
	}
	return nil
}

// IsInstalled scans for the section header.
func (b *Blocker) IsInstalled(context.Context) bool {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return false
	}
	return strings.Contains(string(raw), BeginMarker)
}

// Remove strips the block section, leaving the rest of the file untouched.
func (b *Blocker) Remove(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := b.read()
	if err != nil {
		return err
	}
	if !strings.Contains(raw, BeginMarker) {
		return nil
	}
	if err := fsutil.ReplaceFile(b.path, []byte(StripSection(raw)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", b.path, err)
	}
	return nil
}

func (b *Blocker) read() (string, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", b.path, err)
	}
	return string(raw), nil
}

// Expressible reports whether a hosts file can enforce e: a whole hostname
// without a port.
func Expressible(e domain.BlockEntry) bool {
	return !e.IsAddress() && e.Port() == 0
}

// Enforces reports whether the blocker can express e.
func (b *Blocker) Enforces(e domain.BlockEntry) bool { return Expressible(e) }

// Hostnames selects the rules a hosts file can express.
func Hostnames(rs domain.RuleSet) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, e := range rs.Hosts {
		if !Expressible(e) {
			continue
		}
		if _, ok := seen[e.Hostname()]; ok {
			continue
		}
		seen[e.Hostname()] = struct{}{}
		names = append(names, e.Hostname())
	}
	return names
}

// RenderSection builds the marked block section for hosts.
func RenderSection(hosts []string) string {
	var sb strings.Builder
	sb.WriteString(BeginMarker + "\n")
	for _, h := range hosts {
		for _, addr := range discardAddrs {
			sb.WriteString(addr + "\t" + h + "\n")
		}
	}
	sb.WriteString(EndMarker + "\n")
	return sb.String()
}

// StripSection removes every block section from content. A header without a
// footer removes everything after it, since that tail was written by us.
func StripSection(content string) string {
	for {
		start := strings.Index(content, BeginMarker)
		if start < 0 {
			return content
		}
		end := strings.Index(content[start:], EndMarker)
		if end < 0 {
			return content[:start]
		}
		tail := content[start+end+len(EndMarker):]
		tail = strings.TrimPrefix(tail, "\n")
		content = content[:start] + tail
	}
}
