package packetfilter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/haukened/selfblock/internal/block/gateways/runner"
	"github.com/haukened/selfblock/internal/block/infra/fsutil"
)

const (
	hookBegin = "# BEGIN SELFBLOCK ANCHOR"
	hookEnd   = "# END SELFBLOCK ANCHOR"
)

// pfDialect drives BSD pf through pfctl. Rules live in an anchor file that
// pf.conf loads through a marked hook section.
type pfDialect struct {
	binary     string
	anchor     string
	confFile   string
	anchorFile string
}

func (d *pfDialect) name() string { return "pf" }

func (d *pfDialect) staging() string { return d.anchor + "_staging" }
func (d *pfDialect) tokenFile() string { return d.anchorFile + ".token" }

func (d *pfDialect) render(p plan) string {
	var b strings.Builder
	b.WriteString("# " + header(p) + "\n")
	verb := "block return out quick"
	if p.allowlist {
		verb = "pass out quick"
		b.WriteString("pass out quick on lo0 all\n")
		b.WriteString("pass out quick inet proto udp from any port " + itoa(dhcpClient) + " to any port " + itoa(dhcpServer) + "\n")
		b.WriteString("pass out quick inet6 proto udp from any port " + itoa(dhcp6Client) + " to any port " + itoa(dhcp6Server) + "\n")
		for _, r := range p.resolvers {
			b.WriteString("pass out quick proto { tcp udp } from any to " + r.String() + " port " + itoa(dnsPort) + "\n")
		}
		for _, l := range p.local {
			b.WriteString("pass out quick from any to " + hostOrNet(l) + "\n")
		}
	}
	for _, t := range p.targets {
		if t.port > 0 {
			b.WriteString(verb + " proto { tcp udp } from any to " + hostOrNet(t.prefix) + " port " + itoa(t.port) + "\n")
			continue
		}
		b.WriteString(verb + " from any to " + hostOrNet(t.prefix) + "\n")
	}
	if p.allowlist {
		b.WriteString("block return out quick all\n")
	}
	return b.String()
}

func (d *pfDialect) hook() string {
	return hookBegin + "\n" +
		"anchor \"" + d.anchor + "\"\n" +
		"load anchor \"" + d.anchor + "\" from \"" + d.anchorFile + "\"\n" +
		hookEnd + "\n"
}

func (d *pfDialect) apply(ctx context.Context, r runner.Runner, rules string) error {
	staged := d.anchorFile + ".staging"
	if err := fsutil.AtomicWrite(staged, []byte(rules), 0o644); err != nil {
		return fmt.Errorf("write staged rules: %w", err)
	}
	// the staging anchor is referenced nowhere, so loading it has no effect on traffic
	if _, err := r.Run(ctx, nil, d.binary, "-a", d.staging(), "-f", staged); err != nil {
		_ = os.Remove(staged)
		return fmt.Errorf("validate rules: %w", err)
	}
	_, _ = r.Run(ctx, nil, d.binary, "-a", d.staging(), "-F", "rules")
	if err := os.Rename(staged, d.anchorFile); err != nil {
		return fmt.Errorf("commit rules: %w", err)
	}

	changed, err := d.ensureHook()
	if err != nil {
		return err
	}
	if changed {
		if _, err := r.Run(ctx, nil, d.binary, "-f", d.confFile); err != nil {
			return fmt.Errorf("reload %s: %w", d.confFile, err)
		}
	}
	if _, err := r.Run(ctx, nil, d.binary, "-a", d.anchor, "-f", d.anchorFile); err != nil {
		return fmt.Errorf("load anchor: %w", err)
	}
	return d.enable(ctx, r)
}

// enable takes a pf reference when pf is not already running.
func (d *pfDialect) enable(ctx context.Context, r runner.Runner) error {
	if d.enabled(ctx, r) {
		return nil
	}
	out, err := r.Run(ctx, nil, d.binary, "-E")
	if err != nil {
		return fmt.Errorf("enable pf: %w", err)
	}
	if token := parseToken(string(out)); token != "" {
		if err := fsutil.AtomicWrite(d.tokenFile(), []byte(token+"\n"), 0o600); err != nil {
			return fmt.Errorf("save pf token: %w", err)
		}
	}
	return nil
}

func (d *pfDialect) enabled(ctx context.Context, r runner.Runner) bool {
	out, err := r.Run(ctx, nil, d.binary, "-s", "info")
	return err == nil && strings.Contains(string(out), "Status: Enabled")
}

func (d *pfDialect) installed(ctx context.Context, r runner.Runner) bool {
	conf, err := os.ReadFile(d.confFile)
	if err != nil || !strings.Contains(string(conf), hookBegin) {
		return false
	}
	rules, err := os.ReadFile(d.anchorFile)
	if err != nil {
		return false
	}
	if !d.enabled(ctx, r) {
		return false
	}
	if !hasRules(string(rules)) {
		return true
	}
	out, err := r.Run(ctx, nil, d.binary, "-a", d.anchor, "-s", "rules")
	return err == nil && strings.TrimSpace(string(out)) != ""
}

func (d *pfDialect) remove(ctx context.Context, r runner.Runner) error {
	var errs error
	if _, err := r.Run(ctx, nil, d.binary, "-a", d.anchor, "-F", "all"); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("flush anchor: %w", err))
	}
	if err := os.Remove(d.anchorFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = multierr.Append(errs, err)
	}
	changed, err := d.stripHook()
	errs = multierr.Append(errs, err)
	if changed {
		if _, err := r.Run(ctx, nil, d.binary, "-f", d.confFile); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reload %s: %w", d.confFile, err))
		}
	}
	if raw, err := os.ReadFile(d.tokenFile()); err == nil {
		if token := strings.TrimSpace(string(raw)); token != "" {
			if _, err := r.Run(ctx, nil, d.binary, "-X", token); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("release pf token: %w", err))
			}
		}
		_ = os.Remove(d.tokenFile())
	}
	return errs
}

func (d *pfDialect) ensureHook() (bool, error) {
	raw, err := os.ReadFile(d.confFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read %s: %w", d.confFile, err)
	}
	content := string(raw)
	stripped := stripMarked(content, hookBegin, hookEnd)
	if stripped != "" && !strings.HasSuffix(stripped, "\n") {
		stripped += "\n"
	}
	next := stripped + d.hook()
	if next == content {
		return false, nil
	}
	if err := fsutil.ReplaceFile(d.confFile, []byte(next), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", d.confFile, err)
	}
	return true, nil
}

func (d *pfDialect) stripHook() (bool, error) {
	raw, err := os.ReadFile(d.confFile)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", d.confFile, err)
	}
	content := string(raw)
	if !strings.Contains(content, hookBegin) {
		return false, nil
	}
	if err := fsutil.ReplaceFile(d.confFile, []byte(stripMarked(content, hookBegin, hookEnd)), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", d.confFile, err)
	}
	return true, nil
}

// stripMarked removes every begin..end section, markers included.
func stripMarked(content, begin, end string) string {
	for {
		i := strings.Index(content, begin)
		if i < 0 {
			return content
		}
		j := strings.Index(content[i:], end)
		if j < 0 {
			return content[:i]
		}
		tail := strings.TrimPrefix(content[i+j+len(end):], "\n")
		content = content[:i] + tail
	}
}

// parseToken finds the reference token in "pfctl -E" output.
func parseToken(out string) string {
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == "Token" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
