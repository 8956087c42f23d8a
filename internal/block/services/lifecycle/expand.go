package lifecycle

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/selfblock/internal/block/common/log"
	"github.com/haukened/selfblock/internal/block/common/utils"
	"github.com/haukened/selfblock/internal/block/domain"
)

var commonPrefixes = []string{"www", "m", "mobile", "touch", "mail"}

var googleExtras = []string{"www.google.com", "encrypted.google.com", "ipv4.google.com", "ipv6.google.com"}

// linkedFamilies groups registrable domains that serve one product, so blocking
// one member blocks the CDN and short-link domains it depends on.
var linkedFamilies = [][]string{
	{"facebook.com", "fb.com", "facebook.net", "fbcdn.net", "fbsbx.com", "messenger.com"},
	{"instagram.com", "cdninstagram.com"},
	{"twitter.com", "x.com", "twimg.com", "t.co"},
	{"youtube.com", "youtu.be", "ytimg.com", "googlevideo.com", "youtube-nocookie.com"},
	{"reddit.com", "redd.it", "redditmedia.com", "redditstatic.com"},
	{"tiktok.com", "tiktokcdn.com", "tiktokv.com"},
	{"netflix.com", "nflxvideo.net", "nflximg.net", "nflxext.com"},
	{"twitch.tv", "ttvnw.net", "jtvnw.net"},
	{"linkedin.com", "licdn.com"},
	{"pinterest.com", "pinimg.com"},
}

var familyOf = func() map[string][]string {
	idx := make(map[string][]string)
	for _, fam := range linkedFamilies {
		for _, d := range fam {
			idx[d] = fam
		}
	}
	return idx
}()

// CommonSubdomains returns the usual variants of host. Prefixes are applied
// only when host is its own apex or the www form of it; a deeper subdomain is
// not widened to its siblings.
func CommonSubdomains(host string) []string {
	apex := utils.GetApexDomain(host)
	var out []string
	if bare, ok := strings.CutPrefix(host, "www."); ok && bare != "" {
		out = append(out, bare)
	}
	if host == apex || host == "www."+apex {
		for _, p := range commonPrefixes {
			out = append(out, p+"."+apex)
		}
		if host != apex {
			out = append(out, apex)
		}
	}
	if utils.ApexLabel(host) == "google" {
		out = append(out, googleExtras...)
	}
	return dedupeExcept(out, host)
}

// LinkedDomains returns the other registrable domains of host's family.
func LinkedDomains(host string) []string {
	fam := familyOf[utils.GetApexDomain(host)]
	return dedupeExcept(fam, utils.GetApexDomain(host))
}

func dedupeExcept(names []string, skip string) []string {
	seen := map[string]struct{}{skip: {}}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ExpanderOptions configures an Expander.
type ExpanderOptions struct {
	Resolver HostResolver
	// Servers are the DNS servers an allowlist must keep reachable.
	Servers     []string
	Parallelism int
	Timeout     time.Duration
	Local       LocalNetworks
	Logger      log.Logger
}

// Expander turns a user's entries into an enforcement-ready RuleSet.
type Expander struct {
	opts ExpanderOptions
}

func NewExpander(opts ExpanderOptions) *Expander {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	return &Expander{opts: opts}
}

// Report summarises an expansion.
type Report struct {
	Hostnames int
	Resolved  int
	Failed    int
	Pruned    int
}

// Expand builds the RuleSet for entries. Hostnames that fail to resolve are
// logged and skipped; the caller decides whether that is fatal.
func (x *Expander) Expand(ctx context.Context, entries []domain.BlockEntry, allowlist bool, opts domain.BlockOptions) (domain.RuleSet, Report) {
	rs := domain.RuleSet{Allowlist: allowlist, AllowLocal: opts.AllowLocal}
	if allowlist {
		rs.Resolvers = append([]string{}, x.opts.Servers...)
	}
	var rep Report

	hostSeen := make(map[domain.BlockEntry]struct{})
	addHost := func(name string, port int) {
		e, err := domain.NewHostEntry(name, port)
		if err != nil {
			return
		}
		if _, ok := hostSeen[e]; ok {
			return
		}
		hostSeen[e] = struct{}{}
		rs.Hosts = append(rs.Hosts, e)
	}
	addrSeen := make(map[domain.BlockEntry]struct{})
	addAddr := func(e domain.BlockEntry) {
		if _, ok := addrSeen[e]; ok {
			return
		}
		addrSeen[e] = struct{}{}
		rs.Addrs = append(rs.Addrs, e)
	}

	for _, e := range entries {
		if e.IsAddress() {
			continue
		}
		addHost(e.Hostname(), e.Port())
		var linked []string
		if opts.IncludeLinkedDomains {
			linked = LinkedDomains(e.Hostname())
			for _, l := range linked {
				addHost(l, e.Port())
			}
		}
		if opts.IncludeCommonSubdomains {
			for _, name := range append([]string{e.Hostname()}, linked...) {
				for _, sub := range CommonSubdomains(name) {
					addHost(sub, e.Port())
				}
			}
		}
	}

	resolved := x.resolveAll(ctx, rs.Hosts, &rep)
	for _, e := range entries {
		if e.IsAddress() {
			addAddr(e)
		}
	}
	for i, h := range rs.Hosts {
		for _, a := range resolved[i] {
			addAddr(domain.NewAddrEntry(a, h.Port()))
		}
	}

	if !allowlist && opts.AllowLocal && x.opts.Local != nil {
		kept := rs.Addrs[:0]
		for _, e := range rs.Addrs {
			if p, ok := e.Prefix(); ok && x.opts.Local.Covers(p) {
				rep.Pruned++
				continue
			}
			kept = append(kept, e)
		}
		rs.Addrs = kept
	}
	return rs, rep
}

// resolveAll looks up every distinct hostname with bounded parallelism.
// Results are indexed like hosts.
func (x *Expander) resolveAll(ctx context.Context, hosts []domain.BlockEntry, rep *Report) [][]netip.Addr {
	out := make([][]netip.Addr, len(hosts))
	if x.opts.Resolver == nil {
		return out
	}
	byName := make(map[string][]int)
	var names []string
	for i, h := range hosts {
		if _, ok := byName[h.Hostname()]; !ok {
			names = append(names, h.Hostname())
		}
		byName[h.Hostname()] = append(byName[h.Hostname()], i)
	}
	rep.Hostnames = len(names)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(x.opts.Parallelism)
	for _, name := range names {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(ctx, x.opts.Timeout)
			addrs, err := x.opts.Resolver.LookupHost(lctx, name)
			cancel()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				x.opts.Logger.Debug(map[string]any{"host": name, "error": err.Error()}, "resolve_skip")
				return nil
			}
			rep.Resolved++
			for _, i := range byName[name] {
				out[i] = addrs
			}
			return nil
		})
	}
	_ = g.Wait()
	if rep.Failed > 0 {
		x.opts.Logger.Warn(map[string]any{"failed": rep.Failed, "resolved": rep.Resolved}, "resolve_partial")
	}
	return out
}
