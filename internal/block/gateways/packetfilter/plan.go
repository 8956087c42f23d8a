package packetfilter

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/haukened/selfblock/internal/block/domain"
)

const (
	dnsPort     = 53
	dhcpClient  = 68
	dhcpServer  = 67
	dhcp6Client = 546
	dhcp6Server = 547
)

// target is one destination network with an optional port.
type target struct {
	prefix netip.Prefix
	port   int
}

// plan is the dialect-neutral rule set a dialect renders.
type plan struct {
	allowlist bool
	resolvers []netip.Addr
	local     []netip.Prefix
	targets   []target
}

func newPlan(rs domain.RuleSet, local []netip.Prefix) plan {
	p := plan{allowlist: rs.Allowlist}
	seen := make(map[target]struct{}, len(rs.Addrs))
	for _, e := range rs.Addrs {
		prefix, ok := e.Prefix()
		if !ok {
			continue
		}
		t := target{prefix: prefix.Masked(), port: e.Port()}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		p.targets = append(p.targets, t)
	}
	if !rs.Allowlist {
		return p
	}
	for _, r := range rs.Resolvers {
		if addr, ok := resolverAddr(r); ok {
			p.resolvers = append(p.resolvers, addr)
		}
	}
	if rs.AllowLocal {
		p.local = local
	}
	return p
}

// resolverAddr accepts "ip", "ip:port" and "[v6]:port".
func resolverAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

func (p plan) mode() string {
	if p.allowlist {
		return "allowlist"
	}
	return "blocklist"
}

func header(p plan) string {
	return "selfblock " + p.mode() + " rules"
}

// hostOrNet formats single addresses without a mask.
func hostOrNet(p netip.Prefix) string {
	if p.IsSingleIP() {
		return p.Addr().String()
	}
	return p.String()
}

func itoa(i int) string { return strconv.Itoa(i) }

// hasRules reports whether rendered pf text holds anything besides comments.
func hasRules(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}
