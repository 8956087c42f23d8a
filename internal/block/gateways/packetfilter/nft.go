package packetfilter

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/haukened/selfblock/internal/block/gateways/runner"
)

// nftDialect drives nftables. The whole table is replaced in one transaction
// so a reload never leaves traffic unfiltered.
type nftDialect struct {
	binary string
	table  string
}

func (d *nftDialect) name() string { return "nft" }

func family(a netip.Addr) string {
	if a.Is4() {
		return "ip"
	}
	return "ip6"
}

// nftHeader matches the counter comment of a loaded table. It carries the
// number of verdict rules written after it.
var nftHeader = regexp.MustCompile(`comment "selfblock \w+ rules (\d+)"`)

func (d *nftDialect) render(p plan) string {
	verdict := "reject"
	if p.allowlist {
		verdict = "accept"
	}
	var rules []string
	if p.allowlist {
		rules = append(rules,
			"oifname \"lo\" accept",
			"udp sport "+itoa(dhcpClient)+" udp dport "+itoa(dhcpServer)+" accept",
			"udp sport "+itoa(dhcp6Client)+" udp dport "+itoa(dhcp6Server)+" accept",
		)
		for _, r := range p.resolvers {
			for _, proto := range []string{"udp", "tcp"} {
				rules = append(rules, family(r)+" daddr "+r.String()+" "+proto+" dport "+itoa(dnsPort)+" accept")
			}
		}
		for _, l := range p.local {
			rules = append(rules, family(l.Addr())+" daddr "+hostOrNet(l)+" accept")
		}
	}
	for _, t := range p.targets {
		match := family(t.prefix.Addr()) + " daddr " + hostOrNet(t.prefix)
		if t.port > 0 {
			for _, proto := range []string{"tcp", "udp"} {
				rules = append(rules, match+" "+proto+" dport "+itoa(t.port)+" "+verdict)
			}
			continue
		}
		rules = append(rules, match+" "+verdict)
	}
	if p.allowlist {
		rules = append(rules, "reject")
	}

	var b strings.Builder
	// creating then deleting makes the delete safe when the table is absent
	b.WriteString("table inet " + d.table + "\n")
	b.WriteString("delete table inet " + d.table + "\n")
	b.WriteString("table inet " + d.table + " {\n")
	b.WriteString("\tchain output {\n")
	b.WriteString("\t\ttype filter hook output priority 0; policy accept;\n")
	b.WriteString("\t\tcounter comment \"" + header(p) + " " + itoa(len(rules)) + "\"\n")
	for _, r := range rules {
		b.WriteString("\t\t" + r + "\n")
	}
	b.WriteString("\t}\n")
	b.WriteString("}\n")
	return b.String()
}

func (d *nftDialect) apply(ctx context.Context, r runner.Runner, rules string) error {
	if _, err := r.Run(ctx, []byte(rules), d.binary, "-c", "-f", "-"); err != nil {
		return fmt.Errorf("validate rules: %w", err)
	}
	if _, err := r.Run(ctx, []byte(rules), d.binary, "-f", "-"); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	return nil
}

// present reports whether the table exists and returns its listing.
func (d *nftDialect) present(ctx context.Context, r runner.Runner) (string, bool) {
	out, err := r.Run(ctx, nil, d.binary, "list", "table", "inet", d.table)
	if err != nil || !strings.Contains(string(out), "hook output") {
		return "", false
	}
	return string(out), true
}

// installed checks that every verdict rule the header announces is still
// loaded, so a flushed or edited chain counts as missing.
func (d *nftDialect) installed(ctx context.Context, r runner.Runner) bool {
	listing, ok := d.present(ctx, r)
	if !ok {
		return false
	}
	m := nftHeader.FindStringSubmatch(listing)
	if m == nil {
		return false
	}
	want, err := strconv.Atoi(m[1])
	return err == nil && countVerdicts(listing) == want
}

// countVerdicts counts the rule lines of a listing ending in accept or reject.
func countVerdicts(listing string) int {
	n := 0
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] == "type" || strings.Contains(line, "comment") {
			continue
		}
		if slices.Contains(fields, "accept") || slices.Contains(fields, "reject") {
			n++
		}
	}
	return n
}

func (d *nftDialect) remove(ctx context.Context, r runner.Runner) error {
	if _, ok := d.present(ctx, r); !ok {
		return nil
	}
	if _, err := r.Run(ctx, nil, d.binary, "delete", "table", "inet", d.table); err != nil {
		return fmt.Errorf("delete table: %w", err)
	}
	return nil
}
