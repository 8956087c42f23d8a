package domain

// RuleSet is the expanded, enforcement-ready form of a block. Hosts carry
// hostnames for backends that match by name; Addrs carry resolved and literal
// addresses for backends that match by IP.
type RuleSet struct {
	Allowlist  bool
	AllowLocal bool
	Hosts      []BlockEntry
	Addrs      []BlockEntry
	// Resolvers are DNS servers that must stay reachable in allowlist mode.
	Resolvers []string
}

// Empty reports whether the set contains no rules at all.
func (r RuleSet) Empty() bool {
	return len(r.Hosts) == 0 && len(r.Addrs) == 0
}

// Hostnames returns the distinct hostnames of the set in order.
func (r RuleSet) Hostnames() []string {
	seen := make(map[string]struct{}, len(r.Hosts))
	out := make([]string, 0, len(r.Hosts))
	for _, h := range r.Hosts {
		if _, ok := seen[h.Hostname()]; ok {
			continue
		}
		seen[h.Hostname()] = struct{}{}
		out = append(out, h.Hostname())
	}
	return out
}
