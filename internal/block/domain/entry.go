package domain

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/haukened/selfblock/internal/block/common/utils"
)

const (
	maxHostnameLength = 253
	maxLabelLength    = 63
)

// BlockEntry is one blocking rule: a hostname or address, an optional port and,
// for addresses, an optional mask length.
//
// Port 0 means any port. Mask 0 means host-only (/32 or /128); an explicit
// host-only mask is normalised to 0 so "1.2.3.4/32" and "1.2.3.4" are equal.
// Values are immutable and comparable with ==.
type BlockEntry struct {
	hostname string
	port     int
	maskLen  int
}

// Hostname returns the canonical hostname or address text.
func (e BlockEntry) Hostname() string { return e.hostname }

// Port returns the port, 0 meaning any.
func (e BlockEntry) Port() int { return e.port }

// MaskLen returns the mask length, 0 meaning host-only.
func (e BlockEntry) MaskLen() int { return e.maskLen }

// IsZero reports whether e is the zero entry.
func (e BlockEntry) IsZero() bool { return e.hostname == "" }

// IsAddress reports whether the entry names an IP address or network rather than a hostname.
func (e BlockEntry) IsAddress() bool {
	_, err := netip.ParseAddr(e.hostname)
	return err == nil
}

// Prefix returns the network the entry covers when it is an address entry.
func (e BlockEntry) Prefix() (netip.Prefix, bool) {
	addr, err := netip.ParseAddr(e.hostname)
	if err != nil {
		return netip.Prefix{}, false
	}
	bits := addr.BitLen()
	if e.maskLen > 0 {
		bits = e.maskLen
	}
	return netip.PrefixFrom(addr, bits), true
}

// WithPort returns a copy of e carrying port.
func (e BlockEntry) WithPort(port int) BlockEntry {
	e.port = port
	return e
}

// String formats the entry in the canonical form accepted by ParseEntry.
func (e BlockEntry) String() string {
	if e.hostname == "" {
		return ""
	}
	host := e.hostname
	if e.maskLen > 0 {
		host += "/" + strconv.Itoa(e.maskLen)
	}
	if e.port == 0 {
		return host
	}
	if strings.Contains(e.hostname, ":") {
		return "[" + host + "]:" + strconv.Itoa(e.port)
	}
	return host + ":" + strconv.Itoa(e.port)
}

// NewHostEntry builds an entry for an already canonical hostname. It validates
// like ParseEntry so expansion code can not produce entries the parser would reject.
func NewHostEntry(hostname string, port int) (BlockEntry, error) {
	e := BlockEntry{hostname: hostname, port: port}
	if err := validatePort(port); err != nil {
		return BlockEntry{}, err
	}
	if err := validateHostname(hostname); err != nil {
		return BlockEntry{}, err
	}
	return e, nil
}

// NewAddrEntry builds a host-only entry for addr.
func NewAddrEntry(addr netip.Addr, port int) BlockEntry {
	return BlockEntry{hostname: addr.Unmap().String(), port: port}
}

// ParseEntry is the single normalising parser for user supplied entries.
//
// Accepted shapes: "host", "host:port", "ip", "ip/mask", "ip/mask:port",
// "[v6]:port", "[v6/mask]:port" and bare "v6" or "v6/mask". URLs are reduced to
// their host ("https://Example.com/path" → "example.com") and "user@host" to
// the host. Anything else is rejected with ErrInvalidEntry.
func ParseEntry(raw string) (BlockEntry, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return BlockEntry{}, ErrInvalidEntry.WithMessage("empty entry")
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		s = s[i+1:]
	}

	if strings.HasPrefix(s, "[") {
		return parseBracketed(raw, s)
	}
	// more than one colon without brackets can only be a bare IPv6 address or network
	if strings.Count(s, ":") > 1 {
		host, mask, hasMask := strings.Cut(s, "/")
		return buildAddrEntry(raw, host, mask, hasMask, "", false)
	}

	if host, rest, found := strings.Cut(s, "/"); found {
		if _, err := netip.ParseAddr(host); err == nil {
			mask, port, hasPort := strings.Cut(rest, ":")
			return buildAddrEntry(raw, host, mask, true, port, hasPort)
		}
		if looksLikeMask(rest) {
			return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: masks only apply to addresses", raw)
		}
		// hostname followed by a URL path
		s = host
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}

	host, port, hasPort := strings.Cut(s, ":")
	if _, err := netip.ParseAddr(host); err == nil {
		return buildAddrEntry(raw, host, "", false, port, hasPort)
	}
	return buildHostEntry(raw, host, port, hasPort)
}

func parseBracketed(raw, s string) (BlockEntry, error) {
	end := strings.IndexByte(s, ']')
	if end < 0 {
		return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: missing ']'", raw)
	}
	inner, rest := s[1:end], s[end+1:]
	port := ""
	if rest != "" {
		if !strings.HasPrefix(rest, ":") {
			return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: unexpected %q after ']'", raw, rest)
		}
		port = rest[1:]
		if port == "" {
			return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: empty port", raw)
		}
	}
	host, mask, hasMask := strings.Cut(inner, "/")
	return buildAddrEntry(raw, host, mask, hasMask, port, port != "")
}

func buildAddrEntry(raw, host, mask string, hasMask bool, port string, hasPort bool) (BlockEntry, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: invalid address", raw)
	}
	if addr.Zone() != "" {
		return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: zoned addresses are not supported", raw)
	}
	addr = addr.Unmap()
	p, err := parsePort(raw, port, hasPort)
	if err != nil {
		return BlockEntry{}, err
	}
	e := BlockEntry{port: p}
	if !hasMask {
		e.hostname = addr.String()
		return e, nil
	}
	bits, err := strconv.Atoi(mask)
	if err != nil || bits < 1 || bits > addr.BitLen() {
		return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: mask must be 1-%d", raw, addr.BitLen())
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: %v", raw, err)
	}
	e.hostname = prefix.Addr().String()
	if bits != addr.BitLen() {
		e.maskLen = bits
	}
	return e, nil
}

func buildHostEntry(raw, host, port string, hasPort bool) (BlockEntry, error) {
	name, err := utils.CanonicalHostname(host)
	if err != nil {
		return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: %v", raw, err)
	}
	if err := validateHostname(name); err != nil {
		return BlockEntry{}, ErrInvalidEntry.WithMessagef("%q: %v", raw, err)
	}
	p, err := parsePort(raw, port, hasPort)
	if err != nil {
		return BlockEntry{}, err
	}
	return BlockEntry{hostname: name, port: p}, nil
}

// parsePort reads the text after a colon. A written port must be 1-65535;
// only an absent one means any port.
func parsePort(raw, port string, hasPort bool) (int, error) {
	if !hasPort {
		return 0, nil
	}
	if port == "" {
		return 0, ErrInvalidEntry.WithMessagef("%q: empty port", raw)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0, ErrInvalidEntry.WithMessagef("%q: invalid port %q", raw, port)
	}
	if p < 1 || p > 65535 {
		return 0, ErrInvalidEntry.WithMessagef("%q: port must be 1-65535", raw)
	}
	return p, nil
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return ErrInvalidEntry.WithMessagef("port %d out of range", p)
	}
	return nil
}

// validateHostname enforces LDH hostname syntax on an already canonical name.
func validateHostname(name string) error {
	if name == "" {
		return ErrInvalidEntry.WithMessage("empty hostname")
	}
	if len(name) > maxHostnameLength {
		return ErrInvalidEntry.WithMessagef("hostname longer than %d characters", maxHostnameLength)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > maxLabelLength {
			return ErrInvalidEntry.WithMessagef("invalid label in %q", name)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return ErrInvalidEntry.WithMessagef("label %q starts or ends with '-'", label)
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
				return ErrInvalidEntry.WithMessagef("invalid character %q in %q", c, name)
			}
		}
	}
	return nil
}

// CleanEntries parses free-form text lines into entries. Lines may hold several
// entries separated by whitespace or commas; '#' starts a comment. Duplicates
// are dropped keeping first-seen order. Rejected tokens are returned verbatim.
func CleanEntries(lines []string) (entries []BlockEntry, invalid []string) {
	seen := make(map[BlockEntry]struct{})
	for _, line := range lines {
		for _, row := range strings.Split(line, "\n") {
			if i := strings.IndexByte(row, '#'); i >= 0 {
				row = row[:i]
			}
			tokens := strings.FieldsFunc(row, func(r rune) bool {
				return r == ',' || r == ' ' || r == '\t' || r == '\r'
			})
			for _, tok := range tokens {
				e, err := ParseEntry(tok)
				if err != nil {
					invalid = append(invalid, tok)
					continue
				}
				if _, dup := seen[e]; dup {
					continue
				}
				seen[e] = struct{}{}
				entries = append(entries, e)
			}
		}
	}
	return entries, invalid
}

// EntryStrings formats entries in order.
func EntryStrings(entries []BlockEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.String())
	}
	return out
}

// looksLikeMask reports whether s has the "bits" or "bits:port" shape.
func looksLikeMask(s string) bool {
	bits, port, _ := strings.Cut(s, ":")
	if bits == "" {
		return false
	}
	for _, part := range []string{bits, port} {
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return false
			}
		}
	}
	return true
}
