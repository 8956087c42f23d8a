// Package netranges answers whether addresses fall inside local or private networks.
package netranges

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/yl2chen/cidranger"
)

// LocalCIDRs are loopback, private, link-local and unique-local networks.
var LocalCIDRs = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Ranges is a set of networks backed by a path-compressed trie.
type Ranges struct {
	ranger   cidranger.Ranger
	prefixes []netip.Prefix
}

// New builds a set from CIDR strings.
func New(cidrs []string) (*Ranges, error) {
	r := &Ranges{ranger: cidranger.NewPCTrieRanger()}
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", c, err)
		}
		p = p.Masked()
		_, ipnet, err := net.ParseCIDR(p.String())
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", c, err)
		}
		if err := r.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, fmt.Errorf("insert %q: %w", c, err)
		}
		r.prefixes = append(r.prefixes, p)
	}
	return r, nil
}

// Local returns the set of LocalCIDRs.
func Local() *Ranges {
	r, err := New(LocalCIDRs)
	if err != nil {
		panic(err)
	}
	return r
}

// Contains reports whether addr lies in any network of the set.
func (r *Ranges) Contains(addr netip.Addr) bool {
	ok, err := r.ranger.Contains(net.IP(addr.Unmap().AsSlice()))
	return err == nil && ok
}

// Covers reports whether the whole of p lies in one network of the set.
func (r *Ranges) Covers(p netip.Prefix) bool {
	p = p.Masked()
	nets, err := r.ranger.ContainingNetworks(net.IP(p.Addr().Unmap().AsSlice()))
	if err != nil {
		return false
	}
	for _, n := range nets {
		network := n.Network()
		ones, _ := network.Mask.Size()
		if ones <= p.Bits() {
			return true
		}
	}
	return false
}

// Prefixes returns the networks in insertion order.
func (r *Ranges) Prefixes() []netip.Prefix {
	return append([]netip.Prefix{}, r.prefixes...)
}
