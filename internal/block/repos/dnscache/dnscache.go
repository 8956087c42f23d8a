package dnscache

import (
	"net/netip"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/gateways/resolver"
)

type cacheEntry struct {
	addrs   []netip.Addr
	expires time.Time
}

// dnsCache is an in-memory TTL-aware cache using an LRU strategy to store
// resolved addresses per hostname. Expired entries are evicted on read.
type dnsCache struct {
	lru   *lru.Cache[string, cacheEntry]
	clock clock.Clock
}

// New returns a new dnsCache instance of the given size using an LRU backing store.
func New(size int, clk clock.Clock) (*dnsCache, error) {
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &dnsCache{lru: cache, clock: clk}, nil
}

// Set replaces the addresses cached for host.
func (c *dnsCache) Set(host string, addrs []netip.Addr, ttl time.Duration) {
	if len(addrs) == 0 || ttl <= 0 {
		return
	}
	c.lru.Add(host, cacheEntry{addrs: slices.Clone(addrs), expires: c.clock.Now().Add(ttl)})
}

// Get returns the cached addresses for host if present and not expired.
func (c *dnsCache) Get(host string) ([]netip.Addr, bool) {
	entry, found := c.lru.Get(host)
	if !found {
		return nil, false
	}
	if !c.clock.Now().Before(entry.expires) {
		c.lru.Remove(host)
		return nil, false
	}
	return slices.Clone(entry.addrs), true
}

// Purge drops every entry. Called when a block ends so stale answers never
// outlive it.
func (c *dnsCache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached hostnames.
func (c *dnsCache) Len() int {
	return c.lru.Len()
}

var _ resolver.Cache = (*dnsCache)(nil)
