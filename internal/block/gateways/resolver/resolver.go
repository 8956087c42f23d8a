// Package resolver resolves hostnames against configured upstream servers with
// miekg/dns. It never consults the local hosts file, which the block itself
// rewrites.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/haukened/selfblock/internal/block/domain"
)

// Error message constants for consistent error handling
const (
	errNoServersProvided = "no upstream DNS servers provided"
	errServerFailed      = "server %s: %w"
	errAllServersFailed  = "all %d upstream servers failed"
	errQueryTimeout      = "query timeout after %v"
	errBadRcode          = "rcode %s"
)

// Exchanger sends one DNS message. *dns.Client satisfies it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// Cache stores resolved addresses per hostname.
type Cache interface {
	Get(host string) ([]netip.Addr, bool)
	Set(host string, addrs []netip.Addr, ttl time.Duration)
}

// Options configures a Resolver.
type Options struct {
	// required parameters
	Servers  []string
	Timeout  time.Duration
	Parallel bool
	// MaxTTL caps how long answers are cached.
	MaxTTL time.Duration
	// optional collaborators, defaults are used when nil
	Cache Cache
	UDP   Exchanger
	TCP   Exchanger
}

// Resolver looks up A and AAAA records for hostnames.
type Resolver struct {
	servers  []string
	timeout  time.Duration
	parallel bool
	maxTTL   time.Duration
	cache    Cache
	udp      Exchanger
	tcp      Exchanger
	group    singleflight.Group
}

// NewResolver creates a resolver. Timeout defaults to 2 seconds.
func NewResolver(opts Options) (*Resolver, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New(errNoServersProvided)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = 5 * time.Minute
	}
	if opts.UDP == nil {
		opts.UDP = &dns.Client{Net: "udp", Timeout: opts.Timeout}
	}
	if opts.TCP == nil {
		opts.TCP = &dns.Client{Net: "tcp", Timeout: opts.Timeout}
	}
	return &Resolver{
		servers:  slices.Clone(opts.Servers),
		timeout:  opts.Timeout,
		parallel: opts.Parallel,
		maxTTL:   opts.MaxTTL,
		cache:    opts.Cache,
		udp:      opts.UDP,
		tcp:      opts.TCP,
	}, nil
}

// Servers returns the upstream servers in "ip:port" form.
func (r *Resolver) Servers() []string { return slices.Clone(r.servers) }

// LookupHost returns every A and AAAA address of host. Concurrent lookups of
// the same host share one query. A name that exists but has no addresses
// returns ErrResolutionFailed, as does a name every server failed to answer.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if r.cache != nil {
		if addrs, ok := r.cache.Get(host); ok {
			return addrs, nil
		}
	}
	v, err, _ := r.group.Do(host, func() (any, error) {
		return r.lookup(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]netip.Addr)), nil
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		addrs  []netip.Addr
		minTTL = r.maxTTL
		errs   []error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, err := r.exchange(ctx, msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, domain.ErrResolutionFailed.WithMessagef("%s: no such host", host)
		}
		if resp.Rcode != dns.RcodeSuccess {
			errs = append(errs, fmt.Errorf(errBadRcode, dns.RcodeToString[resp.Rcode]))
			continue
		}
		for _, rr := range resp.Answer {
			var ip netip.Addr
			switch rec := rr.(type) {
			case *dns.A:
				ip, _ = netip.AddrFromSlice(rec.A.To4())
			case *dns.AAAA:
				ip, _ = netip.AddrFromSlice(rec.AAAA.To16())
			default:
				continue
			}
			if !ip.IsValid() {
				continue
			}
			ip = ip.Unmap()
			if !slices.Contains(addrs, ip) {
				addrs = append(addrs, ip)
			}
			if ttl := time.Duration(rr.Header().Ttl) * time.Second; ttl < minTTL {
				minTTL = ttl
			}
		}
	}

	if len(addrs) == 0 {
		if len(errs) > 0 {
			return nil, domain.ErrResolutionFailed.WithMessagef("%s: %v", host, errors.Join(errs...))
		}
		return nil, domain.ErrResolutionFailed.WithMessagef("%s: no addresses", host)
	}
	if r.cache != nil && minTTL > 0 {
		r.cache.Set(host, addrs, minTTL)
	}
	return addrs, nil
}

// exchange sends msg to the upstream servers, serially or in parallel, and
// retries a truncated UDP answer over TCP.
func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if r.parallel {
		return r.exchangeParallel(ctx, msg)
	}
	var lastErr error
	for _, server := range r.servers {
		resp, err := r.exchangeOne(ctx, server, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = fmt.Errorf(errServerFailed, server, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(r.servers), lastErr)
}

func (r *Resolver) exchangeParallel(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	responseChan := make(chan *dns.Msg, 1)
	errorChan := make(chan error, len(r.servers))

	for _, server := range r.servers {
		go func(srv string) {
			resp, err := r.exchangeOne(ctx, srv, msg.Copy())
			if err != nil {
				errorChan <- fmt.Errorf(errServerFailed, srv, err)
				return
			}
			select {
			case responseChan <- resp:
			default:
			}
		}(server)
	}

	var errs []error
	for i := 0; i < len(r.servers); i++ {
		select {
		case resp := <-responseChan:
			return resp, nil
		case err := <-errorChan:
			errs = append(errs, err)
		case <-ctx.Done():
			return nil, fmt.Errorf(errQueryTimeout, r.timeout)
		}
	}
	return nil, fmt.Errorf(errAllServersFailed+": %w", len(r.servers), errors.Join(errs...))
}

func (r *Resolver) exchangeOne(ctx context.Context, server string, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := r.udp.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
