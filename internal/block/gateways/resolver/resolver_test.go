package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/selfblock/internal/block/domain"
)

// MockExchanger implements Exchanger for testing
type MockExchanger struct {
	mock.Mock
}

func (m *MockExchanger) ExchangeContext(ctx context.Context, msg *dns.Msg, address string) (*dns.Msg, time.Duration, error) {
	args := m.Called(msg.Question[0].Qtype, address)
	resp, _ := args.Get(0).(*dns.Msg)
	if resp != nil {
		resp = resp.Copy()
		resp.Id = msg.Id
	}
	return resp, 0, args.Error(1)
}

func answer(rrs ...string) *dns.Msg {
	m := new(dns.Msg)
	for _, s := range rrs {
		rr, err := dns.NewRR(s)
		if err != nil {
			panic(err)
		}
		m.Answer = append(m.Answer, rr)
	}
	return m
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]netip.Addr
	ttls map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]netip.Addr{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Get(host string) ([]netip.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.data[host]
	return a, ok
}

func (c *memCache) Set(host string, addrs []netip.Addr, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[host] = addrs
	c.ttls[host] = ttl
}

func TestNewResolver_RequiresServers(t *testing.T) {
	_, err := NewResolver(Options{})
	assert.EqualError(t, err, errNoServersProvided)
}

func TestLookupHost_AandAAAA(t *testing.T) {
	ex := new(MockExchanger)
	ex.On("ExchangeContext", dns.TypeA, "1.1.1.1:53").Return(answer(
		"example.com. 300 IN CNAME edge.example.net.",
		"edge.example.net. 60 IN A 93.184.216.34",
		"edge.example.net. 60 IN A 93.184.216.35",
	), nil)
	ex.On("ExchangeContext", dns.TypeAAAA, "1.1.1.1:53").Return(answer(
		"edge.example.net. 120 IN AAAA 2606:2800:220:1::1",
	), nil)
	cache := newMemCache()

	r, err := NewResolver(Options{Servers: []string{"1.1.1.1:53"}, UDP: ex, Cache: cache})
	require.NoError(t, err)

	addrs, err := r.LookupHost(context.Background(), "Example.COM.")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("93.184.216.34"),
		netip.MustParseAddr("93.184.216.35"),
		netip.MustParseAddr("2606:2800:220:1::1"),
	}, addrs)
	assert.Equal(t, 60*time.Second, cache.ttls["example.com"])

	// second lookup is served from the cache
	_, err = r.LookupHost(context.Background(), "example.com")
	require.NoError(t, err)
	ex.AssertNumberOfCalls(t, "ExchangeContext", 2)
}

func TestLookupHost_NXDomain(t *testing.T) {
	ex := new(MockExchanger)
	nx := new(dns.Msg)
	nx.Rcode = dns.RcodeNameError
	ex.On("ExchangeContext", dns.TypeA, "1.1.1.1:53").Return(nx, nil)

	r, _ := NewResolver(Options{Servers: []string{"1.1.1.1:53"}, UDP: ex})
	_, err := r.LookupHost(context.Background(), "nope.invalid")
	assert.ErrorIs(t, err, domain.ErrResolutionFailed)
}

func TestLookupHost_SerialFallsBackToNextServer(t *testing.T) {
	ex := new(MockExchanger)
	ex.On("ExchangeContext", mock.Anything, "10.0.0.1:53").Return(nil, errors.New("timeout"))
	ex.On("ExchangeContext", dns.TypeA, "10.0.0.2:53").Return(answer("a.example. 30 IN A 1.2.3.4"), nil)
	ex.On("ExchangeContext", dns.TypeAAAA, "10.0.0.2:53").Return(answer(), nil)

	r, _ := NewResolver(Options{Servers: []string{"10.0.0.1:53", "10.0.0.2:53"}, UDP: ex})
	addrs, err := r.LookupHost(context.Background(), "a.example")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("1.2.3.4")}, addrs)
}

func TestLookupHost_AllServersFail(t *testing.T) {
	ex := new(MockExchanger)
	ex.On("ExchangeContext", mock.Anything, mock.Anything).Return(nil, errors.New("unreachable"))

	r, _ := NewResolver(Options{Servers: []string{"10.0.0.1:53", "10.0.0.2:53"}, UDP: ex, Parallel: true})
	_, err := r.LookupHost(context.Background(), "a.example")
	assert.ErrorIs(t, err, domain.ErrResolutionFailed)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestLookupHost_NoAddresses(t *testing.T) {
	ex := new(MockExchanger)
	ex.On("ExchangeContext", mock.Anything, mock.Anything).Return(answer(), nil)

	r, _ := NewResolver(Options{Servers: []string{"10.0.0.1:53"}, UDP: ex})
	_, err := r.LookupHost(context.Background(), "empty.example")
	assert.ErrorIs(t, err, domain.ErrResolutionFailed)
}

func TestLookupHost_TruncatedRetriesOverTCP(t *testing.T) {
	udp, tcp := new(MockExchanger), new(MockExchanger)
	tc := new(dns.Msg)
	tc.Truncated = true
	udp.On("ExchangeContext", mock.Anything, mock.Anything).Return(tc, nil)
	tcp.On("ExchangeContext", dns.TypeA, mock.Anything).Return(answer("big.example. 30 IN A 5.6.7.8"), nil)
	tcp.On("ExchangeContext", dns.TypeAAAA, mock.Anything).Return(answer(), nil)

	r, _ := NewResolver(Options{Servers: []string{"10.0.0.1:53"}, UDP: udp, TCP: tcp})
	addrs, err := r.LookupHost(context.Background(), "big.example")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("5.6.7.8")}, addrs)
	tcp.AssertNumberOfCalls(t, "ExchangeContext", 2)
}

// countingExchanger blocks until released so concurrent lookups overlap.
type countingExchanger struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingExchanger) ExchangeContext(ctx context.Context, msg *dns.Msg, _ string) (*dns.Msg, time.Duration, error) {
	c.calls.Add(1)
	<-c.release
	resp := answer("shared.example. 30 IN A 9.9.9.9")
	if msg.Question[0].Qtype == dns.TypeAAAA {
		resp = answer()
	}
	resp.Id = msg.Id
	return resp, 0, nil
}

func TestLookupHost_SharesConcurrentQueries(t *testing.T) {
	ex := &countingExchanger{release: make(chan struct{})}
	r, _ := NewResolver(Options{Servers: []string{"10.0.0.1:53"}, UDP: ex})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addrs, err := r.LookupHost(context.Background(), "shared.example")
			assert.NoError(t, err)
			assert.Len(t, addrs, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(ex.release)
	wg.Wait()
	assert.LessOrEqual(t, ex.calls.Load(), int32(10))
	assert.GreaterOrEqual(t, ex.calls.Load(), int32(2))
}

func TestLookupHost_AgainstLocalServer(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		switch {
		case q.Name == "blocked.test." && q.Qtype == dns.TypeA:
			rr, _ := dns.NewRR("blocked.test. 60 IN A 192.0.2.10")
			m.Answer = append(m.Answer, rr)
		case q.Name == "blocked.test." && q.Qtype == dns.TypeAAAA:
			rr, _ := dns.NewRR("blocked.test. 60 IN AAAA 2001:db8::10")
			m.Answer = append(m.Answer, rr)
		default:
			m.SetRcode(req, dns.RcodeNameError)
		}
		_ = w.WriteMsg(m)
	})}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	defer srv.Shutdown()

	r, err := NewResolver(Options{Servers: []string{pc.LocalAddr().String()}, Timeout: time.Second})
	require.NoError(t, err)

	addrs, err := r.LookupHost(context.Background(), "blocked.test")
	require.NoError(t, err)
	assert.ElementsMatch(t, []netip.Addr{
		netip.MustParseAddr("192.0.2.10"),
		netip.MustParseAddr("2001:db8::10"),
	}, addrs)

	_, err = r.LookupHost(context.Background(), "other.test")
	assert.ErrorIs(t, err, domain.ErrResolutionFailed)
}
