package netranges

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Contains(t *testing.T) {
	r := Local()
	for _, a := range []string{"10.1.2.3", "172.16.5.5", "172.31.255.255", "192.168.0.1", "127.0.0.1", "169.254.1.1", "::1", "fd00::1", "fe80::1", "::ffff:10.0.0.1"} {
		assert.True(t, r.Contains(netip.MustParseAddr(a)), a)
	}
	for _, a := range []string{"8.8.8.8", "172.32.0.1", "93.184.216.34", "2606:4700::1111"} {
		assert.False(t, r.Contains(netip.MustParseAddr(a)), a)
	}
}

func TestLocal_Covers(t *testing.T) {
	r := Local()
	assert.True(t, r.Covers(netip.MustParsePrefix("10.20.0.0/16")))
	assert.True(t, r.Covers(netip.MustParsePrefix("10.0.0.0/8")))
	assert.True(t, r.Covers(netip.MustParsePrefix("192.168.1.7/32")))
	assert.False(t, r.Covers(netip.MustParsePrefix("10.0.0.0/7")), "wider than any local range")
	assert.False(t, r.Covers(netip.MustParsePrefix("8.8.8.0/24")))
}

func TestNew_Invalid(t *testing.T) {
	_, err := New([]string{"10.0.0.0/8", "nope"})
	assert.Error(t, err)
}

func TestPrefixes(t *testing.T) {
	r, err := New([]string{"10.1.2.3/8"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, r.Prefixes())
}
