package iprange_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnsrelay/dnsrelay/internal/iprange"
)

func TestRange_SimplifyMergesAdjacent(t *testing.T) {
	t.Parallel()

	r := iprange.New()
	require.NoError(t, r.AddString("10.0.0.0/9"))
	require.NoError(t, r.AddString("10.128.0.0/9"))
	r.Simplify()

	require.Equal(t, 1, r.Len())
	assert.True(t, r.Contains(netip.MustParseAddr("10.5.0.1")))
	assert.True(t, r.Contains(netip.MustParseAddr("10.200.0.1")))
	assert.False(t, r.Contains(netip.MustParseAddr("11.0.0.1")))
}

func TestRange_ContainsOverlapping(t *testing.T) {
	t.Parallel()

	r := iprange.New()
	require.NoError(t, r.AddString("1.0.0.0/8"))
	require.NoError(t, r.AddString("1.2.3.0/24"))
	r.Simplify()

	// The narrower prefix is absorbed by the wider one.
	require.Equal(t, 1, r.Len())
	assert.True(t, r.Contains(netip.MustParseAddr("1.2.3.4")))
	assert.True(t, r.Contains(netip.MustParseAddr("1.255.255.255")))
}

func TestRange_HostRoute(t *testing.T) {
	t.Parallel()

	r := iprange.New()
	require.NoError(t, r.AddString("8.8.8.8"))
	r.Simplify()

	assert.True(t, r.Contains(netip.MustParseAddr("8.8.8.8")))
	assert.False(t, r.Contains(netip.MustParseAddr("8.8.4.4")))
}

func TestRange_InvalidCIDR(t *testing.T) {
	t.Parallel()

	r := iprange.New()
	err := r.AddString("not-an-ip")
	require.Error(t, err)
}

func TestRange_EmptyContainsNothing(t *testing.T) {
	t.Parallel()

	r := iprange.New()
	r.Simplify()
	assert.False(t, r.Contains(netip.MustParseAddr("127.0.0.1")))
}

func TestRange_Disjoint(t *testing.T) {
	t.Parallel()

	r := iprange.New()
	require.NoError(t, r.AddString("10.0.0.0/24"))
	require.NoError(t, r.AddString("192.168.0.0/24"))
	r.Simplify()

	require.Equal(t, 2, r.Len())
	assert.True(t, r.Contains(netip.MustParseAddr("10.0.0.5")))
	assert.True(t, r.Contains(netip.MustParseAddr("192.168.0.5")))
	assert.False(t, r.Contains(netip.MustParseAddr("172.16.0.5")))
}
