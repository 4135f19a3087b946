package acl

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _ string, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func newTestList(r fakeResolver) *AccessList {
	return New(nil,
		WithResolver(r),
		WithHostname(func() (string, error) { return "worker-01", nil }),
	)
}

func TestFailOpen(t *testing.T) {
	a := newTestList(nil)
	assert.False(t, a.IsRestrictionSet())
	assert.True(t, a.IsAllowed(netip.MustParseAddr("192.0.2.9")))

	a.SetHosts("")
	assert.False(t, a.IsRestrictionSet())
	assert.True(t, a.IsAllowed(netip.MustParseAddr("198.51.100.1")))
}

func TestExactMatch(t *testing.T) {
	a := newTestList(nil)
	a.SetHosts("10.0.0.1;10.0.0.2")

	require.True(t, a.IsRestrictionSet())
	assert.True(t, a.IsAllowed(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, a.IsAllowed(netip.MustParseAddr("10.0.0.2")))
	assert.False(t, a.IsAllowed(netip.MustParseAddr("10.0.0.3")))
	assert.Equal(t, "10.0.0.1;10.0.0.2", a.String())
}

func TestMappedIPv6IsCanonicalised(t *testing.T) {
	a := newTestList(nil)
	a.SetHosts("10.0.0.1")
	assert.True(t, a.IsAllowed(netip.MustParseAddr("::ffff:10.0.0.1")))
	assert.False(t, a.IsAllowed(netip.MustParseAddr("2001:db8::1")))
}

func TestDelimitersAndResolution(t *testing.T) {
	a := newTestList(fakeResolver{
		"alpha": {netip.MustParseAddr("10.1.0.1")},
		"beta":  {netip.MustParseAddr("10.1.0.2"), netip.MustParseAddr("2001:db8::2")},
	})
	a.SetHosts("alpha, beta\n10.1.0.3\r\nmissing-host ;;")

	hosts := a.Hosts()
	require.Len(t, hosts, 3)
	assert.Equal(t, "10.1.0.1", hosts[0].String())
	assert.Equal(t, "10.1.0.3", hosts[2].String())
}

func TestLocalhostIncludesOwnAddress(t *testing.T) {
	a := newTestList(fakeResolver{
		"localhost": {netip.MustParseAddr("127.0.0.1")},
		"worker-01": {netip.MustParseAddr("10.9.9.9")},
	})
	a.SetHosts("localhost")

	assert.True(t, a.IsAllowed(netip.MustParseAddr("127.0.0.1")))
	assert.True(t, a.IsAllowed(netip.MustParseAddr("10.9.9.9")))
	assert.False(t, a.IsAllowed(netip.MustParseAddr("10.9.9.8")))
}

func TestSetHostsReplacesWholeSet(t *testing.T) {
	a := newTestList(nil)
	a.SetHosts("10.0.0.1")
	a.SetHosts("10.0.0.2")
	assert.False(t, a.IsAllowed(netip.MustParseAddr("10.0.0.1")))
	assert.True(t, a.IsAllowed(netip.MustParseAddr("10.0.0.2")))
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	a := newTestList(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				a.IsAllowed(netip.MustParseAddr("10.0.0.1"))
			}
		}()
	}
	for j := 0; j < 20; j++ {
		a.SetHosts("10.0.0.1 10.0.0.2")
	}
	wg.Wait()
	assert.True(t, a.IsAllowed(netip.MustParseAddr("10.0.0.1")))
}
