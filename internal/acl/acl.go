// Package acl implements the host allow-list consulted on every session
// bootstrap and capability check.
//
// The list is keyed by 32-bit IPv4 address. An empty list means "no
// restriction" and every peer is allowed.
package acl

import (
	"context"
	"net"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/logging"
)

// Resolver resolves host names to addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// HostnameFunc returns the local machine name.
type HostnameFunc func() (string, error)

const resolveTimeout = 5 * time.Second

// AccessList is a concurrency safe set of allowed IPv4 hosts.
type AccessList struct {
	mu       sync.RWMutex
	hosts    map[uint32]struct{}
	resolver Resolver
	hostname HostnameFunc
	logger   pslog.Logger
}

// Option customises an AccessList.
type Option func(*AccessList)

// WithResolver overrides the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(a *AccessList) {
		if r != nil {
			a.resolver = r
		}
	}
}

// WithHostname overrides how the local machine name is discovered for
// the "localhost" entry.
func WithHostname(fn HostnameFunc) Option {
	return func(a *AccessList) {
		if fn != nil {
			a.hostname = fn
		}
	}
}

// New returns an empty (fail-open) AccessList.
func New(logger pslog.Logger, opts ...Option) *AccessList {
	a := &AccessList{
		hosts:    make(map[uint32]struct{}),
		resolver: net.DefaultResolver,
		hostname: os.Hostname,
		logger:   logging.WithSubsystem(logger, "acl"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SplitHosts tokenizes a host list on ';', ',', space, '\n' and '\r'.
func SplitHosts(names string) []string {
	return strings.FieldsFunc(names, func(r rune) bool {
		switch r {
		case ';', ',', ' ', '\n', '\r', '\t':
			return true
		}
		return false
	})
}

// SetHosts resolves names and replaces the whole allow-set. Names that do
// not resolve are logged and skipped.
func (a *AccessList) SetHosts(names string) {
	resolved := make(map[uint32]struct{})
	for _, name := range SplitHosts(names) {
		for _, addr := range a.resolve(name) {
			if key, ok := addrKey(addr); ok {
				resolved[key] = struct{}{}
			} else {
				a.logger.Warn("acl.resolve.ipv6_skipped", "host", name, "addr", addr.String())
			}
		}
		if strings.EqualFold(name, "localhost") {
			for _, addr := range a.localAddrs() {
				if key, ok := addrKey(addr); ok {
					resolved[key] = struct{}{}
				}
			}
		}
	}

	a.mu.Lock()
	a.hosts = resolved
	a.mu.Unlock()

	a.logger.Debug("acl.hosts.set", "entries", len(resolved))
}

// IsAllowed reports whether addr may connect. It is always true while no
// restriction is configured.
func (a *AccessList) IsAllowed(addr netip.Addr) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.hosts) == 0 {
		return true
	}
	key, ok := addrKey(addr)
	if !ok {
		return false
	}
	_, found := a.hosts[key]
	return found
}

// IsRestrictionSet is true iff at least one host is configured.
func (a *AccessList) IsRestrictionSet() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.hosts) > 0
}

// Hosts returns the allowed addresses in ascending order.
func (a *AccessList) Hosts() []netip.Addr {
	a.mu.RLock()
	keys := make([]uint32, 0, len(a.hosts))
	for k := range a.hosts {
		keys = append(keys, k)
	}
	a.mu.RUnlock()

	slices.Sort(keys)
	out := make([]netip.Addr, len(keys))
	for i, k := range keys {
		out[i] = netip.AddrFrom4([4]byte{byte(k >> 24), byte(k >> 16), byte(k >> 8), byte(k)})
	}
	return out
}

// String renders the allowed hosts separated by ';'.
func (a *AccessList) String() string {
	hosts := a.Hosts()
	parts := make([]string, len(hosts))
	for i, h := range hosts {
		parts[i] = h.String()
	}
	return strings.Join(parts, ";")
}

func (a *AccessList) resolve(name string) []netip.Addr {
	if addr, err := netip.ParseAddr(name); err == nil {
		return []netip.Addr{addr}
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	addrs, err := a.resolver.LookupNetIP(ctx, "ip", name)
	if err != nil || len(addrs) == 0 {
		a.logger.Warn("acl.resolve.failed", "host", name, "error", err)
		return nil
	}
	return addrs
}

func (a *AccessList) localAddrs() []netip.Addr {
	name, err := a.hostname()
	if err != nil || name == "" {
		a.logger.Warn("acl.hostname.failed", "error", err)
		return nil
	}
	return a.resolve(name)
}

func addrKey(addr netip.Addr) (uint32, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), true
}
