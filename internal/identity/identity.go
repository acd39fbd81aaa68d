// Package identity provides numeric security identities and the
// address-to-identity cache used to resolve them.
//
// Identities are derived from where the proxy actually connected, never from
// anything the client sent.
package identity

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
)

// Errors
var (
	ErrNoAddress     = errors.New("identity: no address")
	ErrNonIPAddress  = errors.New("identity: non-IP address")
	ErrInvalidPrefix = errors.New("identity: invalid prefix")
)

// NumericIdentity is the numeric label of a security principal.
type NumericIdentity uint32

// Reserved identities.
const (
	IdentityUnknown NumericIdentity = 0
	IdentityHost    NumericIdentity = 1
	IdentityWorld   NumericIdentity = 2
)

func (id NumericIdentity) String() string {
	switch id {
	case IdentityUnknown:
		return "unknown"
	case IdentityHost:
		return "host"
	case IdentityWorld:
		return "world"
	default:
		return strconv.FormatUint(uint64(id), 10)
	}
}

// Uint32 returns the identity as a plain integer.
func (id NumericIdentity) Uint32() uint32 { return uint32(id) }

// Resolver maps an IP address to the identity that owns it.
type Resolver interface {
	ResolvePolicyID(addr netip.Addr) NumericIdentity
}

// Resolve returns the identity and port of a destination address.
// Only IP addresses can be resolved; anything else is an error so that
// callers fail closed.
func Resolve(r Resolver, addr net.Addr) (NumericIdentity, uint16, error) {
	ap, err := AddrPort(addr)
	if err != nil {
		return IdentityUnknown, 0, err
	}
	if r == nil {
		return IdentityWorld, ap.Port(), nil
	}
	return r.ResolvePolicyID(ap.Addr()), ap.Port(), nil
}

// AddrPort converts a net.Addr into an IP address and port.
func AddrPort(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case nil:
		return netip.AddrPort{}, ErrNoAddress
	case *net.TCPAddr:
		if a == nil {
			return netip.AddrPort{}, ErrNoAddress
		}
		return validAddrPort(a.AddrPort(), a)
	case *net.UDPAddr:
		if a == nil {
			return netip.AddrPort{}, ErrNoAddress
		}
		return validAddrPort(a.AddrPort(), a)
	case *net.IPAddr:
		if a == nil {
			return netip.AddrPort{}, ErrNoAddress
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNonIPAddress, a.String())
		}
		return netip.AddrPortFrom(ip.Unmap(), 0), nil
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNonIPAddress, addr.String())
		}
		return ap, nil
	}
}

// validAddrPort rejects the zero address a TCPAddr or UDPAddr without a
// usable IP converts to.
func validAddrPort(ap netip.AddrPort, addr net.Addr) (netip.AddrPort, error) {
	if !ap.Addr().IsValid() {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNonIPAddress, addr.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// IPCache maps CIDR prefixes to identities with longest-prefix-match lookup.
// Safe for concurrent use.
type IPCache struct {
	mu       sync.RWMutex
	prefixes map[netip.Prefix]NumericIdentity
	// bits holds the distinct prefix lengths present, longest first.
	bits []int
}

// NewIPCache creates an empty cache.
func NewIPCache() *IPCache {
	return &IPCache{
		prefixes: make(map[netip.Prefix]NumericIdentity),
	}
}

// Replace swaps the whole prefix set. Prefixes absent from next no longer
// resolve.
func (c *IPCache) Replace(next map[netip.Prefix]NumericIdentity) {
	prefixes := make(map[netip.Prefix]NumericIdentity, len(next))
	for p, id := range next {
		prefixes[p.Masked()] = id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes = prefixes
	c.rebuildBitsLocked()
}

// Lookup returns the identity of the longest prefix containing addr.
func (c *IPCache) Lookup(addr netip.Addr) (NumericIdentity, bool) {
	addr = addr.Unmap()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, b := range c.bits {
		if b > addr.BitLen() {
			continue
		}
		p, err := addr.Prefix(b)
		if err != nil {
			continue
		}
		if id, ok := c.prefixes[p]; ok {
			return id, true
		}
	}
	return IdentityUnknown, false
}

// ResolvePolicyID implements Resolver. Addresses not in the cache belong to
// the world.
func (c *IPCache) ResolvePolicyID(addr netip.Addr) NumericIdentity {
	if id, ok := c.Lookup(addr); ok {
		return id
	}
	return IdentityWorld
}

// Len returns the number of cached prefixes.
func (c *IPCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prefixes)
}

func (c *IPCache) rebuildBitsLocked() {
	seen := make(map[int]bool)
	c.bits = c.bits[:0]
	for p := range c.prefixes {
		if !seen[p.Bits()] {
			seen[p.Bits()] = true
			c.bits = append(c.bits, p.Bits())
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(c.bits)))
}

// ParsePrefix parses a CIDR or a bare address, which becomes a host prefix.
// IPv4-mapped IPv6 input is normalised to IPv4.
func ParsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidPrefix, s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

var _ Resolver = (*IPCache)(nil)
