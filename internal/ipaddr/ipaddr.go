// Package ipaddr holds the address-level value helpers shared by the
// registry, the lifecycle engine and the stores. All addresses are
// canonicalized netip values: IPv4 addresses are kept unmapped so that
// comparisons and formatting are stable regardless of input form.
package ipaddr

import (
	"fmt"
	"math"
	"net/netip"

	"go4.org/netipx"
)

// ParsePrefix parses a CIDR literal and requires it in canonical masked
// form ("10.0.0.0/24", not "10.0.0.7/24").
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits())
	if p != p.Masked() {
		return netip.Prefix{}, fmt.Errorf("prefix %s is not in canonical form", s)
	}
	return p, nil
}

// ParseAddr parses an address literal into an unmapped netip.Addr.
func ParseAddr(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return a.Unmap(), nil
}

// HostCount reports the number of usable host addresses in p.
// IPv4 prefixes lose the network and broadcast addresses, except /31
// (two usable addresses, RFC 3021) and /32 (one). IPv6 prefixes count
// every address; math.MaxUint64 caps prefixes wider than /64.
func HostCount(p netip.Prefix) uint64 {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits >= 64 {
		return math.MaxUint64
	}
	total := uint64(1) << uint(hostBits)
	if p.Addr().Is4() && p.Bits() < 31 {
		return total - 2
	}
	return total
}

// HostRange returns the first and last usable host address of p,
// applying the same policy as HostCount.
func HostRange(p netip.Prefix) (lo, hi netip.Addr) {
	r := netipx.RangeOfPrefix(p)
	lo, hi = r.From(), r.To()
	if p.Addr().Is4() && p.Bits() < 31 {
		lo = lo.Next()
		hi = hi.Prev()
	}
	return lo, hi
}

// Hosts materializes every usable host address of p in numeric order.
// max bounds the result; prefixes with more hosts return an error so
// callers never materialize an unbounded set.
func Hosts(p netip.Prefix, max uint64) ([]netip.Addr, error) {
	n := HostCount(p)
	if n > max {
		return nil, fmt.Errorf("prefix %s has %d hosts, limit is %d", p, n, max)
	}
	out := make([]netip.Addr, 0, n)
	lo, hi := HostRange(p)
	// Next past the top of the family wraps to the invalid zero Addr,
	// so the loop must stop on hi itself rather than compare past it.
	for a := lo; ; a = a.Next() {
		out = append(out, a)
		if a == hi {
			break
		}
	}
	return out, nil
}

// IsUsableHost reports whether a is a usable host address of p.
// The IPv4 network and broadcast addresses are not usable, with the
// /31 point-to-point and /32 single-host exceptions.
func IsUsableHost(p netip.Prefix, a netip.Addr) bool {
	a = a.Unmap()
	if !p.Contains(a) {
		return false
	}
	if a.Is4() && p.Bits() < 31 {
		r := netipx.RangeOfPrefix(p)
		if a == r.From() || a == r.To() {
			return false
		}
	}
	return true
}

// Compare orders two addresses numerically. IPv4 sorts before IPv6.
func Compare(a, b netip.Addr) int {
	return a.Unmap().Compare(b.Unmap())
}

// Overlaps reports whether the two prefixes share any address.
// Prefixes of different families never overlap.
func Overlaps(p, q netip.Prefix) bool {
	return p.Overlaps(q)
}

// Netmask renders the dotted-quad netmask of an IPv4 prefix and the
// /bits form for IPv6 (which has no dotted netmask convention).
func Netmask(p netip.Prefix) string {
	if !p.Addr().Is4() {
		return fmt.Sprintf("/%d", p.Bits())
	}
	mask := uint32(0)
	if p.Bits() > 0 {
		mask = ^uint32(0) << uint(32-p.Bits())
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(mask>>24), byte(mask>>16), byte(mask>>8), byte(mask))
}
