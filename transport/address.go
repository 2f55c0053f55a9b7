package transport

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/opd-ai/mainline/krpc"
	"github.com/opd-ai/mainline/limits"
)

// Family is the address family a DHT instance operates on. Each family runs
// its own routing table and sockets.
type Family uint8

const (
	// IPv4 is the family of the original mainline DHT.
	IPv4 Family = 0x01
	// IPv6 is the BEP 32 family.
	IPv6 Family = 0x02
)

// String returns a human-readable representation of the Family.
func (f Family) String() string {
	switch f {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
}

// Network returns the network name used when opening sockets.
func (f Family) Network() string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

// Matches reports whether addr belongs to the family. IPv4-mapped IPv6
// addresses count as IPv4.
func (f Family) Matches(addr netip.Addr) bool {
	addr = addr.Unmap()
	if f == IPv6 {
		return addr.Is6()
	}
	return addr.Is4()
}

// MaxPacketSize returns the largest datagram sent on this family.
func (f Family) MaxPacketSize() int {
	if f == IPv6 {
		return limits.MaxPacketSizeIPv6
	}
	return limits.MaxPacketSizeIPv4
}

// NodeInfoLen returns the size of a compact node entry.
func (f Family) NodeInfoLen() int {
	if f == IPv6 {
		return krpc.NodeInfoLen6
	}
	return krpc.NodeInfoLen4
}

// PeerAddrLen returns the size of a compact peer address.
func (f Family) PeerAddrLen() int {
	if f == IPv6 {
		return krpc.CompactAddrLen6
	}
	return krpc.CompactAddrLen4
}

// Want returns the BEP 32 want string of the family.
func (f Family) Want() string {
	if f == IPv6 {
		return krpc.WantNodes6
	}
	return krpc.WantNodes
}

// Other returns the opposite family.
func (f Family) Other() Family {
	if f == IPv6 {
		return IPv4
	}
	return IPv6
}

// FamilyOf returns the family of addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// IsBogon reports whether addr cannot be a public DHT participant:
// unspecified, loopback, link-local, multicast, private or documentation
// ranges. Local networks are still usable when the caller opts in.
func IsBogon(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsPrivate() {
		return true
	}
	for _, p := range bogonPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var bogonPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsValidDestination reports whether ap can be sent to: a non-zero port on a
// valid address of family f.
func IsValidDestination(ap netip.AddrPort, f Family) bool {
	return ap.IsValid() && ap.Port() != 0 && f.Matches(ap.Addr())
}

// AddrPortFromNetAddr converts a net.Addr returned by a socket.
func AddrPortFromNetAddr(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	case nil:
		return netip.AddrPort{}, fmt.Errorf("nil address")
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("unsupported address %q: %w", addr.String(), err)
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
	}
}
