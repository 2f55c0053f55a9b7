package krpc

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/anacrolix/torrent/bencode"

	"github.com/opd-ai/mainline/key"
)

// Compact sizes of addresses and node infos per family.
const (
	CompactAddrLen4 = 4 + 2
	CompactAddrLen6 = 16 + 2
	NodeInfoLen4    = key.Bytes + CompactAddrLen4
	NodeInfoLen6    = key.Bytes + CompactAddrLen6
)

// CompactAddr is an IP and port in the 6 or 18 byte compact encoding.
type CompactAddr struct {
	netip.AddrPort
}

// NewCompactAddr wraps ap, unmapping IPv4-mapped IPv6 addresses.
func NewCompactAddr(ap netip.AddrPort) CompactAddr {
	return CompactAddr{netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

func appendAddrPort(b []byte, ap netip.AddrPort) []byte {
	b = append(b, ap.Addr().Unmap().AsSlice()...)
	return binary.BigEndian.AppendUint16(b, ap.Port())
}

func parseAddrPort(b []byte) (netip.AddrPort, bool) {
	if len(b) != CompactAddrLen4 && len(b) != CompactAddrLen6 {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(b[:len(b)-2])
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[len(b)-2:])), true
}

// MarshalBencode encodes the address as a byte string.
func (c CompactAddr) MarshalBencode() ([]byte, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("krpc: cannot encode invalid address")
	}
	return bencode.Marshal(appendAddrPort(nil, c.AddrPort))
}

// UnmarshalBencode decodes a compact address. Strings of the wrong length
// leave c invalid rather than failing the whole message.
func (c *CompactAddr) UnmarshalBencode(b []byte) error {
	var s []byte
	if err := bencode.Unmarshal(b, &s); err != nil {
		return err
	}
	ap, _ := parseAddrPort(s)
	c.AddrPort = ap
	return nil
}

// NodeInfo is a node id with its address.
type NodeInfo struct {
	ID   key.Key
	Addr netip.AddrPort
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s@%s", n.ID, n.Addr)
}

// CompactNodes is a node list in the 26 byte per node IPv4 encoding.
type CompactNodes []NodeInfo

// CompactNodes6 is a node list in the 38 byte per node IPv6 encoding.
type CompactNodes6 []NodeInfo

func marshalNodes(nodes []NodeInfo, want func(netip.Addr) bool, size int) ([]byte, error) {
	b := make([]byte, 0, len(nodes)*size)
	for _, n := range nodes {
		ip := n.Addr.Addr().Unmap()
		if !want(ip) {
			return nil, fmt.Errorf("krpc: node %s has wrong address family for this list", n)
		}
		b = append(b, n.ID[:]...)
		b = appendAddrPort(b, netip.AddrPortFrom(ip, n.Addr.Port()))
	}
	return bencode.Marshal(b)
}

func unmarshalNodes(raw []byte, size int) ([]NodeInfo, error) {
	var b []byte
	if err := bencode.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	if len(b)%size != 0 {
		return nil, fmt.Errorf("krpc: node list length %d is not a multiple of %d", len(b), size)
	}
	nodes := make([]NodeInfo, 0, len(b)/size)
	for i := 0; i < len(b); i += size {
		var n NodeInfo
		copy(n.ID[:], b[i:i+key.Bytes])
		ap, ok := parseAddrPort(b[i+key.Bytes : i+size])
		if !ok {
			continue
		}
		n.Addr = ap
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// MarshalBencode encodes the list as one concatenated byte string.
func (c CompactNodes) MarshalBencode() ([]byte, error) {
	return marshalNodes(c, netip.Addr.Is4, NodeInfoLen4)
}

// UnmarshalBencode decodes a concatenated IPv4 node list.
func (c *CompactNodes) UnmarshalBencode(b []byte) error {
	nodes, err := unmarshalNodes(b, NodeInfoLen4)
	*c = nodes
	return err
}

// MarshalBencode encodes the list as one concatenated byte string.
func (c CompactNodes6) MarshalBencode() ([]byte, error) {
	return marshalNodes(c, netip.Addr.Is6, NodeInfoLen6)
}

// UnmarshalBencode decodes a concatenated IPv6 node list.
func (c *CompactNodes6) UnmarshalBencode(b []byte) error {
	nodes, err := unmarshalNodes(b, NodeInfoLen6)
	*c = nodes
	return err
}

// CompactInfohashes is a BEP 51 sample: concatenated 20 byte keys.
type CompactInfohashes []key.Key

// MarshalBencode encodes the keys as one concatenated byte string.
func (c CompactInfohashes) MarshalBencode() ([]byte, error) {
	b := make([]byte, 0, len(c)*key.Bytes)
	for _, k := range c {
		b = append(b, k[:]...)
	}
	return bencode.Marshal(b)
}

// UnmarshalBencode decodes concatenated keys.
func (c *CompactInfohashes) UnmarshalBencode(raw []byte) error {
	var b []byte
	if err := bencode.Unmarshal(raw, &b); err != nil {
		return err
	}
	if len(b)%key.Bytes != 0 {
		return fmt.Errorf("krpc: samples length %d is not a multiple of %d", len(b), key.Bytes)
	}
	out := make(CompactInfohashes, len(b)/key.Bytes)
	for i := range out {
		copy(out[i][:], b[i*key.Bytes:])
	}
	*c = out
	return nil
}
