package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// IP protocol numbers handled by the router.
type IPProto uint8

const (
	ProtoICMP IPProto = 1
	ProtoTCP  IPProto = 6
	ProtoUDP  IPProto = 17
)

// String returns the conventional protocol name.
func (p IPProto) String() string {
	switch p {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// IPv4 is a decoded IPv4 header.
type IPv4 struct {
	HeaderLen int // bytes
	TotalLen  int
	Protocol  IPProto
	Src, Dst  netip.Addr
}

// ParseIPv4 decodes and validates the IPv4 header following the Ethernet
// header, including the header checksum.
func ParseIPv4(frame []byte) (IPv4, error) {
	if len(frame) < EthernetLen {
		return IPv4{}, fmt.Errorf("ipv4: frame shorter than ethernet header")
	}
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(frame[EthernetLen:], gopacket.NilDecodeFeedback); err != nil {
		return IPv4{}, fmt.Errorf("ipv4: %w", err)
	}
	hl := int(ip.IHL) * 4
	if sum := checksum(frame[EthernetLen : EthernetLen+hl]); sum != 0 {
		return IPv4{}, fmt.Errorf("ipv4: bad header checksum")
	}
	src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
	return IPv4{
		HeaderLen: hl,
		TotalLen:  int(ip.Length),
		Protocol:  IPProto(ip.Protocol),
		Src:       src,
		Dst:       dst,
	}, nil
}

// SetIPv4Src rewrites the source address in place. The header checksum is
// left stale until UpdateIPv4Checksum runs.
func SetIPv4Src(frame []byte, a netip.Addr) {
	a4 := a.As4()
	copy(frame[EthernetLen+12:EthernetLen+16], a4[:])
}

// SetIPv4Dst rewrites the destination address in place.
func SetIPv4Dst(frame []byte, a netip.Addr) {
	a4 := a.As4()
	copy(frame[EthernetLen+16:EthernetLen+20], a4[:])
}

// UpdateIPv4Checksum recomputes the header checksum in place.
func UpdateIPv4Checksum(frame []byte, headerLen int) {
	h := frame[EthernetLen : EthernetLen+headerLen]
	binary.BigEndian.PutUint16(h[10:12], 0)
	binary.BigEndian.PutUint16(h[10:12], checksum(h))
}

// checksum computes the internet checksum over b.
func checksum(b []byte) uint16 {
	sum := uint32(0)
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for (sum >> 16) > 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(^sum)
}

// pseudoHeaderSum computes the checksum contribution of the IPv4
// pseudo-header for a transport segment of the given length.
func pseudoHeaderSum(src, dst netip.Addr, proto IPProto, segLen int) uint32 {
	var ph [12]byte
	s4, d4 := src.As4(), dst.As4()
	copy(ph[0:4], s4[:])
	copy(ph[4:8], d4[:])
	ph[9] = uint8(proto)
	binary.BigEndian.PutUint16(ph[10:12], uint16(segLen))

	sum := uint32(0)
	for i := 0; i < len(ph); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(ph[i : i+2]))
	}
	return sum
}
