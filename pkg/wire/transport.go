package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Transport is a decoded TCP or UDP header, reduced to what the router
// needs: the port pair and, for TCP, the teardown flags.
type Transport struct {
	SrcPort, DstPort uint16
	FIN, RST, ACK    bool // TCP only
}

const (
	tcpFlagFIN = 0x01
	tcpFlagRST = 0x04
	tcpFlagACK = 0x10
)

// ParseTransport decodes the TCP or UDP header at ipHeaderLen past the IPv4
// header.
func ParseTransport(frame []byte, ipHeaderLen int, proto IPProto) (Transport, error) {
	off := EthernetLen + ipHeaderLen
	switch proto {
	case ProtoTCP:
		if len(frame) < off+20 {
			return Transport{}, fmt.Errorf("tcp: truncated header")
		}
		flags := frame[off+13]
		return Transport{
			SrcPort: binary.BigEndian.Uint16(frame[off : off+2]),
			DstPort: binary.BigEndian.Uint16(frame[off+2 : off+4]),
			FIN:     flags&tcpFlagFIN != 0,
			RST:     flags&tcpFlagRST != 0,
			ACK:     flags&tcpFlagACK != 0,
		}, nil
	case ProtoUDP:
		if len(frame) < off+8 {
			return Transport{}, fmt.Errorf("udp: truncated header")
		}
		return Transport{
			SrcPort: binary.BigEndian.Uint16(frame[off : off+2]),
			DstPort: binary.BigEndian.Uint16(frame[off+2 : off+4]),
		}, nil
	default:
		return Transport{}, fmt.Errorf("transport: unhandled protocol %s", proto)
	}
}

// SetTransportSrcPort rewrites the source port in place.
func SetTransportSrcPort(frame []byte, ipHeaderLen int, port uint16) {
	off := EthernetLen + ipHeaderLen
	binary.BigEndian.PutUint16(frame[off:off+2], port)
}

// SetTransportDstPort rewrites the destination port in place.
func SetTransportDstPort(frame []byte, ipHeaderLen int, port uint16) {
	off := EthernetLen + ipHeaderLen
	binary.BigEndian.PutUint16(frame[off+2:off+4], port)
}

// UpdateTransportChecksum recomputes the TCP or UDP checksum in place using
// the current IPv4 source and destination addresses in the frame. The
// segment length comes from the IPv4 total length, so Ethernet padding
// past the IP payload never enters the sum.
func UpdateTransportChecksum(frame []byte, ipHeaderLen int, proto IPProto) error {
	totalLen := int(binary.BigEndian.Uint16(frame[EthernetLen+2 : EthernetLen+4]))
	segLen := totalLen - ipHeaderLen
	if segLen < 0 || EthernetLen+ipHeaderLen+segLen > len(frame) {
		return fmt.Errorf("transport: IP total length %d exceeds frame", totalLen)
	}
	seg := frame[EthernetLen+ipHeaderLen : EthernetLen+ipHeaderLen+segLen]
	var ckOff int
	switch proto {
	case ProtoTCP:
		ckOff = 16
	case ProtoUDP:
		ckOff = 6
	default:
		return fmt.Errorf("transport: unhandled protocol %s", proto)
	}
	if segLen < ckOff+2 {
		return fmt.Errorf("transport: truncated %s segment", proto)
	}
	src, _ := netip.AddrFromSlice(frame[EthernetLen+12 : EthernetLen+16])
	dst, _ := netip.AddrFromSlice(frame[EthernetLen+16 : EthernetLen+20])

	binary.BigEndian.PutUint16(seg[ckOff:ckOff+2], 0)
	sum := pseudoHeaderSum(src, dst, proto, len(seg))
	for i := 0; i+1 < len(seg); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(seg[i : i+2]))
	}
	if len(seg)%2 == 1 {
		sum += uint32(seg[len(seg)-1]) << 8
	}
	for (sum >> 16) > 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	ck := uint16(^sum)
	if proto == ProtoUDP && ck == 0 {
		ck = 0xFFFF
	}
	binary.BigEndian.PutUint16(seg[ckOff:ckOff+2], ck)
	return nil
}
