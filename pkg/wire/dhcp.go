package wire

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Well-known DHCPv4 (BOOTP) ports.
const (
	DHCPServerPort = 67
	DHCPClientPort = 68
)

// IsDHCP reports whether a UDP port pair belongs to a DHCPv4 exchange.
func IsDHCP(t Transport) bool {
	return (t.SrcPort == DHCPClientPort && t.DstPort == DHCPServerPort) ||
		(t.SrcPort == DHCPServerPort && t.DstPort == DHCPClientPort)
}

// ParseDHCP decodes the DHCPv4 message carried in the UDP payload.
func ParseDHCP(frame []byte, ipHeaderLen int) (*dhcpv4.DHCPv4, error) {
	off := EthernetLen + ipHeaderLen + 8
	if len(frame) < off {
		return nil, fmt.Errorf("dhcp: truncated UDP datagram")
	}
	msg, err := dhcpv4.FromBytes(frame[off:])
	if err != nil {
		return nil, fmt.Errorf("dhcp: %w", err)
	}
	return msg, nil
}

// BuildUDPFrame wraps payload into Ethernet/IPv4/UDP with computed lengths
// and checksums. Used for DHCP messages originated by the router.
func BuildUDPFrame(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP netip.Addr,
	srcPort, dstPort uint16, payload []byte) ([]byte, error) {

	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP.AsSlice(),
		DstIP:    dstIP.AsSlice(),
	}
	udp := layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, fmt.Errorf("udp frame: %w", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("udp frame: %w", err)
	}
	return buf.Bytes(), nil
}
