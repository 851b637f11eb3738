package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

var (
	macA = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0a}
	macB = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x0b}
)

func tcpFrame(t *testing.T, srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr,
	sport, dport uint16, fin, rst bool) []byte {
	t.Helper()
	eth := layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: src.AsSlice(), DstIP: dst.AsSlice(),
	}
	tcp := layers.TCP{
		SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport),
		FIN: fin, RST: rst, ACK: true,
	}
	if err := tcp.SetNetworkLayerForChecksum(&ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip, &tcp, gopacket.Payload([]byte("hi"))); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestParseEthernet(t *testing.T) {
	frame := tcpFrame(t, macA, macB,
		netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.1"), 1234, 80, false, false)

	eth, err := ParseEthernet(frame)
	if err != nil {
		t.Fatalf("ParseEthernet: %v", err)
	}
	if !bytes.Equal(eth.Src, macA) || !bytes.Equal(eth.Dst, macB) {
		t.Errorf("MACs = %s -> %s, want %s -> %s", eth.Src, eth.Dst, macA, macB)
	}
	if eth.Type != EtherTypeIPv4 {
		t.Errorf("type = %v, want IPv4", eth.Type)
	}

	if _, err := ParseEthernet(frame[:10]); err == nil {
		t.Error("truncated frame accepted")
	}
}

func TestARPRequestRoundTrip(t *testing.T) {
	srcIP := netip.MustParseAddr("10.0.0.1")
	targetIP := netip.MustParseAddr("10.0.0.2")
	frame, err := BuildARPRequest(macA, srcIP, targetIP)
	if err != nil {
		t.Fatalf("BuildARPRequest: %v", err)
	}

	eth, err := ParseEthernet(frame)
	if err != nil {
		t.Fatalf("ParseEthernet: %v", err)
	}
	if !bytes.Equal(eth.Dst, Broadcast) {
		t.Errorf("request not broadcast: %s", eth.Dst)
	}
	arp, err := ParseARP(frame)
	if err != nil {
		t.Fatalf("ParseARP: %v", err)
	}
	if arp.Op != ARPRequest || arp.SenderIP != srcIP || arp.TargetIP != targetIP {
		t.Errorf("decoded %+v", arp)
	}
}

func TestMakeARPReply(t *testing.T) {
	askerIP := netip.MustParseAddr("10.0.0.2")
	askedIP := netip.MustParseAddr("10.0.0.1")
	frame, err := BuildARPRequest(macA, askerIP, askedIP)
	if err != nil {
		t.Fatalf("BuildARPRequest: %v", err)
	}

	MakeARPReply(frame, macB)

	eth, err := ParseEthernet(frame)
	if err != nil {
		t.Fatalf("ParseEthernet: %v", err)
	}
	if !bytes.Equal(eth.Dst, macA) || !bytes.Equal(eth.Src, macB) {
		t.Errorf("reply MACs = %s -> %s", eth.Src, eth.Dst)
	}
	arp, err := ParseARP(frame)
	if err != nil {
		t.Fatalf("ParseARP: %v", err)
	}
	if arp.Op != ARPReply {
		t.Fatalf("op = %d, want reply", arp.Op)
	}
	if arp.SenderIP != askedIP || !bytes.Equal(arp.SenderMAC, macB) {
		t.Errorf("answer side = %s/%s, want %s/%s", arp.SenderIP, arp.SenderMAC, askedIP, macB)
	}
	if arp.TargetIP != askerIP || !bytes.Equal(arp.TargetMAC, macA) {
		t.Errorf("asker side = %s/%s, want %s/%s", arp.TargetIP, arp.TargetMAC, askerIP, macA)
	}
}

func TestIPv4RewriteKeepsChecksumsValid(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("93.184.216.34")
	frame := tcpFrame(t, macA, macB, src, dst, 43210, 443, false, false)

	ip, err := ParseIPv4(frame)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	if ip.Src != src || ip.Dst != dst || ip.Protocol != ProtoTCP {
		t.Fatalf("decoded %+v", ip)
	}

	natSrc := netip.MustParseAddr("203.0.113.1")
	SetIPv4Src(frame, natSrc)
	SetTransportSrcPort(frame, ip.HeaderLen, 30000)
	if err := UpdateTransportChecksum(frame, ip.HeaderLen, ip.Protocol); err != nil {
		t.Fatalf("UpdateTransportChecksum: %v", err)
	}
	UpdateIPv4Checksum(frame, ip.HeaderLen)

	// Reparse: the header checksum is verified on the way in.
	ip2, err := ParseIPv4(frame)
	if err != nil {
		t.Fatalf("reparse after rewrite: %v", err)
	}
	if ip2.Src != natSrc {
		t.Errorf("src = %s, want %s", ip2.Src, natSrc)
	}
	tr, err := ParseTransport(frame, ip2.HeaderLen, ip2.Protocol)
	if err != nil {
		t.Fatalf("ParseTransport: %v", err)
	}
	if tr.SrcPort != 30000 || tr.DstPort != 443 {
		t.Errorf("ports = %d -> %d", tr.SrcPort, tr.DstPort)
	}

	// The rewritten frame must still decode as a whole.
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("rewritten frame no longer decodes: %v", errLayer.Error())
	}
}

func TestTransportChecksumIgnoresEthernetPadding(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("93.184.216.34")
	frame := tcpFrame(t, macA, macB, src, dst, 43210, 443, false, false)

	ip, err := ParseIPv4(frame)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	padded := append(append([]byte(nil), frame...), 0xAA, 0xAA, 0xAA, 0xAA)

	SetTransportSrcPort(frame, ip.HeaderLen, 30000)
	SetTransportSrcPort(padded, ip.HeaderLen, 30000)
	if err := UpdateTransportChecksum(frame, ip.HeaderLen, ip.Protocol); err != nil {
		t.Fatalf("UpdateTransportChecksum: %v", err)
	}
	if err := UpdateTransportChecksum(padded, ip.HeaderLen, ip.Protocol); err != nil {
		t.Fatalf("UpdateTransportChecksum padded: %v", err)
	}

	ckOff := EthernetLen + ip.HeaderLen + 16
	got := binary.BigEndian.Uint16(padded[ckOff : ckOff+2])
	want := binary.BigEndian.Uint16(frame[ckOff : ckOff+2])
	if got != want {
		t.Errorf("padded checksum = %#04x, want %#04x", got, want)
	}
}

func TestParseTransportFlags(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")
	dst := netip.MustParseAddr("10.0.0.3")
	for _, tc := range []struct {
		name     string
		fin, rst bool
	}{
		{"plain", false, false},
		{"fin", true, false},
		{"rst", false, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			frame := tcpFrame(t, macA, macB, src, dst, 1, 2, tc.fin, tc.rst)
			ip, err := ParseIPv4(frame)
			if err != nil {
				t.Fatalf("ParseIPv4: %v", err)
			}
			tr, err := ParseTransport(frame, ip.HeaderLen, ip.Protocol)
			if err != nil {
				t.Fatalf("ParseTransport: %v", err)
			}
			if tr.FIN != tc.fin || tr.RST != tc.rst {
				t.Errorf("flags FIN=%v RST=%v, want FIN=%v RST=%v", tr.FIN, tr.RST, tc.fin, tc.rst)
			}
		})
	}
}

func TestDHCPFrameRoundTrip(t *testing.T) {
	disc, err := dhcpv4.NewDiscovery(macA)
	if err != nil {
		t.Fatalf("NewDiscovery: %v", err)
	}
	frame, err := BuildUDPFrame(macA, Broadcast,
		netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		DHCPClientPort, DHCPServerPort, disc.ToBytes())
	if err != nil {
		t.Fatalf("BuildUDPFrame: %v", err)
	}

	ip, err := ParseIPv4(frame)
	if err != nil {
		t.Fatalf("ParseIPv4: %v", err)
	}
	tr, err := ParseTransport(frame, ip.HeaderLen, ip.Protocol)
	if err != nil {
		t.Fatalf("ParseTransport: %v", err)
	}
	if !IsDHCP(tr) {
		t.Fatalf("port pair %d -> %d not recognized as DHCP", tr.SrcPort, tr.DstPort)
	}
	msg, err := ParseDHCP(frame, ip.HeaderLen)
	if err != nil {
		t.Fatalf("ParseDHCP: %v", err)
	}
	if msg.MessageType() != dhcpv4.MessageTypeDiscover {
		t.Errorf("type = %s, want discover", msg.MessageType())
	}
	if !bytes.Equal(msg.ClientHWAddr, macA) {
		t.Errorf("chaddr = %s, want %s", msg.ClientHWAddr, macA)
	}
}
