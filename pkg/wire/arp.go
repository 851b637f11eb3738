package wire

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ARP opcodes.
const (
	ARPRequest = layers.ARPRequest
	ARPReply   = layers.ARPReply
)

// ARP is a decoded Ethernet/IPv4 ARP packet.
type ARP struct {
	Op        uint16
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// ParseARP decodes the ARP packet following the Ethernet header. ARP for
// anything but IPv4-over-Ethernet is rejected.
func ParseARP(frame []byte) (ARP, error) {
	if len(frame) < EthernetLen {
		return ARP{}, fmt.Errorf("arp: frame shorter than ethernet header")
	}
	var arp layers.ARP
	if err := arp.DecodeFromBytes(frame[EthernetLen:], gopacket.NilDecodeFeedback); err != nil {
		return ARP{}, fmt.Errorf("arp: %w", err)
	}
	if arp.AddrType != layers.LinkTypeEthernet || arp.Protocol != layers.EthernetTypeIPv4 ||
		arp.HwAddressSize != 6 || arp.ProtAddressSize != 4 {
		return ARP{}, fmt.Errorf("arp: not ethernet/IPv4")
	}
	sip, _ := netip.AddrFromSlice(arp.SourceProtAddress)
	tip, _ := netip.AddrFromSlice(arp.DstProtAddress)
	return ARP{
		Op:        arp.Operation,
		SenderMAC: net.HardwareAddr(arp.SourceHwAddress),
		SenderIP:  sip,
		TargetMAC: net.HardwareAddr(arp.DstHwAddress),
		TargetIP:  tip,
	}, nil
}

// MakeARPReply turns a received ARP request frame into a reply in place:
// sender and target are interchanged and answerMAC is installed as the
// answering hardware address for the requested IP.
func MakeARPReply(frame []byte, answerMAC net.HardwareAddr) {
	p := frame[EthernetLen:]
	var senderMAC [6]byte
	var senderIP, targetIP [4]byte
	copy(senderMAC[:], p[8:14])
	copy(senderIP[:], p[14:18])
	copy(targetIP[:], p[24:28])

	p[6], p[7] = 0, uint8(ARPReply)
	copy(p[8:14], answerMAC)   // sender hardware address
	copy(p[14:18], targetIP[:]) // sender protocol address: the answered IP
	copy(p[18:24], senderMAC[:])
	copy(p[24:28], senderIP[:])

	SetEthernetDst(frame, senderMAC[:])
	SetEthernetSrc(frame, answerMAC)
}

// BuildARPRequest builds a broadcast ARP request frame asking for targetIP.
func BuildARPRequest(srcMAC net.HardwareAddr, srcIP, targetIP netip.Addr) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       Broadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	src4 := srcIP.As4()
	dst4 := targetIP.As4()
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         ARPRequest,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: src4[:],
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    dst4[:],
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, &arp); err != nil {
		return nil, fmt.Errorf("arp request: %w", err)
	}
	return buf.Bytes(), nil
}
