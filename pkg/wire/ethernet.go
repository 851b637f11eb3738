// Package wire provides the wire codecs for the router core: Ethernet, ARP,
// IPv4 and TCP/UDP header parsing plus in-place rewrite helpers, and the
// DHCPv4 message codec. Parsing of whole layers is delegated to gopacket;
// NAT rewrites mutate the original frame buffer and recompute checksums.
package wire

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EthernetLen is the length of an Ethernet II header without VLAN tags.
const EthernetLen = 14

// EtherType values the router dispatches on.
const (
	EtherTypeARP  = layers.EthernetTypeARP
	EtherTypeIPv4 = layers.EthernetTypeIPv4
)

// Ethernet is a decoded Ethernet II header.
type Ethernet struct {
	Dst  net.HardwareAddr
	Src  net.HardwareAddr
	Type layers.EthernetType
}

// Broadcast is the Ethernet broadcast address.
var Broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseEthernet decodes the Ethernet header at the start of frame.
func ParseEthernet(frame []byte) (Ethernet, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return Ethernet{}, fmt.Errorf("ethernet: %w", err)
	}
	return Ethernet{Dst: eth.DstMAC, Src: eth.SrcMAC, Type: eth.EthernetType}, nil
}

// SetEthernetDst rewrites the destination MAC in place.
func SetEthernetDst(frame []byte, mac net.HardwareAddr) {
	copy(frame[0:6], mac)
}

// SetEthernetSrc rewrites the source MAC in place.
func SetEthernetSrc(frame []byte, mac net.HardwareAddr) {
	copy(frame[6:12], mac)
}
