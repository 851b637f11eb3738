package router

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/swrouter/swrouter/pkg/wire"
)

// FlowKey identifies one side of a NAT'd transport flow as seen in packets
// arriving from that side: source and destination address/port pairs. The
// protocol is implied by the per-protocol index the key lives in.
type FlowKey struct {
	SrcIP   netip.Addr
	SrcPort uint16
	DstIP   netip.Addr
	DstPort uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort)
}

// linkSide is one domain's view of a link, registered in that domain's
// link index under the side's flow key.
type linkSide struct {
	link   *Link
	client bool
}

// peer returns the opposite side.
func (s *linkSide) peer() *linkSide {
	if s.client {
		return &s.link.server
	}
	return &s.link.client
}

func (s *linkSide) id() FlowKey {
	if s.client {
		return s.link.clientID
	}
	return s.link.serverID
}

func (s *linkSide) domain() *Domain {
	if s.client {
		return s.link.clientDomain
	}
	return s.link.serverDomain
}

// Link tracks one NAT'd transport flow between two domains. The interface
// that saw the opening packet owns the record; both domains index their
// respective side. A dissolved link lingers on the owner's dissolved list
// until the next garbage-collection point so that late packets degrade to
// a clean drop instead of touching a freed record.
type Link struct {
	owner        *Interface
	proto        wire.IPProto
	clientID     FlowKey
	serverID     FlowKey
	clientDomain *Domain
	serverDomain *Domain
	client       linkSide
	server       linkSide

	portAlloc *PortAllocator // pool the NAT source port came from, if any
	natPort   uint16

	lastSeen  time.Time
	closing   bool // TCP teardown observed, short timeout applies
	clientFin bool
	serverFin bool
	dissolved bool
}

// newLink creates, indexes and takes ownership of a link. portAlloc is nil
// when the flow was not masqueraded.
func (i *Interface) newLink(proto wire.IPProto, clientID FlowKey, portAlloc *PortAllocator,
	natPort uint16, serverDomain *Domain, serverID FlowKey) *Link {

	l := &Link{
		owner:        i,
		proto:        proto,
		clientID:     clientID,
		serverID:     serverID,
		clientDomain: i.domain,
		serverDomain: serverDomain,
		portAlloc:    portAlloc,
		natPort:      natPort,
		lastSeen:     i.now(),
	}
	l.client = linkSide{link: l, client: true}
	l.server = linkSide{link: l, client: false}

	i.domain.linkIndex(proto)[clientID] = &l.client
	serverDomain.linkIndex(proto)[serverID] = &l.server
	i.links(proto)[l] = struct{}{}
	i.stats.LinksCreated.Add(1)
	return l
}

// packet refreshes the link for one forwarded packet and tracks TCP
// teardown: a RST from either side or FINs from both sides switch the link
// to the short closing timeout.
func (l *Link) packet(fromClient bool, t wire.Transport) {
	l.lastSeen = l.owner.now()
	if l.proto != wire.ProtoTCP {
		return
	}
	if t.RST {
		l.closing = true
	}
	if t.FIN {
		if fromClient {
			l.clientFin = true
		} else {
			l.serverFin = true
		}
	}
	if l.clientFin && l.serverFin {
		l.closing = true
	}
}

// timeout returns the idle limit currently applying to the link.
func (l *Link) timeout(t Timeouts) time.Duration {
	switch {
	case l.proto == wire.ProtoTCP && l.closing:
		return t.TCPClosing
	case l.proto == wire.ProtoTCP:
		return t.TCPIdle
	default:
		return t.UDPIdle
	}
}

// dissolve unindexes the link from both domains, releases its NAT port and
// parks it on the owner's dissolved list for later destruction.
func (l *Link) dissolve() {
	if l.dissolved {
		return
	}
	l.dissolved = true
	delete(l.clientDomain.linkIndex(l.proto), l.clientID)
	delete(l.serverDomain.linkIndex(l.proto), l.serverID)
	if l.portAlloc != nil {
		l.portAlloc.Free(l.natPort)
		l.portAlloc = nil
	}
	delete(l.owner.links(l.proto), l)
	l.owner.dissolvedLinks[l.proto] = append(l.owner.dissolvedLinks[l.proto], l)
	l.owner.stats.LinksDissolved.Add(1)
}

// links returns the interface's active-link set for a protocol.
func (i *Interface) links(proto wire.IPProto) map[*Link]struct{} {
	if proto == wire.ProtoTCP {
		return i.tcpLinks
	}
	return i.udpLinks
}

// Links returns the active links of one protocol, for inspection.
func (i *Interface) Links(proto wire.IPProto) []*Link {
	out := make([]*Link, 0, len(i.links(proto)))
	for l := range i.links(proto) {
		out = append(out, l)
	}
	return out
}

// DissolvedLinks returns links awaiting destruction, for inspection.
func (i *Interface) DissolvedLinks(proto wire.IPProto) []*Link {
	return i.dissolvedLinks[proto]
}

// destroyDissolvedLinks frees all parked links. Runs at every
// garbage-collection point, i.e. the start of frame handling and the
// periodic sweep.
func (i *Interface) destroyDissolvedLinks() {
	for proto := range i.dissolvedLinks {
		i.dissolvedLinks[proto] = nil
	}
}

// SweepLinks dissolves links idle past their protocol timeout and destroys
// links dissolved by an earlier pass.
func (i *Interface) SweepLinks(now time.Time) {
	i.destroyDissolvedLinks()
	for _, proto := range []wire.IPProto{wire.ProtoTCP, wire.ProtoUDP} {
		for l := range i.links(proto) {
			if now.Sub(l.lastSeen) > l.timeout(i.timeouts) {
				l.dissolve()
			}
		}
	}
}

// destroyAllLinks dissolves and frees everything immediately, for
// interface teardown.
func (i *Interface) destroyAllLinks() {
	for _, proto := range []wire.IPProto{wire.ProtoTCP, wire.ProtoUDP} {
		for l := range i.links(proto) {
			l.dissolve()
		}
	}
	i.destroyDissolvedLinks()
}
