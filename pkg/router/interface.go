package router

import (
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/swrouter/swrouter/pkg/stream"
	"github.com/swrouter/swrouter/pkg/wire"
)

// Timeouts collects the idle and lease limits of one interface.
type Timeouts struct {
	TCPIdle      time.Duration
	TCPClosing   time.Duration
	UDPIdle      time.Duration
	OfferTimeout time.Duration
	LeaseTime    time.Duration
}

// DefaultTimeouts returns the stock limits.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		TCPIdle:      600 * time.Second,
		TCPClosing:   10 * time.Second,
		UDPIdle:      30 * time.Second,
		OfferTimeout: 10 * time.Second,
		LeaseTime:    3600 * time.Second,
	}
}

func (t *Timeouts) applyDefaults() {
	d := DefaultTimeouts()
	if t.TCPIdle == 0 {
		t.TCPIdle = d.TCPIdle
	}
	if t.TCPClosing == 0 {
		t.TCPClosing = d.TCPClosing
	}
	if t.UDPIdle == 0 {
		t.UDPIdle = d.UDPIdle
	}
	if t.OfferTimeout == 0 {
		t.OfferTimeout = d.OfferTimeout
	}
	if t.LeaseTime == 0 {
		t.LeaseTime = d.LeaseTime
	}
}

// Stats are the per-interface packet counters. All fields are atomics so
// the metrics exporter can read them off the dispatcher goroutine.
type Stats struct {
	Forwarded        atomic.Uint64
	DroppedInform    atomic.Uint64
	DroppedWarn      atomic.Uint64
	Postponed        atomic.Uint64
	Resumed          atomic.Uint64
	WaitersCancelled atomic.Uint64
	TxNoSpace        atomic.Uint64
	LinksCreated     atomic.Uint64
	LinksDissolved   atomic.Uint64
}

// Config parameterizes a new interface.
type Config struct {
	Name     string
	MAC      net.HardwareAddr
	Domain   *Domain
	Timeouts Timeouts
	Now      func() time.Time // test hook, defaults to time.Now
}

// Interface binds one packet session to a domain and runs the whole engine
// for frames arriving on it. All methods except the Stats accessors must
// run on the dispatcher.
type Interface struct {
	name     string
	disp     *stream.Dispatcher
	ep       *stream.Endpoint
	mac      net.HardwareAddr
	domain   *Domain
	now      func() time.Time
	timeouts Timeouts

	waiters        []*arpWaiter
	tcpLinks       map[*Link]struct{}
	udpLinks       map[*Link]struct{}
	dissolvedLinks map[wire.IPProto][]*Link
	alloc          *allocationStore
	dhcpc          *dhcpClient

	stats  Stats
	closed bool
}

// New attaches an interface to its domain and starts handling traffic. If
// the domain has no IP configuration, a DHCP client is started to obtain
// one.
func New(disp *stream.Dispatcher, ep *stream.Endpoint, cfg Config) *Interface {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Timeouts.applyDefaults()
	i := &Interface{
		name:           cfg.Name,
		disp:           disp,
		ep:             ep,
		mac:            cfg.MAC,
		domain:         cfg.Domain,
		now:            cfg.Now,
		timeouts:       cfg.Timeouts,
		tcpLinks:       make(map[*Link]struct{}),
		udpLinks:       make(map[*Link]struct{}),
		dissolvedLinks: make(map[wire.IPProto][]*Link),
		alloc:          newAllocationStore(),
	}
	ep.OnPacketAvail(i.readyToSubmit)
	ep.OnAckAvail(i.readyToAck)
	cfg.Domain.attach(i)
	if !cfg.Domain.IPConfig().Valid() {
		i.dhcpc = newDHCPClient(i)
		i.dhcpc.start()
	}
	return i
}

// Name returns the interface label used in logs and metrics.
func (i *Interface) Name() string { return i.name }

// MAC returns the router's hardware address on this interface.
func (i *Interface) MAC() net.HardwareAddr { return i.mac }

// Domain returns the domain the interface is attached to.
func (i *Interface) Domain() *Domain { return i.domain }

// Stats exposes the interface counters.
func (i *Interface) Stats() *Stats { return &i.stats }

// Allocations returns the active DHCP allocations served on this
// interface, ordered by IP.
func (i *Interface) Allocations() []*Allocation { return i.alloc.active() }

// LeaseStats returns the monotonic counts of DHCP allocations granted and
// revoked on this interface. Safe to call from any goroutine.
func (i *Interface) LeaseStats() (granted, revoked uint64) {
	return i.alloc.granted.Load(), i.alloc.revoked.Load()
}

// readyToSubmit drains the receive queue. Every consumed frame is
// acknowledged exactly once: here on completion or drop, later on waiter
// cancellation or resumption if it was postponed.
func (i *Interface) readyToSubmit() {
	for {
		d, ok := i.ep.NextPacket()
		if !ok {
			return
		}
		frame := i.ep.PacketContent(d)
		i.domain.RaiseRxBytes(len(frame))
		i.finish(i.handleFrame(frame, d, false), d)
	}
}

func (i *Interface) readyToAck() { i.ep.ReleaseAcked() }

func (i *Interface) ackPacket(d stream.Descriptor) { i.ep.Acknowledge(d) }

func (i *Interface) finish(out Outcome, d stream.Descriptor) {
	switch out.Verdict {
	case VerdictForwarded:
		i.stats.Forwarded.Add(1)
	case VerdictDropped:
		if out.Severity == SeverityWarn {
			i.stats.DroppedWarn.Add(1)
			slog.Warn("packet dropped", "interface", i.name, "reason", out.Reason)
		} else {
			i.stats.DroppedInform.Add(1)
			slog.Debug("packet dropped", "interface", i.name, "reason", out.Reason)
		}
	case VerdictPostponed:
		// The waiter holds the descriptor, no acknowledgement yet.
		return
	}
	i.ackPacket(d)
}

// collectGarbage destroys records parked by earlier two-phase releases.
// Runs at the start of every frame and on the periodic sweep, so a record
// released while handling one frame stays lookup-safe until the next.
func (i *Interface) collectGarbage() {
	i.destroyDissolvedLinks()
	if srv := i.domain.DHCPServer(); srv != nil {
		i.alloc.destroyReleased(srv.FreeIP)
	}
}

// handleFrame classifies one Ethernet frame. retry marks a frame that was
// already postponed once; it must not be postponed again.
func (i *Interface) handleFrame(frame []byte, d stream.Descriptor, retry bool) Outcome {
	i.collectGarbage()
	eth, err := wire.ParseEthernet(frame)
	if err != nil {
		return dropInform("%v", err)
	}
	switch eth.Type {
	case wire.EtherTypeARP:
		return i.handleARP(frame)
	case wire.EtherTypeIPv4:
		return i.handleIP(frame, d, retry)
	default:
		return dropInform("unroutable ethertype 0x%04x", uint16(eth.Type))
	}
}

func (i *Interface) handleARP(frame []byte) Outcome {
	arp, err := wire.ParseARP(frame)
	if err != nil {
		return dropWarn("%v", err)
	}
	switch arp.Op {
	case wire.ARPRequest:
		return i.handleARPRequest(frame, arp)
	case wire.ARPReply:
		return i.handleARPReply(frame, arp)
	default:
		return dropInform("unhandled ARP operation %d", arp.Op)
	}
}

func (i *Interface) handleARPRequest(frame []byte, arp wire.ARP) Outcome {
	cfg := i.domain.IPConfig()
	if !cfg.Valid() {
		return dropInform("ARP request on unconfigured domain")
	}
	if arp.SenderIP == arp.TargetIP {
		return dropInform("gratuitous ARP request")
	}
	switch {
	case arp.TargetIP == cfg.Router():
		// Answer for ourselves, reusing the request frame.
		wire.MakeARPReply(frame, i.mac)
		if !i.sendFrame(frame) {
			return dropWarn("no TX space for ARP reply")
		}
		return forwarded()

	case cfg.Address.Contains(arp.TargetIP):
		// Some other host of the subnet, let the domain peers answer.
		i.domainBroadcast(frame)
		return forwarded()

	case cfg.Gateway.IsValid():
		// Clients of a gatewayed domain must ask for the gateway, not
		// for foreign addresses directly.
		return dropInform("ARP request for foreign IP %s in gatewayed domain", arp.TargetIP)

	default:
		// No gateway known, so this router is the way out: proxy-answer
		// with our own MAC.
		wire.MakeARPReply(frame, i.mac)
		if !i.sendFrame(frame) {
			return dropWarn("no TX space for proxy ARP reply")
		}
		return forwarded()
	}
}

func (i *Interface) handleARPReply(frame []byte, arp wire.ARP) Outcome {
	cfg := i.domain.IPConfig()
	if !cfg.Valid() {
		return dropInform("ARP reply on unconfigured domain")
	}
	i.domain.AddARPEntry(arp.SenderIP, arp.SenderMAC)

	// Resume frames that were parked for this resolution. Collect first:
	// resumption unlinks from the very lists we match against.
	var matched []*arpWaiter
	for _, w := range i.domain.waiters {
		if w.ip == arp.SenderIP {
			matched = append(matched, w)
		}
	}
	for _, w := range matched {
		w.unlink()
		w.iface.resumePacket(w.desc)
	}

	if arp.TargetIP != cfg.Router() {
		// The reply answers another member of the domain, pass it on.
		i.domainBroadcast(frame)
	}
	return forwarded()
}

// resumePacket re-runs dispatch for a frame whose ARP resolution arrived.
func (i *Interface) resumePacket(d stream.Descriptor) {
	i.stats.Resumed.Add(1)
	frame := i.ep.PacketContent(d)
	i.finish(i.handleFrame(frame, d, true), d)
}

var allOnes = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func (i *Interface) handleIP(frame []byte, d stream.Descriptor, retry bool) Outcome {
	ip, err := wire.ParseIPv4(frame)
	if err != nil {
		return dropWarn("%v", err)
	}
	cfg := i.domain.IPConfig()
	if !cfg.Valid() {
		// Only the DHCP handshake is interesting until we have an
		// address.
		if ip.Protocol == wire.ProtoUDP && i.dhcpc != nil {
			if t, err := wire.ParseTransport(frame, ip.HeaderLen, ip.Protocol); err == nil &&
				t.SrcPort == wire.DHCPServerPort && t.DstPort == wire.DHCPClientPort {
				return i.handleDHCPReply(frame, ip)
			}
		}
		return dropInform("IP packet on unconfigured domain")
	}

	if ip.Dst == cfg.Broadcast() || ip.Dst == allOnes {
		if ip.Protocol == wire.ProtoUDP {
			if t, err := wire.ParseTransport(frame, ip.HeaderLen, ip.Protocol); err == nil &&
				t.SrcPort == wire.DHCPClientPort && t.DstPort == wire.DHCPServerPort {
				return i.handleDHCPServer(frame, ip)
			}
		}
		// Subnet-local broadcast stays inside the domain.
		i.domainBroadcast(frame)
		return forwarded()
	}

	if ip.Protocol == wire.ProtoTCP || ip.Protocol == wire.ProtoUDP {
		t, err := wire.ParseTransport(frame, ip.HeaderLen, ip.Protocol)
		if err != nil {
			return dropWarn("%v", err)
		}
		if ip.Protocol == wire.ProtoUDP && wire.IsDHCP(t) {
			if t.DstPort == wire.DHCPServerPort {
				return i.handleDHCPServer(frame, ip)
			}
			if i.dhcpc != nil {
				return i.handleDHCPReply(frame, ip)
			}
			return dropInform("DHCP reply without running client")
		}

		key := FlowKey{SrcIP: ip.Src, SrcPort: t.SrcPort, DstIP: ip.Dst, DstPort: t.DstPort}
		if side, ok := i.domain.linkIndex(ip.Protocol)[key]; ok {
			return i.forwardOnLink(frame, ip, t, side, d, retry)
		}
		if ip.Dst == cfg.Router() {
			if r, ok := i.domain.ForwardRuleFor(ip.Protocol, t.DstPort); ok {
				return i.applyForwardRule(frame, ip, t, r, key, d, retry)
			}
			return dropInform("%s to router port %d without forward rule", ip.Protocol, t.DstPort)
		}
		if dom, ok := i.domain.TransportRuleFor(ip.Protocol, ip.Dst, t.DstPort); ok {
			return i.natLinkAndPass(frame, ip, t, dom, key, d, retry)
		}
	}

	if dom, ok := i.domain.IPRuleFor(ip.Dst); ok {
		return i.passIP(frame, ip, dom, d, retry)
	}
	return dropInform("unroutable %s packet %s -> %s", ip.Protocol, ip.Src, ip.Dst)
}

func (i *Interface) handleDHCPReply(frame []byte, ip wire.IPv4) Outcome {
	msg, err := wire.ParseDHCP(frame, ip.HeaderLen)
	if err != nil {
		return dropWarn("%v", err)
	}
	return i.dhcpc.handleReply(msg)
}

// adaptEth resolves the Ethernet destination for dstIP in the target
// domain. On a cache miss the frame is parked and ARP requests go out on
// every member interface; a frame already retried once is dropped instead.
func (i *Interface) adaptEth(frame []byte, dom *Domain, dstIP netip.Addr,
	d stream.Descriptor, retry bool) Outcome {

	cfg := dom.IPConfig()
	if !cfg.Valid() {
		return dropInform("target domain %q has no IP config", dom.Name())
	}
	hop := dom.NextHop(dstIP)
	mac, ok := dom.ResolveMAC(hop)
	if !ok {
		if retry {
			return dropWarn("next hop %s in domain %q still unresolved", hop, dom.Name())
		}
		i.broadcastARPRequest(dom, hop)
		i.addWaiter(dom, hop, d)
		return postponed()
	}
	wire.SetEthernetDst(frame, mac)
	return forwarded()
}

func (i *Interface) broadcastARPRequest(dom *Domain, ip netip.Addr) {
	cfg := dom.IPConfig()
	for _, m := range dom.Interfaces() {
		req, err := wire.BuildARPRequest(m.mac, cfg.Router(), ip)
		if err != nil {
			slog.Error("build ARP request", "interface", m.name, "ip", ip, "err", err)
			continue
		}
		m.sendFrame(req)
	}
}

// forwardOnLink handles a packet matching an indexed link side: rewrite
// addresses and ports to the opposite side's view, fix checksums and emit
// into the opposite domain.
func (i *Interface) forwardOnLink(frame []byte, ip wire.IPv4, t wire.Transport,
	side *linkSide, d stream.Descriptor, retry bool) Outcome {

	remote := side.peer()
	rid := remote.id()
	out := i.adaptEth(frame, remote.domain(), rid.SrcIP, d, retry)
	if out.Verdict != VerdictForwarded {
		return out
	}
	wire.SetIPv4Src(frame, rid.DstIP)
	wire.SetIPv4Dst(frame, rid.SrcIP)
	wire.SetTransportSrcPort(frame, ip.HeaderLen, rid.DstPort)
	wire.SetTransportDstPort(frame, ip.HeaderLen, rid.SrcPort)
	if err := wire.UpdateTransportChecksum(frame, ip.HeaderLen, ip.Protocol); err != nil {
		return dropInform("%v", err)
	}
	wire.UpdateIPv4Checksum(frame, ip.HeaderLen)

	i.transmitToDomain(frame, remote.domain())
	side.link.packet(side.client, t)
	return forwarded()
}

// natLinkAndPass opens a new link for a flow permitted by a transport rule.
// If the target domain masquerades the arrival domain, the source is
// rewritten to the router's address with a port from the domain pair's
// pool.
func (i *Interface) natLinkAndPass(frame []byte, ip wire.IPv4, t wire.Transport,
	dom *Domain, clientID FlowKey, d stream.Descriptor, retry bool) Outcome {

	out := i.adaptEth(frame, dom, ip.Dst, d, retry)
	if out.Verdict != VerdictForwarded {
		return out
	}

	var portAlloc *PortAllocator
	var natPort uint16
	srcIP, srcPort := ip.Src, t.SrcPort
	if r, ok := dom.NATRuleFor(i.domain); ok {
		pa := r.PortAllocatorFor(ip.Protocol)
		if pa == nil {
			return dropWarn("no %s NAT port range towards domain %q", ip.Protocol, dom.Name())
		}
		p, err := pa.Alloc()
		if err != nil {
			return dropWarn("%s NAT to domain %q: %v", ip.Protocol, dom.Name(), err)
		}
		portAlloc, natPort = pa, p
		srcIP, srcPort = dom.IPConfig().Router(), p
		wire.SetIPv4Src(frame, srcIP)
		wire.SetTransportSrcPort(frame, ip.HeaderLen, srcPort)
		if err := wire.UpdateTransportChecksum(frame, ip.HeaderLen, ip.Protocol); err != nil {
			pa.Free(p)
			return dropInform("%v", err)
		}
		wire.UpdateIPv4Checksum(frame, ip.HeaderLen)
	}

	// The server side's key describes packets arriving from that side,
	// i.e. the reverse of what we are about to emit.
	serverID := FlowKey{SrcIP: ip.Dst, SrcPort: t.DstPort, DstIP: srcIP, DstPort: srcPort}
	l := i.newLink(ip.Protocol, clientID, portAlloc, natPort, dom, serverID)

	i.transmitToDomain(frame, dom)
	l.packet(true, t)
	return forwarded()
}

// applyForwardRule opens a link for a packet addressed to the router that a
// forward rule redirects to a host in another domain.
func (i *Interface) applyForwardRule(frame []byte, ip wire.IPv4, t wire.Transport,
	r ForwardRule, clientID FlowKey, d stream.Descriptor, retry bool) Outcome {

	out := i.adaptEth(frame, r.Domain, r.To, d, retry)
	if out.Verdict != VerdictForwarded {
		return out
	}
	wire.SetIPv4Dst(frame, r.To)
	if err := wire.UpdateTransportChecksum(frame, ip.HeaderLen, ip.Protocol); err != nil {
		return dropInform("%v", err)
	}
	wire.UpdateIPv4Checksum(frame, ip.HeaderLen)

	serverID := FlowKey{SrcIP: r.To, SrcPort: t.DstPort, DstIP: ip.Src, DstPort: t.SrcPort}
	l := i.newLink(ip.Protocol, clientID, nil, 0, r.Domain, serverID)

	i.transmitToDomain(frame, r.Domain)
	l.packet(true, t)
	return forwarded()
}

// passIP routes a packet by IP rule without per-flow state, e.g. ICMP.
func (i *Interface) passIP(frame []byte, ip wire.IPv4, dom *Domain,
	d stream.Descriptor, retry bool) Outcome {

	out := i.adaptEth(frame, dom, ip.Dst, d, retry)
	if out.Verdict != VerdictForwarded {
		return out
	}
	i.transmitToDomain(frame, dom)
	return forwarded()
}

// transmitToDomain emits a finished frame on every member interface of the
// target domain, stamping each member's MAC as the Ethernet source.
func (i *Interface) transmitToDomain(frame []byte, dom *Domain) {
	for _, m := range dom.Interfaces() {
		if m == i {
			continue
		}
		wire.SetEthernetSrc(frame, m.mac)
		m.sendFrame(frame)
	}
}

// domainBroadcast replays a frame to all other members of the arrival
// domain.
func (i *Interface) domainBroadcast(frame []byte) {
	for _, m := range i.domain.Interfaces() {
		if m == i {
			continue
		}
		m.sendFrame(frame)
	}
}

// sendFrame copies a frame into a transmit slot and submits it. Returns
// false and drops when no slot is free; the engine never blocks on a slow
// consumer.
func (i *Interface) sendFrame(frame []byte) bool {
	d, err := i.ep.AllocPacket(len(frame))
	if err != nil {
		slog.Warn("transmit queue full, frame dropped",
			"interface", i.name, "size", len(frame))
		i.stats.TxNoSpace.Add(1)
		return false
	}
	copy(i.ep.TxContent(d), frame)
	i.ep.Submit(d)
	i.domain.RaiseTxBytes(len(frame))
	return true
}

// Sweep releases links idle past their timeout and expired DHCP leases.
// Expiring a lease also dissolves the client's remaining links. Freed
// records are destroyed at the next garbage-collection point, not here.
func (i *Interface) Sweep(now time.Time) {
	i.SweepLinks(now)
	i.alloc.sweep(now, func(a *Allocation) {
		for _, proto := range []wire.IPProto{wire.ProtoTCP, wire.ProtoUDP} {
			for l := range i.links(proto) {
				if l.clientID.SrcIP == a.IP {
					l.dissolve()
				}
			}
		}
	})
}

// Close tears the interface down: parked frames are acknowledged and
// discarded, links and leases are released, the domain membership ends.
func (i *Interface) Close() {
	if i.closed {
		return
	}
	i.closed = true
	if i.dhcpc != nil {
		i.dhcpc.stop()
	}
	i.cancelAllWaiters()
	i.destroyAllLinks()
	if srv := i.domain.DHCPServer(); srv != nil {
		for _, a := range i.alloc.active() {
			i.alloc.release(a)
		}
		i.alloc.destroyReleased(srv.FreeIP)
	}
	i.domain.detach(i)
}
