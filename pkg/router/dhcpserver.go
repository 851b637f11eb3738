package router

import (
	"net"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/swrouter/swrouter/pkg/wire"
)

// handleDHCPServer processes a client-to-server DHCP message on a domain
// this interface serves leases for.
func (i *Interface) handleDHCPServer(frame []byte, ip wire.IPv4) Outcome {
	srv := i.domain.DHCPServer()
	if srv == nil {
		return dropInform("DHCP request in domain without DHCP server")
	}
	cfg := i.domain.IPConfig()
	if !cfg.Valid() {
		return dropInform("DHCP server on unconfigured domain")
	}
	msg, err := wire.ParseDHCP(frame, ip.HeaderLen)
	if err != nil {
		return dropWarn("%v", err)
	}
	mac := msg.ClientHWAddr
	now := i.now()

	switch msg.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		preferred := netip.Addr{}
		if a, ok := i.alloc.lookup(mac, now); ok {
			// A fresh Discover invalidates whatever state the client
			// had. Keep its old address sticky if still free.
			if a.Bound {
				preferred = a.IP
				i.alloc.release(a)
				i.alloc.destroyReleased(srv.FreeIP)
			} else {
				// Unbound offer still pending, repeat it.
				a.Expiry = now.Add(i.timeouts.OfferTimeout)
				return i.sendDHCPReply(msg, dhcpv4.MessageTypeOffer, a.IP, srv)
			}
		}
		addr, ok := srv.AllocIP(preferred)
		if !ok {
			return dropWarn("DHCP pool of domain %q exhausted", i.domain.Name())
		}
		i.alloc.insert(&Allocation{
			MAC:    append(net.HardwareAddr(nil), mac...),
			IP:     addr,
			Expiry: now.Add(i.timeouts.OfferTimeout),
		})
		return i.sendDHCPReply(msg, dhcpv4.MessageTypeOffer, addr, srv)

	case dhcpv4.MessageTypeRequest:
		a, ok := i.alloc.lookup(mac, now)
		if !ok {
			return dropInform("DHCP request without allocation")
		}
		if a.Bound {
			// Renewal or rebinding of an existing lease.
			a.Expiry = now.Add(srv.LeaseTime)
			return i.sendDHCPReply(msg, dhcpv4.MessageTypeAck, a.IP, srv)
		}
		if sid := msg.ServerIdentifier(); sid != nil {
			srvIP, ok := netip.AddrFromSlice(sid.To4())
			if !ok || srvIP != cfg.Router() {
				// Client selected another server, withdraw the offer
				// silently.
				i.alloc.release(a)
				return dropInform("DHCP request for foreign server")
			}
		}
		requested := a.IP
		if r := msg.RequestedIPAddress(); r != nil {
			if addr, ok := netip.AddrFromSlice(r.To4()); ok {
				requested = addr
			}
		}
		if requested != a.IP {
			i.alloc.release(a)
			return i.sendDHCPReply(msg, dhcpv4.MessageTypeNak, netip.Addr{}, srv)
		}
		a.Bound = true
		a.Expiry = now.Add(srv.LeaseTime)
		return i.sendDHCPReply(msg, dhcpv4.MessageTypeAck, a.IP, srv)

	case dhcpv4.MessageTypeInform:
		// Client configured its address elsewhere, only wants parameters.
		src, ok := netip.AddrFromSlice(msg.ClientIPAddr.To4())
		if !ok {
			return dropInform("DHCP inform without client address")
		}
		return i.sendDHCPReply(msg, dhcpv4.MessageTypeAck, src, srv)

	case dhcpv4.MessageTypeDecline, dhcpv4.MessageTypeRelease:
		a, ok := i.alloc.lookup(mac, now)
		if !ok {
			return dropWarn("DHCP %s from %s without allocation", msg.MessageType(), mac)
		}
		i.alloc.release(a)
		return dropInform("DHCP %s", msg.MessageType())

	default:
		return dropWarn("unexpected DHCP message type %s from client", msg.MessageType())
	}
}

// sendDHCPReply builds and transmits a server reply to the requesting
// client. For Ack on Inform, yiaddr carries the client's own address and no
// lease time is announced.
func (i *Interface) sendDHCPReply(req *dhcpv4.DHCPv4, mt dhcpv4.MessageType,
	yiaddr netip.Addr, srv *DHCPServerConfig) Outcome {

	cfg := i.domain.IPConfig()
	routerIP := cfg.Router()

	reply, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return dropWarn("build DHCP reply: %v", err)
	}
	reply.UpdateOption(dhcpv4.OptMessageType(mt))
	reply.UpdateOption(dhcpv4.OptServerIdentifier(routerIP.AsSlice()))
	reply.ServerIPAddr = routerIP.AsSlice()

	dstIP := yiaddr
	if mt != dhcpv4.MessageTypeNak {
		reply.YourIPAddr = yiaddr.AsSlice()
		reply.UpdateOption(dhcpv4.OptSubnetMask(net.CIDRMask(cfg.Address.Bits(), 32)))
		reply.UpdateOption(dhcpv4.OptRouter(routerIP.AsSlice()))
		reply.UpdateOption(dhcpv4.OptBroadcastAddress(cfg.Broadcast().AsSlice()))
		if len(srv.DNS) > 0 {
			dns := make([]net.IP, 0, len(srv.DNS))
			for _, d := range srv.DNS {
				dns = append(dns, d.AsSlice())
			}
			reply.UpdateOption(dhcpv4.OptDNS(dns...))
		}
		if req.MessageType() != dhcpv4.MessageTypeInform {
			reply.UpdateOption(dhcpv4.OptIPAddressLeaseTime(srv.LeaseTime))
		}
	} else {
		dstIP = cfg.Broadcast()
	}

	frame, err := wire.BuildUDPFrame(i.mac, req.ClientHWAddr, routerIP, dstIP,
		wire.DHCPServerPort, wire.DHCPClientPort, reply.ToBytes())
	if err != nil {
		return dropWarn("serialize DHCP reply: %v", err)
	}
	if !i.sendFrame(frame) {
		return dropWarn("no TX space for DHCP %s", mt)
	}
	return forwarded()
}
