package router

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/swrouter/swrouter/pkg/stream"
	"github.com/swrouter/swrouter/pkg/wire"
)

type dhcpClientState int

const (
	dhcpInit dhcpClientState = iota
	dhcpSelecting
	dhcpRequesting
	dhcpBound
	dhcpRenewing
)

func (s dhcpClientState) String() string {
	switch s {
	case dhcpInit:
		return "init"
	case dhcpSelecting:
		return "selecting"
	case dhcpRequesting:
		return "requesting"
	case dhcpBound:
		return "bound"
	case dhcpRenewing:
		return "renewing"
	}
	return "unknown"
}

// retransmit interval while waiting for an offer or an ack.
const dhcpRetryInterval = 10 * time.Second

// dhcpClient obtains the IP configuration of a domain that has none. It
// runs entirely on the interface's dispatcher, so no locking is needed.
type dhcpClient struct {
	iface *Interface
	state dhcpClientState
	ack   *dhcpv4.DHCPv4

	retry  *stream.Timer
	renew  *stream.Timer
	expire *stream.Timer
}

func newDHCPClient(i *Interface) *dhcpClient {
	return &dhcpClient{iface: i}
}

func (c *dhcpClient) start() { c.discover() }

func (c *dhcpClient) stop() {
	c.stopTimer(&c.retry)
	c.stopTimer(&c.renew)
	c.stopTimer(&c.expire)
	c.state = dhcpInit
}

func (c *dhcpClient) stopTimer(t **stream.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (c *dhcpClient) discover() {
	i := c.iface
	msg, err := dhcpv4.NewDiscovery(i.mac)
	if err != nil {
		slog.Error("dhcp client: build discover", "interface", i.Name(), "err", err)
		return
	}
	c.state = dhcpSelecting
	c.broadcast(msg)
	c.armRetry(c.discover)
}

func (c *dhcpClient) armRetry(fn func()) {
	c.stopTimer(&c.retry)
	c.retry = c.iface.disp.After(dhcpRetryInterval, fn)
}

// broadcast sends a client message to 255.255.255.255 as mandated before
// an address is configured.
func (c *dhcpClient) broadcast(msg *dhcpv4.DHCPv4) {
	i := c.iface
	frame, err := wire.BuildUDPFrame(i.mac, wire.Broadcast,
		netip.IPv4Unspecified(), netip.AddrFrom4([4]byte{255, 255, 255, 255}),
		wire.DHCPClientPort, wire.DHCPServerPort, msg.ToBytes())
	if err != nil {
		slog.Error("dhcp client: serialize", "interface", i.Name(), "err", err)
		return
	}
	i.sendFrame(frame)
}

// handleReply processes a server-to-client DHCP message received on the
// interface.
func (c *dhcpClient) handleReply(msg *dhcpv4.DHCPv4) Outcome {
	switch msg.MessageType() {
	case dhcpv4.MessageTypeOffer:
		if c.state != dhcpSelecting {
			return dropInform("DHCP offer in state %s", c.state)
		}
		req, err := dhcpv4.NewRequestFromOffer(msg)
		if err != nil {
			return dropWarn("DHCP request from offer: %v", err)
		}
		c.state = dhcpRequesting
		c.broadcast(req)
		c.armRetry(c.discover)
		return forwarded()

	case dhcpv4.MessageTypeAck:
		if c.state != dhcpRequesting && c.state != dhcpRenewing {
			return dropInform("DHCP ack in state %s", c.state)
		}
		return c.bind(msg)

	case dhcpv4.MessageTypeNak:
		c.stop()
		c.iface.domain.ClearIPConfig()
		slog.Info("dhcp client: lease refused, restarting",
			"interface", c.iface.Name(), "domain", c.iface.domain.Name())
		c.discover()
		return forwarded()
	}
	return dropInform("unexpected DHCP message type %s from server", msg.MessageType())
}

// bind applies an acknowledged lease to the domain and schedules renewal
// at half the lease time.
func (c *dhcpClient) bind(ack *dhcpv4.DHCPv4) Outcome {
	i := c.iface
	addr, ok := netip.AddrFromSlice(ack.YourIPAddr.To4())
	if !ok {
		return dropWarn("DHCP ack without yiaddr")
	}
	bits, _ := ack.SubnetMask().Size()
	if bits == 0 {
		bits = 24
	}
	cfg := IPConfig{Address: netip.PrefixFrom(addr, bits)}
	if routers := ack.Router(); len(routers) > 0 {
		if gw, ok := netip.AddrFromSlice(routers[0].To4()); ok {
			cfg.Gateway = gw
		}
	}
	lease := ack.IPAddressLeaseTime(i.timeouts.LeaseTime)

	c.ack = ack
	c.state = dhcpBound
	c.stopTimer(&c.retry)
	c.stopTimer(&c.renew)
	c.stopTimer(&c.expire)
	c.renew = i.disp.After(lease/2, c.startRenew)
	c.expire = i.disp.After(lease, c.leaseExpired)

	i.domain.SetIPConfig(cfg)
	slog.Info("dhcp client: bound",
		"interface", i.Name(), "domain", i.domain.Name(),
		"address", cfg.Address, "gateway", cfg.Gateway, "lease", lease)
	return forwarded()
}

func (c *dhcpClient) startRenew() {
	if c.state != dhcpBound || c.ack == nil {
		return
	}
	req, err := dhcpv4.NewRenewFromAck(c.ack)
	if err != nil {
		slog.Error("dhcp client: build renewal", "interface", c.iface.Name(), "err", err)
		return
	}
	c.state = dhcpRenewing
	c.broadcast(req)
	c.armRetry(c.startRenew)
}

func (c *dhcpClient) leaseExpired() {
	i := c.iface
	slog.Info("dhcp client: lease expired",
		"interface", i.Name(), "domain", i.domain.Name())
	c.stop()
	i.domain.ClearIPConfig()
	c.discover()
}
