package router

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/swrouter/swrouter/pkg/wire"
)

// IPConfig is a domain's IPv4 configuration: the router's own address
// inside the domain (with its subnet) and an optional upstream gateway.
// The zero value is an invalid config; a domain without one only speaks
// DHCP until its client FSM obtains a lease.
type IPConfig struct {
	Address netip.Prefix
	Gateway netip.Addr
}

// Valid reports whether the domain has a usable address.
func (c IPConfig) Valid() bool { return c.Address.IsValid() }

// Router returns the router's address within the domain.
func (c IPConfig) Router() netip.Addr { return c.Address.Addr() }

// Broadcast returns the subnet's directed broadcast address.
func (c IPConfig) Broadcast() netip.Addr {
	a4 := c.Address.Masked().Addr().As4()
	bits := c.Address.Bits()
	for b := bits; b < 32; b++ {
		a4[b/8] |= 1 << (7 - b%8)
	}
	return netip.AddrFrom4(a4)
}

// ForwardRule exposes a router-addressed port as a service in another
// domain.
type ForwardRule struct {
	Port   uint16
	To     netip.Addr
	Domain *Domain
}

// PermitRule permits one destination port of a transport rule. Port 0
// permits any port.
type PermitRule struct {
	Port   uint16
	Domain *Domain
}

// TransportRule routes TCP or UDP traffic for a destination prefix into
// another domain, subject to port permits.
type TransportRule struct {
	Dst     netip.Prefix
	Permits []PermitRule
}

// IPRule routes a destination prefix at the IP level, without NAT or link
// tracking.
type IPRule struct {
	Dst    netip.Prefix
	Domain *Domain
}

// NATRule masquerades flows arriving from one client domain behind this
// domain's address, drawing source ports from per-protocol pools.
type NATRule struct {
	tcpPorts *PortAllocator
	udpPorts *PortAllocator
}

// PortAllocatorFor returns the rule's pool for the given protocol.
func (r *NATRule) PortAllocatorFor(proto wire.IPProto) *PortAllocator {
	if proto == wire.ProtoTCP {
		return r.tcpPorts
	}
	return r.udpPorts
}

// DHCPServerConfig is the lease policy of a domain served by the router.
type DHCPServerConfig struct {
	First, Last netip.Addr
	LeaseTime   time.Duration
	DNS         []netip.Addr

	used map[netip.Addr]bool
}

// AllocIP takes a free address from the pool, preferring the given one if
// it is free and inside the range. preferred may be the zero Addr.
func (s *DHCPServerConfig) AllocIP(preferred netip.Addr) (netip.Addr, bool) {
	if s.used == nil {
		s.used = make(map[netip.Addr]bool)
	}
	if preferred.IsValid() && !s.used[preferred] &&
		s.First.Compare(preferred) <= 0 && preferred.Compare(s.Last) <= 0 {
		s.used[preferred] = true
		return preferred, true
	}
	for ip := s.First; ip.Compare(s.Last) <= 0; ip = ip.Next() {
		if !s.used[ip] {
			s.used[ip] = true
			return ip, true
		}
	}
	return netip.Addr{}, false
}

// FreeIP returns an address to the pool.
func (s *DHCPServerConfig) FreeIP(ip netip.Addr) {
	delete(s.used, ip)
}

// Domain is a routing and policy scope grouping the interfaces that share
// configuration: rule tables, NAT port pools, DHCP pool, ARP cache and the
// search index over link sides. It is built by the config layer and only
// queried from the dispatch path; all access happens on the single
// dispatcher goroutine, so no locking is needed (the byte counters are
// atomic only because metrics scrape them from outside).
type Domain struct {
	name  string
	ipCfg IPConfig

	tcpForward []ForwardRule
	udpForward []ForwardRule
	tcpRules   []TransportRule
	udpRules   []TransportRule
	ipRules    []IPRule
	natRules   map[*Domain]*NATRule
	dhcp       *DHCPServerConfig

	arpCache   map[netip.Addr]net.HardwareAddr
	interfaces []*Interface
	waiters    []*arpWaiter // packets of any interface awaiting ARP in this domain

	tcpLinks map[FlowKey]*linkSide
	udpLinks map[FlowKey]*linkSide

	rxBytes atomic.Uint64
	txBytes atomic.Uint64
}

// NewDomain creates an empty domain.
func NewDomain(name string) *Domain {
	return &Domain{
		name:     name,
		natRules: make(map[*Domain]*NATRule),
		arpCache: make(map[netip.Addr]net.HardwareAddr),
		tcpLinks: make(map[FlowKey]*linkSide),
		udpLinks: make(map[FlowKey]*linkSide),
	}
}

// Name returns the domain's configured name.
func (d *Domain) Name() string { return d.name }

// IPConfig returns the current address configuration.
func (d *Domain) IPConfig() IPConfig { return d.ipCfg }

// SetIPConfig installs a static address configuration or the result of a
// DHCP lease.
func (d *Domain) SetIPConfig(cfg IPConfig) { d.ipCfg = cfg }

// ClearIPConfig drops the address configuration, e.g. on DHCP lease loss.
func (d *Domain) ClearIPConfig() { d.ipCfg = IPConfig{} }

// ConfigureDHCP makes the router serve DHCP in this domain.
func (d *Domain) ConfigureDHCP(cfg *DHCPServerConfig) { d.dhcp = cfg }

// DHCPServer returns the domain's lease policy, or nil if the router does
// not serve DHCP here.
func (d *Domain) DHCPServer() *DHCPServerConfig { return d.dhcp }

// AddForwardRule exposes a router port into another domain.
func (d *Domain) AddForwardRule(proto wire.IPProto, port uint16, to netip.Addr, dom *Domain) {
	r := ForwardRule{Port: port, To: to, Domain: dom}
	if proto == wire.ProtoTCP {
		d.tcpForward = append(d.tcpForward, r)
	} else {
		d.udpForward = append(d.udpForward, r)
	}
}

// AddTransportRule routes a destination prefix with port permits.
func (d *Domain) AddTransportRule(proto wire.IPProto, dst netip.Prefix, permits ...PermitRule) {
	r := TransportRule{Dst: dst, Permits: permits}
	if proto == wire.ProtoTCP {
		d.tcpRules = append(d.tcpRules, r)
	} else {
		d.udpRules = append(d.udpRules, r)
	}
}

// AddIPRule routes a destination prefix without NAT.
func (d *Domain) AddIPRule(dst netip.Prefix, dom *Domain) {
	d.ipRules = append(d.ipRules, IPRule{Dst: dst, Domain: dom})
}

// AddNATRule masquerades flows from the client domain behind this domain's
// address, with the given source-port ranges per protocol. A zero range
// leaves that protocol without a pool, so its flows are refused.
func (d *Domain) AddNATRule(client *Domain, tcpFirst, tcpLast, udpFirst, udpLast uint16) {
	r := &NATRule{}
	if tcpLast >= tcpFirst && tcpLast > 0 {
		r.tcpPorts = NewPortAllocator(tcpFirst, tcpLast)
	}
	if udpLast >= udpFirst && udpLast > 0 {
		r.udpPorts = NewPortAllocator(udpFirst, udpLast)
	}
	d.natRules[client] = r
}

// ForwardRuleFor looks up a forward rule by destination port.
func (d *Domain) ForwardRuleFor(proto wire.IPProto, port uint16) (ForwardRule, bool) {
	rules := d.tcpForward
	if proto == wire.ProtoUDP {
		rules = d.udpForward
	}
	for _, r := range rules {
		if r.Port == port {
			return r, true
		}
	}
	return ForwardRule{}, false
}

// TransportRuleFor looks up the longest-prefix transport rule matching the
// destination and returns the permitted target domain for the port.
func (d *Domain) TransportRuleFor(proto wire.IPProto, dst netip.Addr, port uint16) (*Domain, bool) {
	rules := d.tcpRules
	if proto == wire.ProtoUDP {
		rules = d.udpRules
	}
	best := -1
	for i, r := range rules {
		if r.Dst.Contains(dst) && (best < 0 || r.Dst.Bits() > rules[best].Dst.Bits()) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	for _, p := range rules[best].Permits {
		if p.Port == 0 || p.Port == port {
			return p.Domain, true
		}
	}
	return nil, false
}

// IPRuleFor looks up the longest-prefix IP-level route for dst.
func (d *Domain) IPRuleFor(dst netip.Addr) (*Domain, bool) {
	best := -1
	for i, r := range d.ipRules {
		if r.Dst.Contains(dst) && (best < 0 || r.Dst.Bits() > d.ipRules[best].Dst.Bits()) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	return d.ipRules[best].Domain, true
}

// EachNATRule visits the masquerading rules of this domain, keyed by the
// client domain they apply to.
func (d *Domain) EachNATRule(fn func(client *Domain, r *NATRule)) {
	for c, r := range d.natRules {
		fn(c, r)
	}
}

// NATRuleFor returns the masquerading rule for flows arriving from the
// given client domain.
func (d *Domain) NATRuleFor(client *Domain) (*NATRule, bool) {
	r, ok := d.natRules[client]
	return r, ok
}

// NextHop returns the address the next Ethernet hop answers ARP for:
// dst itself when it is subnet-local, the domain's gateway otherwise.
func (d *Domain) NextHop(dst netip.Addr) netip.Addr {
	if d.ipCfg.Gateway.IsValid() && !d.ipCfg.Address.Contains(dst) {
		return d.ipCfg.Gateway
	}
	return dst
}

// ResolveMAC consults the domain's ARP cache.
func (d *Domain) ResolveMAC(ip netip.Addr) (net.HardwareAddr, bool) {
	mac, ok := d.arpCache[ip]
	return mac, ok
}

// AddARPEntry records a resolved address.
func (d *Domain) AddARPEntry(ip netip.Addr, mac net.HardwareAddr) {
	d.arpCache[ip] = mac
}

// Interfaces returns the domain's member interfaces.
func (d *Domain) Interfaces() []*Interface { return d.interfaces }

func (d *Domain) attach(i *Interface) {
	d.interfaces = append(d.interfaces, i)
}

func (d *Domain) detach(i *Interface) {
	for n, m := range d.interfaces {
		if m == i {
			d.interfaces = append(d.interfaces[:n], d.interfaces[n+1:]...)
			return
		}
	}
}

func (d *Domain) linkIndex(proto wire.IPProto) map[FlowKey]*linkSide {
	if proto == wire.ProtoTCP {
		return d.tcpLinks
	}
	return d.udpLinks
}

// RaiseRxBytes accounts bytes received from this domain.
func (d *Domain) RaiseRxBytes(n int) { d.rxBytes.Add(uint64(n)) }

// RaiseTxBytes accounts bytes sent into this domain.
func (d *Domain) RaiseTxBytes(n int) { d.txBytes.Add(uint64(n)) }

// RxBytes returns the received-byte counter.
func (d *Domain) RxBytes() uint64 { return d.rxBytes.Load() }

// TxBytes returns the transmitted-byte counter.
func (d *Domain) TxBytes() uint64 { return d.txBytes.Load() }
