// Package config loads the daemon's YAML configuration and builds the
// router topology from it: domains, their rules, interfaces and timeout
// policy.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swrouter/swrouter/pkg/router"
	"github.com/swrouter/swrouter/pkg/stream"
	"github.com/swrouter/swrouter/pkg/wire"
)

// File is the top-level configuration document.
type File struct {
	Listen        string   `yaml:"listen"` // metrics HTTP address
	SweepInterval Duration `yaml:"sweep_interval"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Domains  []DomainConfig `yaml:"domains"`

	// Packet session dimensions per interface.
	Slots    int `yaml:"slots"`
	SlotSize int `yaml:"slot_size"`
}

// TimeoutsConfig carries the idle and lease limits. Zero values fall back
// to the router defaults.
type TimeoutsConfig struct {
	TCPIdle    Duration `yaml:"tcp_idle"`
	TCPClosing Duration `yaml:"tcp_closing"`
	UDPIdle    Duration `yaml:"udp_idle"`
	DHCPOffer  Duration `yaml:"dhcp_offer"`
	DHCPLease  Duration `yaml:"dhcp_lease"`
}

// DomainConfig describes one domain and its policy.
type DomainConfig struct {
	Name       string            `yaml:"name"`
	CIDR       string            `yaml:"cidr"`    // empty: obtain via DHCP client
	Gateway    string            `yaml:"gateway"` // optional
	Interfaces []InterfaceConfig `yaml:"interfaces"`

	DHCPServer *DHCPServerConfig `yaml:"dhcp_server"`
	NAT        []NATConfig       `yaml:"nat"`
	Forward    []ForwardConfig   `yaml:"forward"`
	TCPRules   []TransportConfig `yaml:"tcp_rules"`
	UDPRules   []TransportConfig `yaml:"udp_rules"`
	IPRules    []IPRuleConfig    `yaml:"ip_rules"`
}

// InterfaceConfig describes one member interface of a domain.
type InterfaceConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"`
}

// DHCPServerConfig describes the lease pool served in a domain.
type DHCPServerConfig struct {
	First string   `yaml:"first"`
	Last  string   `yaml:"last"`
	DNS   []string `yaml:"dns"`
}

// NATConfig masquerades flows arriving from a client domain.
type NATConfig struct {
	From     string    `yaml:"from"`
	TCPPorts PortRange `yaml:"tcp_ports"`
	UDPPorts PortRange `yaml:"udp_ports"`
}

// PortRange is a [first, last] pair in YAML.
type PortRange struct {
	First uint16
	Last  uint16
}

// UnmarshalYAML implements yaml.Unmarshaler for the two-element list form.
func (p *PortRange) UnmarshalYAML(node *yaml.Node) error {
	var pair []uint16
	if err := node.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] > pair[1] {
		return fmt.Errorf("port range must be [first, last], got %v", pair)
	}
	p.First, p.Last = pair[0], pair[1]
	return nil
}

// ForwardConfig redirects a router-addressed port into another domain.
type ForwardConfig struct {
	Proto  string `yaml:"proto"` // tcp or udp
	Port   uint16 `yaml:"port"`
	To     string `yaml:"to"`
	Domain string `yaml:"domain"`
}

// TransportConfig permits flows towards a destination prefix.
type TransportConfig struct {
	Dst     string         `yaml:"dst"`
	Permits []PermitConfig `yaml:"permit"`
}

// PermitConfig names the target domain for one destination port, or for
// any port when port is omitted.
type PermitConfig struct {
	Port   uint16 `yaml:"port"`
	Domain string `yaml:"domain"`
}

// IPRuleConfig routes whole-prefix traffic without per-flow state.
type IPRuleConfig struct {
	Dst    string `yaml:"dst"`
	Domain string `yaml:"domain"`
}

// Duration wraps time.Duration with YAML string parsing ("10s", "1h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if f.Listen == "" {
		f.Listen = ":9090"
	}
	if f.SweepInterval == 0 {
		f.SweepInterval = Duration(time.Second)
	}
	if f.Slots == 0 {
		f.Slots = 64
	}
	if f.SlotSize == 0 {
		f.SlotSize = 2048
	}
	if len(f.Domains) == 0 {
		return nil, fmt.Errorf("config: no domains")
	}
	return &f, nil
}

// RouterTimeouts converts the configured limits to router policy.
func (f *File) RouterTimeouts() router.Timeouts {
	return router.Timeouts{
		TCPIdle:      time.Duration(f.Timeouts.TCPIdle),
		TCPClosing:   time.Duration(f.Timeouts.TCPClosing),
		UDPIdle:      time.Duration(f.Timeouts.UDPIdle),
		OfferTimeout: time.Duration(f.Timeouts.DHCPOffer),
		LeaseTime:    time.Duration(f.Timeouts.DHCPLease),
	}
}

// Build constructs the router: domains first, then cross-domain rules, then
// interfaces. The returned map holds the peer endpoint of every interface's
// packet session, keyed by interface name, for the transport feeding it.
func (f *File) Build() (*router.Router, map[string]*stream.Endpoint, error) {
	r := router.NewRouter()
	byName := make(map[string]*router.Domain, len(f.Domains))

	for _, dc := range f.Domains {
		if dc.Name == "" {
			return nil, nil, fmt.Errorf("config: domain without name")
		}
		d := router.NewDomain(dc.Name)
		if dc.CIDR != "" {
			prefix, err := netip.ParsePrefix(dc.CIDR)
			if err != nil {
				return nil, nil, fmt.Errorf("domain %q: cidr: %w", dc.Name, err)
			}
			cfg := router.IPConfig{Address: prefix}
			if dc.Gateway != "" {
				gw, err := netip.ParseAddr(dc.Gateway)
				if err != nil {
					return nil, nil, fmt.Errorf("domain %q: gateway: %w", dc.Name, err)
				}
				cfg.Gateway = gw
			}
			d.SetIPConfig(cfg)
		}
		if dc.DHCPServer != nil {
			srv, err := buildDHCPServer(dc.DHCPServer, time.Duration(f.Timeouts.DHCPLease))
			if err != nil {
				return nil, nil, fmt.Errorf("domain %q: dhcp_server: %w", dc.Name, err)
			}
			d.ConfigureDHCP(srv)
		}
		if err := r.AddDomain(d); err != nil {
			return nil, nil, fmt.Errorf("config: %w", err)
		}
		byName[dc.Name] = d
	}

	for _, dc := range f.Domains {
		if err := buildRules(byName[dc.Name], dc, byName); err != nil {
			return nil, nil, fmt.Errorf("domain %q: %w", dc.Name, err)
		}
	}

	peers := make(map[string]*stream.Endpoint)
	for _, dc := range f.Domains {
		for _, ic := range dc.Interfaces {
			mac, err := net.ParseMAC(ic.MAC)
			if err != nil {
				return nil, nil, fmt.Errorf("interface %q: mac: %w", ic.Name, err)
			}
			if _, dup := peers[ic.Name]; dup {
				return nil, nil, fmt.Errorf("duplicate interface %q", ic.Name)
			}
			inner, outer := stream.NewPair(r.Dispatcher(), f.Slots, f.SlotSize)
			r.Attach(inner, router.Config{
				Name:     ic.Name,
				MAC:      mac,
				Domain:   byName[dc.Name],
				Timeouts: f.RouterTimeouts(),
			})
			peers[ic.Name] = outer
		}
	}
	return r, peers, nil
}

func buildDHCPServer(c *DHCPServerConfig, lease time.Duration) (*router.DHCPServerConfig, error) {
	first, err := netip.ParseAddr(c.First)
	if err != nil {
		return nil, fmt.Errorf("first: %w", err)
	}
	last, err := netip.ParseAddr(c.Last)
	if err != nil {
		return nil, fmt.Errorf("last: %w", err)
	}
	if last.Less(first) {
		return nil, fmt.Errorf("pool %s-%s is empty", first, last)
	}
	if lease == 0 {
		lease = router.DefaultTimeouts().LeaseTime
	}
	srv := &router.DHCPServerConfig{First: first, Last: last, LeaseTime: lease}
	for _, s := range c.DNS {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns: %w", err)
		}
		srv.DNS = append(srv.DNS, a)
	}
	return srv, nil
}

func buildRules(d *router.Domain, dc DomainConfig, byName map[string]*router.Domain) error {
	lookup := func(name string) (*router.Domain, error) {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown domain %q", name)
		}
		return t, nil
	}

	for _, n := range dc.NAT {
		client, err := lookup(n.From)
		if err != nil {
			return fmt.Errorf("nat: %w", err)
		}
		d.AddNATRule(client, n.TCPPorts.First, n.TCPPorts.Last, n.UDPPorts.First, n.UDPPorts.Last)
	}
	for _, fw := range dc.Forward {
		proto, err := parseProto(fw.Proto)
		if err != nil {
			return fmt.Errorf("forward: %w", err)
		}
		to, err := netip.ParseAddr(fw.To)
		if err != nil {
			return fmt.Errorf("forward: to: %w", err)
		}
		target, err := lookup(fw.Domain)
		if err != nil {
			return fmt.Errorf("forward: %w", err)
		}
		d.AddForwardRule(proto, fw.Port, to, target)
	}
	addTransport := func(proto wire.IPProto, rules []TransportConfig) error {
		for _, tr := range rules {
			dst, err := netip.ParsePrefix(tr.Dst)
			if err != nil {
				return fmt.Errorf("dst: %w", err)
			}
			permits := make([]router.PermitRule, 0, len(tr.Permits))
			for _, p := range tr.Permits {
				target, err := lookup(p.Domain)
				if err != nil {
					return err
				}
				permits = append(permits, router.PermitRule{Port: p.Port, Domain: target})
			}
			d.AddTransportRule(proto, dst, permits...)
		}
		return nil
	}
	if err := addTransport(wire.ProtoTCP, dc.TCPRules); err != nil {
		return fmt.Errorf("tcp_rules: %w", err)
	}
	if err := addTransport(wire.ProtoUDP, dc.UDPRules); err != nil {
		return fmt.Errorf("udp_rules: %w", err)
	}
	for _, ir := range dc.IPRules {
		dst, err := netip.ParsePrefix(ir.Dst)
		if err != nil {
			return fmt.Errorf("ip_rules: dst: %w", err)
		}
		target, err := lookup(ir.Domain)
		if err != nil {
			return fmt.Errorf("ip_rules: %w", err)
		}
		d.AddIPRule(dst, target)
	}
	return nil
}

func parseProto(s string) (wire.IPProto, error) {
	switch s {
	case "tcp":
		return wire.ProtoTCP, nil
	case "udp":
		return wire.ProtoUDP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}
