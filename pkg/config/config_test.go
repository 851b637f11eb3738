package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/swrouter/swrouter/pkg/wire"
)

const sample = `
listen: ":9100"
sweep_interval: 2s
timeouts:
  tcp_idle: 300s
  udp_idle: 20s
  dhcp_lease: 1h
domains:
  - name: wan
    cidr: 203.0.113.1/24
    gateway: 203.0.113.254
    interfaces:
      - name: wan0
        mac: "02:00:00:00:01:02"
    nat:
      - from: lan
        tcp_ports: [30000, 30999]
        udp_ports: [31000, 31999]
    forward:
      - proto: tcp
        port: 8080
        to: 10.0.0.5
        domain: lan
  - name: lan
    cidr: 10.0.0.1/24
    interfaces:
      - name: lan0
        mac: "02:00:00:00:01:01"
    dhcp_server:
      first: 10.0.0.100
      last: 10.0.0.200
      dns: [9.9.9.9]
    tcp_rules:
      - dst: 0.0.0.0/0
        permit:
          - domain: wan
    udp_rules:
      - dst: 0.0.0.0/0
        permit:
          - port: 53
            domain: wan
    ip_rules:
      - dst: 0.0.0.0/0
        domain: wan
`

func TestParseAndBuild(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Listen != ":9100" {
		t.Errorf("listen = %q", f.Listen)
	}
	if time.Duration(f.SweepInterval) != 2*time.Second {
		t.Errorf("sweep = %v", f.SweepInterval)
	}
	to := f.RouterTimeouts()
	if to.TCPIdle != 300*time.Second || to.UDPIdle != 20*time.Second || to.LeaseTime != time.Hour {
		t.Errorf("timeouts = %+v", to)
	}

	r, peers, err := f.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}
	if _, ok := peers["wan0"]; !ok {
		t.Error("wan0 endpoint missing")
	}

	wan, ok := r.Domain("wan")
	if !ok {
		t.Fatal("wan domain missing")
	}
	lan, _ := r.Domain("lan")
	if lan == nil {
		t.Fatal("lan domain missing")
	}
	if wan.IPConfig().Gateway != netip.MustParseAddr("203.0.113.254") {
		t.Errorf("wan gateway = %s", wan.IPConfig().Gateway)
	}
	if lan.IPConfig().Gateway.IsValid() {
		t.Error("lan has an unexpected gateway")
	}

	if _, ok := wan.NATRuleFor(lan); !ok {
		t.Error("NAT rule lan->wan missing")
	}
	if r, ok := wan.ForwardRuleFor(wire.ProtoTCP, 8080); !ok || r.To != netip.MustParseAddr("10.0.0.5") {
		t.Errorf("forward rule = %+v/%v", r, ok)
	}
	if dom, ok := lan.TransportRuleFor(wire.ProtoTCP, netip.MustParseAddr("8.8.8.8"), 80); !ok || dom != wan {
		t.Errorf("tcp rule = %v/%v", dom, ok)
	}
	if _, ok := lan.TransportRuleFor(wire.ProtoUDP, netip.MustParseAddr("8.8.8.8"), 80); ok {
		t.Error("udp rule matched unpermitted port")
	}
	if dom, ok := lan.IPRuleFor(netip.MustParseAddr("8.8.8.8")); !ok || dom != wan {
		t.Errorf("ip rule = %v/%v", dom, ok)
	}
	srv := lan.DHCPServer()
	if srv == nil || srv.First != netip.MustParseAddr("10.0.0.100") || srv.LeaseTime != time.Hour {
		t.Errorf("dhcp server = %+v", srv)
	}
	if len(r.Interfaces()) != 2 {
		t.Errorf("interfaces = %d", len(r.Interfaces()))
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no domains", "listen: \":9100\""},
		{"bad yaml", ":"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.in)); err == nil {
				t.Error("accepted")
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"unknown nat domain", `
domains:
  - name: wan
    cidr: 203.0.113.1/24
    nat:
      - from: nosuch
        tcp_ports: [1, 2]
`},
		{"bad cidr", `
domains:
  - name: wan
    cidr: notacidr
`},
		{"bad mac", `
domains:
  - name: wan
    cidr: 203.0.113.1/24
    interfaces:
      - name: wan0
        mac: "zz"
`},
		{"duplicate interface", `
domains:
  - name: a
    cidr: 10.0.0.1/24
    interfaces:
      - {name: x, mac: "02:00:00:00:00:01"}
  - name: b
    cidr: 10.0.1.1/24
    interfaces:
      - {name: x, mac: "02:00:00:00:00:02"}
`},
		{"empty dhcp pool", `
domains:
  - name: a
    cidr: 10.0.0.1/24
    dhcp_server:
      first: 10.0.0.200
      last: 10.0.0.100
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Parse([]byte(tc.in))
			if err != nil {
				return // rejected at parse time is fine too
			}
			if _, _, err := f.Build(); err == nil {
				t.Error("accepted")
			}
		})
	}
}
