package router

import (
	"net/netip"
	"testing"
	"time"

	"github.com/swrouter/swrouter/pkg/wire"
)

func TestIPConfig(t *testing.T) {
	cfg := IPConfig{
		Address: netip.MustParsePrefix("10.0.0.1/24"),
		Gateway: netip.MustParseAddr("10.0.0.254"),
	}
	if !cfg.Valid() {
		t.Fatal("valid config reported invalid")
	}
	if cfg.Router() != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("router = %s", cfg.Router())
	}
	if cfg.Broadcast() != netip.MustParseAddr("10.0.0.255") {
		t.Errorf("broadcast = %s", cfg.Broadcast())
	}
	if (IPConfig{}).Valid() {
		t.Error("zero config reported valid")
	}
}

func TestNextHop(t *testing.T) {
	d := NewDomain("wan")
	d.SetIPConfig(IPConfig{
		Address: netip.MustParsePrefix("203.0.113.1/24"),
		Gateway: netip.MustParseAddr("203.0.113.254"),
	})

	for _, tc := range []struct {
		dst, want string
	}{
		{"203.0.113.9", "203.0.113.9"}, // subnet-local, direct
		{"93.184.216.34", "203.0.113.254"},
	} {
		got := d.NextHop(netip.MustParseAddr(tc.dst))
		if got != netip.MustParseAddr(tc.want) {
			t.Errorf("NextHop(%s) = %s, want %s", tc.dst, got, tc.want)
		}
	}

	// Without a gateway every destination is treated as on-link.
	d.SetIPConfig(IPConfig{Address: netip.MustParsePrefix("203.0.113.1/24")})
	if got := d.NextHop(netip.MustParseAddr("93.184.216.34")); got != netip.MustParseAddr("93.184.216.34") {
		t.Errorf("gatewayless NextHop = %s", got)
	}
}

func TestTransportRuleLongestPrefixAndPermits(t *testing.T) {
	src := NewDomain("src")
	wide := NewDomain("wide")
	narrow := NewDomain("narrow")

	src.AddTransportRule(wire.ProtoTCP, netip.MustParsePrefix("0.0.0.0/0"),
		PermitRule{Domain: wide})
	src.AddTransportRule(wire.ProtoTCP, netip.MustParsePrefix("192.0.2.0/24"),
		PermitRule{Port: 443, Domain: narrow})

	tests := []struct {
		name string
		dst  string
		port uint16
		want *Domain
		ok   bool
	}{
		{"default route any port", "8.8.8.8", 80, wide, true},
		{"narrow prefix matching port", "192.0.2.7", 443, narrow, true},
		{"narrow prefix wrong port", "192.0.2.7", 80, nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := src.TransportRuleFor(wire.ProtoTCP, netip.MustParseAddr(tc.dst), tc.port)
			if ok != tc.ok || got != tc.want {
				t.Errorf("got %v/%v, want %v/%v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestIPRuleLongestPrefix(t *testing.T) {
	src := NewDomain("src")
	a := NewDomain("a")
	b := NewDomain("b")
	src.AddIPRule(netip.MustParsePrefix("0.0.0.0/0"), a)
	src.AddIPRule(netip.MustParsePrefix("10.0.0.0/8"), b)

	if got, _ := src.IPRuleFor(netip.MustParseAddr("10.1.2.3")); got != b {
		t.Errorf("10/8 route = %v, want b", got)
	}
	if got, _ := src.IPRuleFor(netip.MustParseAddr("8.8.8.8")); got != a {
		t.Errorf("default route = %v, want a", got)
	}
}

func TestForwardRuleLookup(t *testing.T) {
	d := NewDomain("wan")
	target := NewDomain("lan")
	d.AddForwardRule(wire.ProtoTCP, 8080, netip.MustParseAddr("10.0.0.5"), target)

	if r, ok := d.ForwardRuleFor(wire.ProtoTCP, 8080); !ok || r.Domain != target {
		t.Errorf("lookup = %+v/%v", r, ok)
	}
	if _, ok := d.ForwardRuleFor(wire.ProtoTCP, 8081); ok {
		t.Error("unknown port matched")
	}
	if _, ok := d.ForwardRuleFor(wire.ProtoUDP, 8080); ok {
		t.Error("wrong protocol matched")
	}
}

func TestPortAllocator(t *testing.T) {
	p := NewPortAllocator(100, 102)
	if p.Capacity() != 3 {
		t.Fatalf("capacity = %d", p.Capacity())
	}

	got := make(map[uint16]bool)
	for n := 0; n < 3; n++ {
		port, err := p.Alloc()
		if err != nil {
			t.Fatalf("alloc %d: %v", n, err)
		}
		if port < 100 || port > 102 || got[port] {
			t.Fatalf("alloc %d returned %d (seen %v)", n, port, got)
		}
		got[port] = true
	}
	if _, err := p.Alloc(); err == nil {
		t.Fatal("exhausted pool allocated")
	}

	p.Free(101)
	if p.Used() != 2 {
		t.Errorf("used = %d, want 2", p.Used())
	}
	port, err := p.Alloc()
	if err != nil || port != 101 {
		t.Errorf("realloc = %d, %v; want 101", port, err)
	}
}

func TestDHCPServerConfigAllocSticky(t *testing.T) {
	srv := &DHCPServerConfig{
		First:     netip.MustParseAddr("10.0.0.100"),
		Last:      netip.MustParseAddr("10.0.0.102"),
		LeaseTime: time.Hour,
	}

	a, ok := srv.AllocIP(netip.Addr{})
	if !ok || a != netip.MustParseAddr("10.0.0.100") {
		t.Fatalf("first alloc = %s/%v", a, ok)
	}
	b, ok := srv.AllocIP(netip.Addr{})
	if !ok || b != netip.MustParseAddr("10.0.0.101") {
		t.Fatalf("second alloc = %s/%v", b, ok)
	}

	srv.FreeIP(a)
	// A preferred address that is free again is honored.
	c, ok := srv.AllocIP(a)
	if !ok || c != a {
		t.Fatalf("preferred alloc = %s/%v, want %s", c, ok, a)
	}
	// A held preferred address falls back to scanning.
	d, ok := srv.AllocIP(b)
	if !ok || d != netip.MustParseAddr("10.0.0.102") {
		t.Fatalf("fallback alloc = %s/%v", d, ok)
	}
	if _, ok := srv.AllocIP(netip.Addr{}); ok {
		t.Fatal("exhausted pool allocated")
	}
}

func TestAllocationStoreTwoPhase(t *testing.T) {
	s := newAllocationStore()
	now := time.Unix(1700000000, 0)
	a := &Allocation{
		MAC:    clientMAC,
		IP:     netip.MustParseAddr("10.0.0.100"),
		Bound:  true,
		Expiry: now.Add(time.Hour),
	}
	s.insert(a)

	if got, ok := s.lookup(clientMAC, now); !ok || got != a {
		t.Fatal("lookup missed live allocation")
	}

	// The lookup itself releases an expired record; it stays parked until
	// destroyReleased runs.
	if _, ok := s.lookup(clientMAC, now.Add(2*time.Hour)); ok {
		t.Fatal("expired allocation still found")
	}
	if len(s.released) != 1 {
		t.Fatalf("released list = %d, want 1", len(s.released))
	}

	var freed []netip.Addr
	s.destroyReleased(func(ip netip.Addr) { freed = append(freed, ip) })
	if len(freed) != 1 || freed[0] != a.IP {
		t.Errorf("freed = %v", freed)
	}
	if len(s.released) != 0 {
		t.Error("released list not cleared")
	}
}
