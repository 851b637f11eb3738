package router

import (
	"net"
	"net/netip"
	"sort"
	"sync/atomic"
	"time"
)

// Allocation is a DHCP lease (or pending offer) granted to a client MAC in
// a domain the router serves. Released allocations linger on a separate
// list until the next sweep so that lookups racing an expiry see a clean
// miss instead of a freed record.
type Allocation struct {
	MAC    net.HardwareAddr
	IP     netip.Addr
	Bound  bool // offer accepted via Request/Ack
	Expiry time.Time

	released bool
}

// allocationStore indexes active allocations by client MAC and by leased
// IP. Both are unique within the domain at any instant.
type allocationStore struct {
	byMAC    map[string]*Allocation
	byIP     map[netip.Addr]*Allocation
	released []*Allocation

	// atomic mirrors of len(byIP) movement, readable by the metrics scrape
	granted atomic.Uint64
	revoked atomic.Uint64
}

func newAllocationStore() *allocationStore {
	return &allocationStore{
		byMAC: make(map[string]*Allocation),
		byIP:  make(map[netip.Addr]*Allocation),
	}
}

// lookup finds the active allocation for a client MAC, lazily releasing it
// if it has expired.
func (s *allocationStore) lookup(mac net.HardwareAddr, now time.Time) (*Allocation, bool) {
	a, ok := s.byMAC[string(mac)]
	if !ok {
		return nil, false
	}
	if now.After(a.Expiry) {
		s.release(a)
		return nil, false
	}
	return a, true
}

// insert registers a new allocation. MAC and IP must be free.
func (s *allocationStore) insert(a *Allocation) {
	s.byMAC[string(a.MAC)] = a
	s.byIP[a.IP] = a
	s.granted.Add(1)
}

// release removes an allocation from the active index and parks it for
// destruction by the next sweep.
func (s *allocationStore) release(a *Allocation) {
	if a.released {
		return
	}
	a.released = true
	delete(s.byMAC, string(a.MAC))
	delete(s.byIP, a.IP)
	s.released = append(s.released, a)
	s.revoked.Add(1)
}

// destroyReleased frees parked allocations, returning their IPs to the
// pool.
func (s *allocationStore) destroyReleased(freeIP func(netip.Addr)) {
	for _, a := range s.released {
		freeIP(a.IP)
	}
	s.released = nil
}

// sweep releases expired allocations. expired is called for each so the
// owner can dissolve NAT links backed by the lease.
func (s *allocationStore) sweep(now time.Time, expired func(*Allocation)) {
	for _, a := range s.byMAC {
		if now.After(a.Expiry) {
			s.release(a)
			if expired != nil {
				expired(a)
			}
		}
	}
}

// active returns the active allocations ordered by client IP.
func (s *allocationStore) active() []*Allocation {
	out := make([]*Allocation, 0, len(s.byIP))
	for _, a := range s.byIP {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Compare(out[j].IP) < 0 })
	return out
}
