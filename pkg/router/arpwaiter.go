package router

import (
	"net/netip"

	"github.com/swrouter/swrouter/pkg/stream"
)

// arpWaiter holds one postponed frame until the next hop it needs resolves
// in the target domain. The arrival interface keeps the waiter on its own
// list (for teardown), the target domain on its list (for resolution by
// whichever member interface receives the ARP reply). Resolution re-injects
// the frame into the dispatch path exactly once.
type arpWaiter struct {
	iface  *Interface // interface the frame arrived on
	domain *Domain    // domain the resolution is awaited in
	ip     netip.Addr // next-hop address being resolved
	desc   stream.Descriptor
}

func (i *Interface) addWaiter(domain *Domain, ip netip.Addr, desc stream.Descriptor) {
	w := &arpWaiter{iface: i, domain: domain, ip: ip, desc: desc}
	i.waiters = append(i.waiters, w)
	domain.waiters = append(domain.waiters, w)
	i.stats.Postponed.Add(1)
}

func (w *arpWaiter) unlink() {
	for n, x := range w.iface.waiters {
		if x == w {
			w.iface.waiters = append(w.iface.waiters[:n], w.iface.waiters[n+1:]...)
			break
		}
	}
	for n, x := range w.domain.waiters {
		if x == w {
			w.domain.waiters = append(w.domain.waiters[:n], w.domain.waiters[n+1:]...)
			break
		}
	}
}

// cancelWaiter discards a waiter and its held frame. The frame is
// acknowledged so the sender's slot is not leaked.
func (i *Interface) cancelWaiter(w *arpWaiter) {
	w.unlink()
	i.ackPacket(w.desc)
	i.stats.WaitersCancelled.Add(1)
}

// cancelAllWaiters runs at interface teardown.
func (i *Interface) cancelAllWaiters() {
	for len(i.waiters) > 0 {
		i.cancelWaiter(i.waiters[0])
	}
}

// WaiterCount returns the number of frames this interface has parked
// awaiting ARP resolution.
func (i *Interface) WaiterCount() int { return len(i.waiters) }
