package router

import (
	"fmt"
	"sync/atomic"
)

// PortAllocator hands out NAT source ports from a fixed range. A port has
// exactly one holder at a time; a Link keeps its port until it dissolves.
// Alloc and Free run on the dispatcher; the usage count is atomic so the
// metrics scrape can read it from outside.
type PortAllocator struct {
	first, last uint16
	next        uint16
	used        map[uint16]bool
	inUse       atomic.Int64
}

// NewPortAllocator creates a pool over [first, last].
func NewPortAllocator(first, last uint16) *PortAllocator {
	return &PortAllocator{
		first: first,
		last:  last,
		next:  first,
		used:  make(map[uint16]bool),
	}
}

// Alloc takes a free port from the pool.
func (p *PortAllocator) Alloc() (uint16, error) {
	span := int(p.last) - int(p.first) + 1
	for n := 0; n < span; n++ {
		port := p.next
		if p.next == p.last {
			p.next = p.first
		} else {
			p.next++
		}
		if !p.used[port] {
			p.used[port] = true
			p.inUse.Add(1)
			return port, nil
		}
	}
	return 0, fmt.Errorf("port pool %d-%d exhausted", p.first, p.last)
}

// Free returns a port to the pool.
func (p *PortAllocator) Free(port uint16) {
	if p.used[port] {
		delete(p.used, port)
		p.inUse.Add(-1)
	}
}

// Used returns the number of ports currently held.
func (p *PortAllocator) Used() int { return int(p.inUse.Load()) }

// Capacity returns the pool size.
func (p *PortAllocator) Capacity() int { return int(p.last) - int(p.first) + 1 }
