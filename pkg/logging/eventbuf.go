// Package logging keeps a bounded in-memory history of recent log records
// and packet events. A slog.Handler tee feeds the buffer so the daemon can
// expose "recent events" without re-reading its own output.
package logging

import (
	"log/slog"
	"sync"
	"time"
)

// EventRecord is one captured log record.
type EventRecord struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int
	seq   uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a buffer holding the most recent size events.
func NewEventBuffer(size int) *EventBuffer {
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event, overwriting the oldest if full. Subscribers are
// notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Recent returns up to n events, oldest first.
func (eb *EventBuffer) Recent(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if n > eb.count {
		n = eb.count
	}
	out := make([]EventRecord, 0, n)
	start := eb.head - n
	if start < 0 {
		start += eb.size
	}
	for i := 0; i < n; i++ {
		out = append(out, eb.buf[(start+i)%eb.size])
	}
	return out
}

// Len returns the number of events stored.
func (eb *EventBuffer) Len() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.count
}

// Subscribe returns a subscription fed every event added after this call.
func (eb *EventBuffer) Subscribe(depth int) *Subscription {
	s := &Subscription{C: make(chan EventRecord, depth), eb: eb}
	eb.subMu.Lock()
	eb.subs[s] = struct{}{}
	eb.subMu.Unlock()
	return s
}

func (eb *EventBuffer) unsubscribe(s *Subscription) {
	eb.subMu.Lock()
	if _, ok := eb.subs[s]; ok {
		delete(eb.subs, s)
		close(s.C)
	}
	eb.subMu.Unlock()
}
