package stream

import "errors"

// ErrNoSpace is returned by AllocPacket when the transmit queue has no free
// slot or the requested size exceeds the slot size. Callers treat it as
// backpressure: log and drop, never block.
var ErrNoSpace = errors.New("stream: no transmit buffer available")

// Descriptor is a stable handle to one packet slot. It stays valid while
// the packet travels submit → consume → acknowledge → release.
type Descriptor struct {
	slot int
	size int
}

// Size returns the packet length the descriptor was allocated or submitted
// with.
func (d Descriptor) Size() int { return d.size }

// pipe is one direction of a session: a slot arena, a submit queue and an
// acknowledgement queue. The producer allocates and submits; the consumer
// takes, reads and acknowledges; the producer releases acked slots.
type pipe struct {
	slotSize int
	buf      []byte
	free     []int
	submitQ  []Descriptor
	ackQ     []Descriptor

	onSubmit func() // consumer-side signal
	onAck    func() // producer-side signal
}

func newPipe(slots, slotSize int) *pipe {
	p := &pipe{
		slotSize: slotSize,
		buf:      make([]byte, slots*slotSize),
	}
	for i := slots - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	return p
}

func (p *pipe) content(d Descriptor) []byte {
	off := d.slot * p.slotSize
	return p.buf[off : off+d.size]
}

// Endpoint is one side's view of a bidirectional session. rx carries frames
// from the peer (this side consumes), tx carries frames to the peer (this
// side produces). All methods must run on the session's dispatcher.
type Endpoint struct {
	disp *Dispatcher
	rx   *pipe
	tx   *pipe
}

// NewPair creates the two connected endpoints of a session. Each direction
// has the given number of packet slots of slotSize bytes.
func NewPair(d *Dispatcher, slots, slotSize int) (*Endpoint, *Endpoint) {
	ab := newPipe(slots, slotSize)
	ba := newPipe(slots, slotSize)
	a := &Endpoint{disp: d, rx: ba, tx: ab}
	b := &Endpoint{disp: d, rx: ab, tx: ba}
	return a, b
}

// OnPacketAvail registers the handler signalled when the peer submits a
// packet towards this endpoint.
func (e *Endpoint) OnPacketAvail(fn func()) { e.rx.onSubmit = fn }

// OnAckAvail registers the handler signalled when the peer acknowledges a
// packet this endpoint submitted.
func (e *Endpoint) OnAckAvail(fn func()) { e.tx.onAck = fn }

// PacketAvail reports whether a received packet is waiting.
func (e *Endpoint) PacketAvail() bool { return len(e.rx.submitQ) > 0 }

// NextPacket takes the oldest received packet off the submit queue.
func (e *Endpoint) NextPacket() (Descriptor, bool) {
	if len(e.rx.submitQ) == 0 {
		return Descriptor{}, false
	}
	d := e.rx.submitQ[0]
	e.rx.submitQ = e.rx.submitQ[1:]
	return d, true
}

// PacketContent returns the payload bytes of a received packet.
func (e *Endpoint) PacketContent(d Descriptor) []byte { return e.rx.content(d) }

// Acknowledge returns a consumed packet to the peer. Exactly one
// acknowledgement per consumed packet.
func (e *Endpoint) Acknowledge(d Descriptor) {
	e.rx.ackQ = append(e.rx.ackQ, d)
	if fn := e.rx.onAck; fn != nil {
		e.disp.Post(fn)
	}
}

// AllocPacket reserves a transmit slot of the given size.
func (e *Endpoint) AllocPacket(size int) (Descriptor, error) {
	if size > e.tx.slotSize || len(e.tx.free) == 0 {
		return Descriptor{}, ErrNoSpace
	}
	slot := e.tx.free[len(e.tx.free)-1]
	e.tx.free = e.tx.free[:len(e.tx.free)-1]
	return Descriptor{slot: slot, size: size}, nil
}

// TxContent returns the payload bytes of an allocated transmit slot.
func (e *Endpoint) TxContent(d Descriptor) []byte { return e.tx.content(d) }

// Submit hands an allocated, filled packet to the peer.
func (e *Endpoint) Submit(d Descriptor) {
	e.tx.submitQ = append(e.tx.submitQ, d)
	if fn := e.tx.onSubmit; fn != nil {
		e.disp.Post(fn)
	}
}

// AckAvail reports whether the peer has acknowledged transmitted packets.
func (e *Endpoint) AckAvail() bool { return len(e.tx.ackQ) > 0 }

// ReleaseAcked returns all acknowledged transmit slots to the free list.
func (e *Endpoint) ReleaseAcked() {
	for _, d := range e.tx.ackQ {
		e.tx.free = append(e.tx.free, d.slot)
	}
	e.tx.ackQ = e.tx.ackQ[:0]
}
