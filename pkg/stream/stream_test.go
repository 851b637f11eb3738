package stream

import (
	"errors"
	"testing"
	"time"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	d := NewDispatcher()
	var got []int
	for n := 0; n < 5; n++ {
		n := n
		d.Post(func() { got = append(got, n) })
	}
	if ran := d.RunPending(); ran != 5 {
		t.Fatalf("ran %d, want 5", ran)
	}
	for n, v := range got {
		if v != n {
			t.Fatalf("order %v", got)
		}
	}
}

func TestDispatcherAfter(t *testing.T) {
	d := NewDispatcher()
	fired := false
	d.After(time.Millisecond, func() { fired = true })

	deadline := time.Now().Add(time.Second)
	for !fired && time.Now().Before(deadline) {
		d.RunPending()
		time.Sleep(time.Millisecond)
	}
	if !fired {
		t.Fatal("timer callback never ran")
	}
}

func TestTimerStop(t *testing.T) {
	d := NewDispatcher()
	fired := false
	tm := d.After(time.Millisecond, func() { fired = true })
	tm.Stop()

	time.Sleep(20 * time.Millisecond)
	d.RunPending()
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestEndpointPacketCycle(t *testing.T) {
	disp := NewDispatcher()
	a, b := NewPair(disp, 2, 64)

	var bSignals int
	b.OnPacketAvail(func() { bSignals++ })

	d, err := a.AllocPacket(5)
	if err != nil {
		t.Fatalf("AllocPacket: %v", err)
	}
	copy(a.TxContent(d), "hello")
	a.Submit(d)
	disp.RunPending()

	if bSignals != 1 {
		t.Fatalf("submit signals = %d, want 1", bSignals)
	}
	got, ok := b.NextPacket()
	if !ok {
		t.Fatal("no packet on consumer side")
	}
	if string(b.PacketContent(got)) != "hello" {
		t.Errorf("content = %q", b.PacketContent(got))
	}

	// Acknowledge and release returns the slot to the producer.
	b.Acknowledge(got)
	disp.RunPending()
	if !a.AckAvail() {
		t.Fatal("no ack on producer side")
	}
	a.ReleaseAcked()
}

func TestAllocPacketBackpressure(t *testing.T) {
	disp := NewDispatcher()
	a, b := NewPair(disp, 1, 64)

	if _, err := a.AllocPacket(128); !errors.Is(err, ErrNoSpace) {
		t.Errorf("oversize alloc: err = %v, want ErrNoSpace", err)
	}

	d, err := a.AllocPacket(10)
	if err != nil {
		t.Fatalf("AllocPacket: %v", err)
	}
	if _, err := a.AllocPacket(10); !errors.Is(err, ErrNoSpace) {
		t.Errorf("exhausted alloc: err = %v, want ErrNoSpace", err)
	}

	// The slot comes back only after the full ack round trip.
	a.Submit(d)
	got, _ := b.NextPacket()
	b.Acknowledge(got)
	disp.RunPending()
	a.ReleaseAcked()
	if _, err := a.AllocPacket(10); err != nil {
		t.Errorf("alloc after release: %v", err)
	}
}
