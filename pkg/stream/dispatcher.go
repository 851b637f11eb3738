// Package stream implements the packet transport between a virtual domain
// and the router: flow-controlled sink/source queues with explicit
// allocate/submit/acknowledge steps, and the cooperative dispatcher that
// serializes all packet handlers on a single goroutine.
package stream

import (
	"context"
	"sync"
	"time"
)

// Dispatcher runs posted functions one at a time on a single goroutine.
// Every interface handler, timer callback and teardown runs through it, so
// router state needs no locking.
type Dispatcher struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// NewDispatcher creates an idle dispatcher. Nothing executes until Run or
// RunPending is called.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{wake: make(chan struct{}, 1)}
}

// Post enqueues fn for execution on the dispatcher goroutine. Safe to call
// from any goroutine.
func (d *Dispatcher) Post(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run executes posted functions until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if d.RunPending() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// RunPending drains the queue on the calling goroutine and returns the
// number of functions executed. Tests use it to pump signals synchronously.
func (d *Dispatcher) RunPending() int {
	n := 0
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return n
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
		n++
	}
}

// Timer is a pending one-shot or periodic callback on the dispatcher.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

// Stop cancels the timer. A callback already posted may still run.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
	t.mu.Unlock()
}

// After schedules fn on the dispatcher after delay.
func (d *Dispatcher) After(delay time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(delay, func() {
		d.Post(func() {
			tm.mu.Lock()
			stopped := tm.stopped
			tm.mu.Unlock()
			if !stopped {
				fn()
			}
		})
	})
	return tm
}

// Every schedules fn on the dispatcher at the given interval until the
// returned timer is stopped.
func (d *Dispatcher) Every(interval time.Duration, fn func()) *Timer {
	tm := &Timer{}
	var arm func()
	arm = func() {
		tm.mu.Lock()
		if tm.stopped {
			tm.mu.Unlock()
			return
		}
		tm.t = time.AfterFunc(interval, func() {
			d.Post(func() {
				tm.mu.Lock()
				stopped := tm.stopped
				tm.mu.Unlock()
				if stopped {
					return
				}
				fn()
				arm()
			})
		})
		tm.mu.Unlock()
	}
	arm()
	return tm
}
