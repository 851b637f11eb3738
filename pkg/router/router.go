package router

import (
	"context"
	"fmt"
	"time"

	"github.com/swrouter/swrouter/pkg/stream"
)

// Router owns the dispatcher, the configured domains and the attached
// interfaces, and drives the periodic sweep.
type Router struct {
	disp       *stream.Dispatcher
	domains    map[string]*Domain
	interfaces []*Interface
	now        func() time.Time
	sweep      *stream.Timer
}

// NewRouter creates an empty router around a fresh dispatcher.
func NewRouter() *Router {
	return &Router{
		disp:    stream.NewDispatcher(),
		domains: make(map[string]*Domain),
		now:     time.Now,
	}
}

// Dispatcher returns the single goroutine all packet work runs on.
func (r *Router) Dispatcher() *stream.Dispatcher { return r.disp }

// AddDomain registers a domain under its name.
func (r *Router) AddDomain(d *Domain) error {
	if _, dup := r.domains[d.Name()]; dup {
		return fmt.Errorf("duplicate domain %q", d.Name())
	}
	r.domains[d.Name()] = d
	return nil
}

// Domain looks up a registered domain.
func (r *Router) Domain(name string) (*Domain, bool) {
	d, ok := r.domains[name]
	return d, ok
}

// Domains returns all registered domains.
func (r *Router) Domains() []*Domain {
	out := make([]*Domain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	return out
}

// Attach creates an interface over an endpoint and adds it to the router.
func (r *Router) Attach(ep *stream.Endpoint, cfg Config) *Interface {
	if cfg.Now == nil {
		cfg.Now = r.now
	}
	i := New(r.disp, ep, cfg)
	r.interfaces = append(r.interfaces, i)
	return i
}

// Interfaces returns the attached interfaces.
func (r *Router) Interfaces() []*Interface { return r.interfaces }

// StartSweep arms the periodic link and lease expiry scan.
func (r *Router) StartSweep(interval time.Duration) {
	r.sweep = r.disp.Every(interval, func() {
		now := r.now()
		for _, i := range r.interfaces {
			i.Sweep(now)
		}
	})
}

// Run executes the dispatcher until ctx is cancelled, then tears down all
// interfaces.
func (r *Router) Run(ctx context.Context) {
	r.disp.Run(ctx)
	r.Close()
}

// Close detaches and destroys every interface and stops the sweep.
func (r *Router) Close() {
	if r.sweep != nil {
		r.sweep.Stop()
		r.sweep = nil
	}
	for _, i := range r.interfaces {
		i.Close()
	}
	r.interfaces = nil
}
