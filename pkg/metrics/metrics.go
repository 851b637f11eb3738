// Package metrics exports router state to Prometheus. The collector reads
// only atomic counters on scrape, so it never has to synchronize with the
// dispatcher goroutine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/swrouter/swrouter/pkg/router"
	"github.com/swrouter/swrouter/pkg/wire"
)

// Collector implements prometheus.Collector over a router instance.
type Collector struct {
	r *router.Router

	forwardedTotal   *prometheus.Desc
	droppedTotal     *prometheus.Desc
	postponedTotal   *prometheus.Desc
	resumedTotal     *prometheus.Desc
	cancelledTotal   *prometheus.Desc
	txFullTotal      *prometheus.Desc
	linksCreated     *prometheus.Desc
	linksDissolved   *prometheus.Desc
	linksActive      *prometheus.Desc
	leasesGranted    *prometheus.Desc
	leasesRevoked    *prometheus.Desc
	leasesActive     *prometheus.Desc
	domainBytesTotal *prometheus.Desc
	natPoolUsed      *prometheus.Desc
	natPoolTotal     *prometheus.Desc
}

// NewCollector creates a collector over r.
func NewCollector(r *router.Router) *Collector {
	return &Collector{
		r: r,

		forwardedTotal: prometheus.NewDesc(
			"swrouter_packets_forwarded_total",
			"Total frames forwarded or answered.",
			[]string{"interface"}, nil,
		),
		droppedTotal: prometheus.NewDesc(
			"swrouter_packets_dropped_total",
			"Total frames dropped.",
			[]string{"interface", "severity"}, nil,
		),
		postponedTotal: prometheus.NewDesc(
			"swrouter_packets_postponed_total",
			"Total frames parked awaiting ARP resolution.",
			[]string{"interface"}, nil,
		),
		resumedTotal: prometheus.NewDesc(
			"swrouter_packets_resumed_total",
			"Total parked frames re-dispatched after resolution.",
			[]string{"interface"}, nil,
		),
		cancelledTotal: prometheus.NewDesc(
			"swrouter_waiters_cancelled_total",
			"Total parked frames discarded at teardown.",
			[]string{"interface"}, nil,
		),
		txFullTotal: prometheus.NewDesc(
			"swrouter_tx_queue_full_total",
			"Total frames dropped for lack of a transmit slot.",
			[]string{"interface"}, nil,
		),
		linksCreated: prometheus.NewDesc(
			"swrouter_links_created_total",
			"Total transport links opened.",
			[]string{"interface"}, nil,
		),
		linksDissolved: prometheus.NewDesc(
			"swrouter_links_dissolved_total",
			"Total transport links dissolved.",
			[]string{"interface"}, nil,
		),
		linksActive: prometheus.NewDesc(
			"swrouter_links_active",
			"Transport links currently indexed.",
			[]string{"interface"}, nil,
		),
		leasesGranted: prometheus.NewDesc(
			"swrouter_dhcp_leases_granted_total",
			"Total DHCP allocations handed out.",
			[]string{"interface"}, nil,
		),
		leasesRevoked: prometheus.NewDesc(
			"swrouter_dhcp_leases_revoked_total",
			"Total DHCP allocations released or expired.",
			[]string{"interface"}, nil,
		),
		leasesActive: prometheus.NewDesc(
			"swrouter_dhcp_leases_active",
			"DHCP allocations currently held.",
			[]string{"interface"}, nil,
		),
		domainBytesTotal: prometheus.NewDesc(
			"swrouter_domain_bytes_total",
			"Total bytes per domain.",
			[]string{"domain", "direction"}, nil,
		),
		natPoolUsed: prometheus.NewDesc(
			"swrouter_nat_pool_used_ports",
			"NAT ports currently allocated per domain pair.",
			[]string{"domain", "client", "proto"}, nil,
		),
		natPoolTotal: prometheus.NewDesc(
			"swrouter_nat_pool_total_ports",
			"NAT port pool capacity per domain pair.",
			[]string{"domain", "client", "proto"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.forwardedTotal
	ch <- c.droppedTotal
	ch <- c.postponedTotal
	ch <- c.resumedTotal
	ch <- c.cancelledTotal
	ch <- c.txFullTotal
	ch <- c.linksCreated
	ch <- c.linksDissolved
	ch <- c.linksActive
	ch <- c.leasesGranted
	ch <- c.leasesRevoked
	ch <- c.leasesActive
	ch <- c.domainBytesTotal
	ch <- c.natPoolUsed
	ch <- c.natPoolTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, i := range c.r.Interfaces() {
		s := i.Stats()
		name := i.Name()

		ch <- prometheus.MustNewConstMetric(c.forwardedTotal, prometheus.CounterValue,
			float64(s.Forwarded.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.droppedTotal, prometheus.CounterValue,
			float64(s.DroppedInform.Load()), name, "inform")
		ch <- prometheus.MustNewConstMetric(c.droppedTotal, prometheus.CounterValue,
			float64(s.DroppedWarn.Load()), name, "warn")
		ch <- prometheus.MustNewConstMetric(c.postponedTotal, prometheus.CounterValue,
			float64(s.Postponed.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.resumedTotal, prometheus.CounterValue,
			float64(s.Resumed.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.cancelledTotal, prometheus.CounterValue,
			float64(s.WaitersCancelled.Load()), name)
		ch <- prometheus.MustNewConstMetric(c.txFullTotal, prometheus.CounterValue,
			float64(s.TxNoSpace.Load()), name)

		created, dissolved := s.LinksCreated.Load(), s.LinksDissolved.Load()
		ch <- prometheus.MustNewConstMetric(c.linksCreated, prometheus.CounterValue,
			float64(created), name)
		ch <- prometheus.MustNewConstMetric(c.linksDissolved, prometheus.CounterValue,
			float64(dissolved), name)
		ch <- prometheus.MustNewConstMetric(c.linksActive, prometheus.GaugeValue,
			float64(created-dissolved), name)

		granted, revoked := i.LeaseStats()
		ch <- prometheus.MustNewConstMetric(c.leasesGranted, prometheus.CounterValue,
			float64(granted), name)
		ch <- prometheus.MustNewConstMetric(c.leasesRevoked, prometheus.CounterValue,
			float64(revoked), name)
		ch <- prometheus.MustNewConstMetric(c.leasesActive, prometheus.GaugeValue,
			float64(granted-revoked), name)
	}

	for _, d := range c.r.Domains() {
		ch <- prometheus.MustNewConstMetric(c.domainBytesTotal, prometheus.CounterValue,
			float64(d.RxBytes()), d.Name(), "rx")
		ch <- prometheus.MustNewConstMetric(c.domainBytesTotal, prometheus.CounterValue,
			float64(d.TxBytes()), d.Name(), "tx")

		d.EachNATRule(func(client *router.Domain, r *router.NATRule) {
			for _, proto := range []wire.IPProto{wire.ProtoTCP, wire.ProtoUDP} {
				pool := r.PortAllocatorFor(proto)
				if pool == nil {
					continue
				}
				ch <- prometheus.MustNewConstMetric(c.natPoolUsed, prometheus.GaugeValue,
					float64(pool.Used()), d.Name(), client.Name(), proto.String())
				ch <- prometheus.MustNewConstMetric(c.natPoolTotal, prometheus.GaugeValue,
					float64(pool.Capacity()), d.Name(), client.Name(), proto.String())
			}
		})
	}
}

// Register installs the collector on a registry.
func Register(reg prometheus.Registerer, r *router.Router) error {
	return reg.Register(NewCollector(r))
}
