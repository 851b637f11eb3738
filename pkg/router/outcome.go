// Package router implements the per-interface packet engine of the domain
// router: Ethernet frame dispatch, ARP resolution and proxying, DHCP client
// and server state machines, NAT link tracking and the deferred-packet
// resumption path. It also holds the Domain policy store the dispatch path
// queries: forward rules, transport rules, NAT rules, port pools and the
// per-domain ARP cache.
package router

import "fmt"

// Verdict classifies what happened to one frame.
type Verdict uint8

const (
	// VerdictForwarded means the frame was translated and handed to the
	// destination interface's send path (or answered locally).
	VerdictForwarded Verdict = iota
	// VerdictDropped means the frame was discarded; the reason carries the
	// diagnostic and its severity.
	VerdictDropped
	// VerdictPostponed means processing stopped pending ARP resolution; the
	// frame is held by a waiter and must not be acknowledged yet.
	VerdictPostponed
)

// Severity distinguishes expected drops from suspicious ones.
type Severity uint8

const (
	// SeverityInform marks drops that are normal policy outcomes, such as a
	// missing rule or an unsolicited ARP reply.
	SeverityInform Severity = iota
	// SeverityWarn marks drops that indicate malformed input or resource
	// exhaustion.
	SeverityWarn
)

// Outcome is the result of handling one frame. Handlers return it instead
// of raising errors; per-packet failures never escape the dispatch loop.
type Outcome struct {
	Verdict  Verdict
	Severity Severity
	Reason   string
}

func forwarded() Outcome { return Outcome{Verdict: VerdictForwarded} }

func postponed() Outcome { return Outcome{Verdict: VerdictPostponed} }

func dropInform(format string, args ...any) Outcome {
	return Outcome{Verdict: VerdictDropped, Severity: SeverityInform, Reason: fmt.Sprintf(format, args...)}
}

func dropWarn(format string, args ...any) Outcome {
	return Outcome{Verdict: VerdictDropped, Severity: SeverityWarn, Reason: fmt.Sprintf(format, args...)}
}
