// Package metrics implements the read-only snapshot surface of spec
// §4.7 (C7): a single struct aggregating counters from the pool,
// queues, parser workers, latency tracker, and pipeline shed counters.
// Readers copy the struct; no locks are taken, matching spec's
// "Readers copy the struct; no locks are taken."
package metrics

import (
	"github.com/quantrail/hftcore/latency"
	"github.com/quantrail/hftcore/netparse"
	"github.com/quantrail/hftcore/pool"
	"github.com/quantrail/hftcore/queue"
)

// Snapshot is the C7 read-only aggregate. Every field is copied by
// value from its source counters at the instant Collect is called;
// there is no guarantee the fields are mutually consistent under
// concurrent mutation, matching spec §4.4's "readers may see a torn
// snapshot" note extended to the whole surface.
type Snapshot struct {
	Pool    pool.Stats
	Ingress queue.Stats
	Egress  []queue.Stats

	PacketsParsed     uint64
	BytesProcessed    uint64
	MalformedRejected uint64
	NonTradingSkipped uint64

	Latency latency.Stats

	IngressShed uint64
	EgressShed  uint64
}

// EgressQueue is the minimal surface Collect needs per downstream
// sink queue, satisfied by *queue.Queue.
type EgressQueue interface {
	Stats() queue.Stats
}

// ShedSource is the minimal surface Collect needs from the pipeline's
// shed counters.
type ShedSource interface {
	IngressSheds() uint64
	EgressSheds() uint64
}

// Collect builds one Snapshot from its component sources. parserCounters
// may contain one entry per parser worker; Collect sums them, matching
// spec §5's "Parser state (counters) is per-worker; aggregated only by
// C7 snapshot."
func Collect(p *pool.Pool, ingress *queue.Queue, egress []EgressQueue, parserCounters []*netparse.Counters, tr *latency.Tracker, shed ShedSource) Snapshot {
	snap := Snapshot{
		Pool:    p.Stats(),
		Ingress: ingress.Stats(),
		Latency: tr.Stats(),
	}
	for _, q := range egress {
		snap.Egress = append(snap.Egress, q.Stats())
	}
	for _, c := range parserCounters {
		snap.PacketsParsed += c.PacketsParsed
		snap.BytesProcessed += c.BytesProcessed
		snap.MalformedRejected += c.MalformedRejected
		snap.NonTradingSkipped += c.NonTradingSkipped
	}
	if shed != nil {
		snap.IngressShed = shed.IngressSheds()
		snap.EgressShed = shed.EgressSheds()
	}
	return snap
}
