package metrics

import (
	"testing"

	"github.com/quantrail/hftcore/latency"
	"github.com/quantrail/hftcore/netparse"
	"github.com/quantrail/hftcore/pool"
	"github.com/quantrail/hftcore/queue"
)

type fakeShed struct{ in, eg uint64 }

func (f fakeShed) IngressSheds() uint64 { return f.in }
func (f fakeShed) EgressSheds() uint64  { return f.eg }

func TestCollectSumsParserCounters(t *testing.T) {
	p, err := pool.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.New(8)
	if err != nil {
		t.Fatal(err)
	}
	egressQ, err := queue.New(4)
	if err != nil {
		t.Fatal(err)
	}
	tr := latency.New(100, 500, nil, nil)

	c1 := &netparse.Counters{PacketsParsed: 10, BytesProcessed: 1000, MalformedRejected: 1, NonTradingSkipped: 2}
	c2 := &netparse.Counters{PacketsParsed: 5, BytesProcessed: 500, MalformedRejected: 0, NonTradingSkipped: 1}

	snap := Collect(p, q, []EgressQueue{egressQ}, []*netparse.Counters{c1, c2}, tr, fakeShed{in: 3, eg: 1})

	if snap.PacketsParsed != 15 {
		t.Fatalf("expected PacketsParsed=15, got %d", snap.PacketsParsed)
	}
	if snap.BytesProcessed != 1500 {
		t.Fatalf("expected BytesProcessed=1500, got %d", snap.BytesProcessed)
	}
	if snap.MalformedRejected != 1 || snap.NonTradingSkipped != 3 {
		t.Fatalf("unexpected reject/skip totals: %+v", snap)
	}
	if snap.IngressShed != 3 || snap.EgressShed != 1 {
		t.Fatalf("unexpected shed totals: %+v", snap)
	}
	if len(snap.Egress) != 1 {
		t.Fatalf("expected one egress queue snapshot, got %d", len(snap.Egress))
	}
	if snap.Pool.NumBlocks != 4 {
		t.Fatalf("expected pool snapshot to reflect construction, got %+v", snap.Pool)
	}
}

func TestCollectWithNoShedSource(t *testing.T) {
	p, err := pool.New(2, 32)
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.New(4)
	if err != nil {
		t.Fatal(err)
	}
	tr := latency.New(10, 500, nil, nil)

	snap := Collect(p, q, nil, nil, tr, nil)
	if snap.IngressShed != 0 || snap.EgressShed != 0 {
		t.Fatalf("expected zero shed counters with nil source, got %+v", snap)
	}
}
