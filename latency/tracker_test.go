package latency

import (
	"math"
	"testing"
)

func TestRecordBasicStats(t *testing.T) {
	tr := New(1000, 500, []int32{1}, map[int32]uint32{1: 500})
	for i := uint32(1); i <= 100; i++ {
		tr.Record(i*1000, 1, 0) // 1us, 2us, ... 100us in nanoseconds
	}
	st := tr.Stats()
	if st.Count != 100 {
		t.Fatalf("expected count 100, got %d", st.Count)
	}
	if st.MinNs != 1000 || st.MaxNs != 100000 {
		t.Fatalf("expected min=1000 max=100000, got min=%d max=%d", st.MinNs, st.MaxNs)
	}
}

// TestEndToEndScenario5 matches spec §8 end-to-end scenario 5: 200,000
// samples of 1..200,000us fed into a 100,000-sample window.
func TestEndToEndScenario5(t *testing.T) {
	tr := New(100000, 500, nil, nil)
	for us := uint32(1); us <= 200000; us++ {
		tr.Record(us*1000, 0, 0)
	}
	st := tr.Stats()
	if st.Count != 200000 {
		t.Fatalf("expected lifetime count 200000, got %d", st.Count)
	}
	if st.MinNs != 1000 {
		t.Fatalf("expected lifetime min 1000ns, got %d", st.MinNs)
	}
	if st.MaxNs != 200000000 {
		t.Fatalf("expected lifetime max 200000000ns, got %d", st.MaxNs)
	}
	// window holds only the last 100,000 samples: 100,001..200,000 us,
	// so the windowed p50 should sit near 150,000us.
	p50 := tr.Percentile(50)
	if p50 < 149000 || p50 > 151000 {
		t.Fatalf("expected windowed p50 near 150000us, got %f", p50)
	}
}

func TestRecordFromTimestampsDropsNonPositiveDelta(t *testing.T) {
	tr := New(100, 500, nil, nil)
	tr.RecordFromTimestamps(1000, 1000, 0, 0) // recv == send
	tr.RecordFromTimestamps(2000, 1000, 0, 0) // recv < send
	tr.RecordFromTimestamps(1000, 2000, 0, 0) // valid: 1000ns

	st := tr.Stats()
	if st.Count != 1 {
		t.Fatalf("expected only the valid sample to be recorded, got count=%d", st.Count)
	}
	if st.DroppedSamples != 2 {
		t.Fatalf("expected 2 dropped samples, got %d", st.DroppedSamples)
	}
}

func TestRecordFromTimestampsClampsOverflow(t *testing.T) {
	tr := New(10, 500, nil, nil)
	const big = int64(1) << 40
	tr.RecordFromTimestamps(0, big, 0, 0)
	st := tr.Stats()
	if st.MaxNs != math.MaxUint32 {
		t.Fatalf("expected clamp to 2^32-1, got %d", st.MaxNs)
	}
}

func TestStatsByExchangeIsolatesSamples(t *testing.T) {
	tr := New(1000, 500, []int32{1, 2}, map[int32]uint32{1: 500, 2: 200})
	for i := 0; i < 10; i++ {
		tr.Record(1000, 1, 0)
	}
	for i := 0; i < 5; i++ {
		tr.Record(2000, 2, 0)
	}

	s1, ok := tr.StatsByExchange(1)
	if !ok || s1.Count != 10 {
		t.Fatalf("expected exchange 1 count=10, got ok=%v count=%d", ok, s1.Count)
	}
	s2, ok := tr.StatsByExchange(2)
	if !ok || s2.Count != 5 {
		t.Fatalf("expected exchange 2 count=5, got ok=%v count=%d", ok, s2.Count)
	}
	if s2.TargetUs != 200 {
		t.Fatalf("expected exchange 2 target 200us, got %d", s2.TargetUs)
	}

	global := tr.Stats()
	if global.Count != 15 {
		t.Fatalf("expected global count=15, got %d", global.Count)
	}
}

func TestStatsByExchangeUnknownIDReturnsFalse(t *testing.T) {
	tr := New(100, 500, []int32{1}, nil)
	if _, ok := tr.StatsByExchange(99); ok {
		t.Fatal("expected unknown exchange id to report ok=false")
	}
}

func TestViolationRateReflectsTarget(t *testing.T) {
	tr := New(100, 100, nil, nil) // target 100us = 100000ns
	for i := 0; i < 8; i++ {
		tr.Record(50000, 0, 0) // under target
	}
	for i := 0; i < 2; i++ {
		tr.Record(200000, 0, 0) // over target
	}
	st := tr.Stats()
	if st.ViolationRate < 0.19 || st.ViolationRate > 0.21 {
		t.Fatalf("expected violation rate near 0.2, got %f", st.ViolationRate)
	}
}

func TestPercentileMonotonic(t *testing.T) {
	tr := New(1000, 500, nil, nil)
	for i := uint32(1); i <= 1000; i++ {
		tr.Record(i*100, 0, 0)
	}
	prev := 0.0
	for _, p := range []float64{10, 25, 50, 75, 90, 99, 99.9} {
		v := tr.Percentile(p)
		if v < prev {
			t.Fatalf("percentile not monotonic: p=%v value=%v came after %v", p, v, prev)
		}
		prev = v
	}
}

func TestWindowEvictsOldestSamples(t *testing.T) {
	tr := New(10, 500, nil, nil)
	for i := uint32(1); i <= 10; i++ {
		tr.Record(i, 0, 0)
	}
	tr.Record(9999, 0, 0) // evicts the sample with value 1
	st := tr.Stats()
	if st.MaxNs != 9999 {
		t.Fatalf("expected lifetime max 9999, got %d", st.MaxNs)
	}
	// the window now holds 2..10 and 9999, so its smallest value is 2ns.
	if p0 := tr.Percentile(0); p0 != 0.002 {
		t.Fatalf("expected windowed minimum 0.002us after eviction, got %v", p0)
	}
	// lifetime count must still include every sample recorded.
	if st.Count != 11 {
		t.Fatalf("expected lifetime count 11, got %d", st.Count)
	}
}
