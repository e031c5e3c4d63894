package pipeline

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quantrail/hftcore/exchange"
	"github.com/quantrail/hftcore/latency"
	"github.com/quantrail/hftcore/netparse"
	"github.com/quantrail/hftcore/pool"
)

func buildTCPFrame(t *testing.T, dstPort uint16) []byte {
	t.Helper()
	frame := make([]byte, 14+20+20)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	ip := frame[14:]
	ip[0] = 0x45
	ip[9] = 6
	copy(ip[12:16], net.ParseIP("10.0.0.1").To4())
	copy(ip[16:20], net.ParseIP("10.0.0.2").To4())
	tcp := ip[20:]
	binary.BigEndian.PutUint16(tcp[0:2], 50000)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4
	return frame
}

// fakeSource delivers a fixed slice of frames once each, then reports
// no more work (Next returns ok=false forever after) without blocking.
type fakeSource struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	pace   time.Duration
	closed bool
}

func (s *fakeSource) Next() ([]byte, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.frames) {
		return nil, 0, false
	}
	f := s.frames[s.idx]
	s.idx++
	if s.pace > 0 {
		time.Sleep(s.pace)
	}
	return f, time.Now().UnixNano(), true
}

func (s *fakeSource) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

type recordingSink struct {
	mu   sync.Mutex
	recs []netparse.Record
}

func (s *recordingSink) Deliver(rec netparse.Record, buf []byte) {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func newTestRegistry(t *testing.T) *exchange.Registry {
	t.Helper()
	r, err := exchange.New(exchange.DefaultDescriptors())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestPipelineDeliversFramesEndToEnd(t *testing.T) {
	p, err := pool.New(64, 256)
	if err != nil {
		t.Fatal(err)
	}
	reg := newTestRegistry(t)
	tr := latency.New(1000, 500, nil, nil)

	pl, err := New(Config{ParserWorkers: 1, BackoffSpins: 16}, p, reg, tr, 16)
	if err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	routeIdx, err := pl.AddSink(sink, 16)
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = buildTCPFrame(t, 4001)
	}
	src := &fakeSource{frames: frames}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pl.RunCapture(ctx, src, -1)
	pl.RunParserWorker(ctx, routeIdx, -1)
	pl.RunConsumer(ctx, routeIdx, -1)

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := sink.count(); got != n {
		t.Fatalf("expected %d delivered records, got %d", n, got)
	}

	stats := p.Stats()
	if stats.Allocated != 0 {
		t.Fatalf("expected all blocks released after delivery, got allocated=%d", stats.Allocated)
	}

	pl.Shutdown()
	cancel()
	pl.Wait()
}

// TestBackPressureShedsUnderOverload matches spec §8 end-to-end
// scenario 6: small ingress capacity, no parser draining it, frames
// injected steadily. Expected: most frames are shed, none are leaked.
func TestBackPressureShedsUnderOverload(t *testing.T) {
	p, err := pool.New(16, 256)
	if err != nil {
		t.Fatal(err)
	}
	reg := newTestRegistry(t)
	tr := latency.New(1000, 500, nil, nil)

	pl, err := New(Config{BackoffSpins: 4, ShedHighWatermark: 0.9, ShedLowWatermark: 0.7}, p, reg, tr, 16)
	if err != nil {
		t.Fatal(err)
	}

	const n = 100
	frames := make([][]byte, n)
	for i := range frames {
		frames[i] = buildTCPFrame(t, 4001)
	}
	src := &fakeSource{frames: frames, pace: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No parser worker is started: nothing drains the ingress queue,
	// matching scenario 6's "parser worker paused."
	pl.RunCapture(ctx, src, -1)

	deadline := time.Now().Add(3 * time.Second)
	for {
		src.mu.Lock()
		done := src.idx >= n
		src.mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	pl.Shutdown()
	cancel()
	pl.Wait()

	shed := pl.ShedCounters().IngressShed.Load()
	if shed < 80 {
		t.Fatalf("expected shed counter >= 80, got %d", shed)
	}

	stats := p.Stats()
	if stats.Allocated != int64(pl.Ingress().Size()) {
		t.Fatalf("expected no leaked blocks beyond what's still queued: allocated=%d queued=%d", stats.Allocated, pl.Ingress().Size())
	}
}
