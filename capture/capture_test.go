package capture

import (
	"net"
	"testing"
	"time"

	"github.com/quantrail/hftcore/exchange"
	"github.com/quantrail/hftcore/netparse"
)

func registryForTest(t *testing.T) *exchange.Registry {
	t.Helper()
	r, err := exchange.New(exchange.DefaultDescriptors())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestSyntheticFramesParseAsNYSE(t *testing.T) {
	s := NewSynthetic(4001, time.Millisecond)
	defer s.Close()

	frame, ts, ok := s.Next()
	if !ok {
		t.Fatal("expected a frame before Close")
	}
	if ts == 0 {
		t.Fatal("expected a nonzero capture timestamp")
	}

	reg := registryForTest(t)
	var counters netparse.Counters
	rec, parsed := netparse.Parse(frame, reg, ts, &counters)
	if !parsed {
		t.Fatal("expected synthetic frame to parse")
	}
	if rec.ExchangeID != exchange.NYSE {
		t.Fatalf("expected NYSE, got %d", rec.ExchangeID)
	}
	if !rec.IsFIX {
		t.Fatal("expected synthetic frame to carry a FIX prefix")
	}
}

func TestSyntheticCloseStopsDelivery(t *testing.T) {
	s := NewSynthetic(4001, 0)
	s.Close()
	if _, _, ok := s.Next(); ok {
		t.Fatal("expected Next to report ok=false after Close")
	}
}

func TestLoopbackWrapsDatagramAsFrame(t *testing.T) {
	lb, err := ListenLoopback(0, 4002)
	if err != nil {
		t.Fatal(err)
	}
	defer lb.Close()

	go func() {
		conn, err := net.DialUDP("udp", nil, lb.Addr())
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("8=FIX.4.2\x019=000\x01"))
	}()

	frame, _, ok := lb.Next()
	if !ok {
		t.Fatal("expected a delivered frame")
	}

	reg := registryForTest(t)
	var counters netparse.Counters
	rec, parsed := netparse.Parse(frame, reg, 1, &counters)
	if !parsed {
		t.Fatal("expected wrapped loopback datagram to parse")
	}
	if rec.ExchangeID != exchange.NASDAQ {
		t.Fatalf("expected NASDAQ (port 4002), got %d", rec.ExchangeID)
	}
	if rec.Protocol != netparse.ProtocolUDP {
		t.Fatalf("expected UDP, got %v", rec.Protocol)
	}
}

func TestLoopbackCloseUnblocksNext(t *testing.T) {
	lb, err := ListenLoopback(0, 4001)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		lb.Next()
		close(done)
	}()
	lb.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Close to unblock a pending Next")
	}
}
