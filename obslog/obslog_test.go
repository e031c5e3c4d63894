package obslog

import (
	"testing"
	"time"

	"github.com/quantrail/hftcore/metrics"
	"github.com/quantrail/hftcore/netparse"
)

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := Nop()
	l.PoolConstructed(64, 1024)
	l.QueueConstructed("ingress", 16)
	l.RegistryConstructed(3)
	l.PipelineStarted(1, 4, 1)
	l.ShedTransition("ingress", true, 0.95)
	l.ConfigLoaded([32]byte{1, 2, 3}, 2)
	l.ConfigWarning("pool.pool_bytes", "rounded 100 up to 128")
	l.MetricsSnapshot(metrics.Snapshot{})
	l.RecordDelivered(netparse.Record{ExchangeID: 1, Protocol: netparse.ProtocolTCP, IsFIX: true, FrameLen: 64})
	l.Fatal("config", errBoom)
	l.PipelineStopped()
	if err := l.Sync(); err != nil {
		t.Fatalf("unexpected sync error from nop logger: %v", err)
	}
}

var errBoom = simpleErr("boom")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func TestShedThrottlerLimitsRate(t *testing.T) {
	th := NewShedThrottler(50 * time.Millisecond)
	if !th.Allow("ingress") {
		t.Fatal("expected first call to be allowed")
	}
	if th.Allow("ingress") {
		t.Fatal("expected immediate second call to be throttled")
	}
	if !th.Allow("egress-0") {
		t.Fatal("expected a different queue name to be allowed independently")
	}
	time.Sleep(60 * time.Millisecond)
	if !th.Allow("ingress") {
		t.Fatal("expected call to be allowed again after the interval elapsed")
	}
}

func TestHex32Formatting(t *testing.T) {
	var digest [32]byte
	digest[0] = 0xab
	digest[31] = 0xcd
	got := hex32(digest)
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if got[0:2] != "ab" || got[62:64] != "cd" {
		t.Fatalf("unexpected hex encoding: %s", got)
	}
}
