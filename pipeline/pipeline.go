// Package pipeline wires the capture/parse/consume topology of spec
// §4.6 (C6): per-source capture actors feed a pool-backed ingress
// queue, a fixed worker pool parses and classifies, and consumer sinks
// drain a per-sink egress queue and release blocks back to the pool.
//
// The actor-plus-pinned-goroutine shape is grounded on the teacher
// repository's router.runLoop + ring.PinnedConsumer: a dedicated
// goroutine locked to an OS thread, polling a lock-free queue in a
// tight loop, draining until a shutdown flag is observed. Where the
// teacher's control package keeps that flag as package-level global
// state shared by every consumer, spec §9's Design Notes calls that
// pattern out for re-architecture ("pass an explicit Pipeline context
// ... share by reference, never by ambient globals") — so here the
// stop flag and shed state are fields on *Pipeline, created
// fresh per instance and threaded through explicitly.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/quantrail/hftcore/exchange"
	"github.com/quantrail/hftcore/internal/affinity"
	"github.com/quantrail/hftcore/internal/cpupause"
	"github.com/quantrail/hftcore/latency"
	"github.com/quantrail/hftcore/netparse"
	"github.com/quantrail/hftcore/obslog"
	"github.com/quantrail/hftcore/pool"
	"github.com/quantrail/hftcore/queue"
)

// CaptureSource yields raw frames to a capture actor. Next blocks until
// a frame is available or the source is closed, mirroring spec §6's
// "initial capture-socket I/O outside this spec" — real NIC capture is
// a collaborator implementing this interface; Close stops delivery.
type CaptureSource interface {
	Next() (frame []byte, captureTSNs int64, ok bool)
	Close()
}

// Sink consumes a parsed record and the block carrying its raw bytes.
// It must not retain buf past return, and must not call pool.Release
// itself — the consumer actor releases after Deliver returns, per
// spec §6's "consumers must call release(BlockHandle) exactly once."
type Sink interface {
	Deliver(rec netparse.Record, buf []byte)
}

// ShedCounters tallies spec §4.6's back-pressure outcomes, split by
// direction since ingress shedding (dropped frames) and egress
// shedding (dropped parsed records) are counted separately.
type ShedCounters struct {
	IngressShed atomic.Uint64
	EgressShed  atomic.Uint64
}

// IngressSheds and EgressSheds satisfy metrics.ShedSource.
func (c *ShedCounters) IngressSheds() uint64 { return c.IngressShed.Load() }
func (c *ShedCounters) EgressSheds() uint64  { return c.EgressShed.Load() }

// hysteresis implements spec §4.6's shed-mode watermark: once fill
// ratio exceeds High, shed mode engages and stays engaged until fill
// ratio drops below Low. The gap between the two watermarks prevents
// the mode from chattering around a single threshold.
type hysteresis struct {
	high, low float64
	shedding  atomic.Bool
}

// update advances the hysteresis with a fresh fill-ratio observation.
// It returns the post-update shed state and whether that state just
// changed, so callers can log transitions without logging every poll.
func (h *hysteresis) update(fillRatio float64) (engaged, changed bool) {
	was := h.shedding.Load()
	if was {
		if fillRatio < h.low {
			h.shedding.Store(false)
		}
	} else if fillRatio > h.high {
		h.shedding.Store(true)
	}
	now := h.shedding.Load()
	return now, now != was
}

// Config holds the orchestrator knobs from spec §6: parser_workers,
// shed_high_watermark, shed_low_watermark, backoff_spins,
// backoff_yield_after, plus per-actor CPU affinity lists. The
// *CoreIDs lists are not read by the Run* methods; each of those takes
// its core id as an argument instead.
type Config struct {
	ParserWorkers     int
	ShedHighWatermark float64
	ShedLowWatermark  float64
	BackoffSpins      int
	BackoffYieldAfter int
	CaptureCoreIDs    []int // one per capture source, -1 to skip pinning
	ParserCoreIDs     []int // one per parser worker, -1 to skip pinning
	ConsumerCoreIDs   []int // one per consumer sink, -1 to skip pinning

	// ShedLogger and ShedThrottle, if both set, turn shed-mode
	// transitions into throttled cold-path log lines per spec §4.9.
	// Leaving either nil disables shed-transition logging entirely.
	ShedLogger   *obslog.Logger
	ShedThrottle *obslog.ShedThrottler
}

func (c Config) withDefaults() Config {
	if c.ParserWorkers <= 0 {
		c.ParserWorkers = 1
	}
	if c.ShedHighWatermark <= 0 {
		c.ShedHighWatermark = 0.9
	}
	if c.ShedLowWatermark <= 0 {
		c.ShedLowWatermark = 0.7
	}
	if c.BackoffSpins <= 0 {
		c.BackoffSpins = 256
	}
	if c.BackoffYieldAfter <= 0 {
		c.BackoffYieldAfter = 64
	}
	return c
}

// egressRoute pairs one downstream sink with the egress queue parser
// workers publish into and the shed-mode hysteresis guarding it.
type egressRoute struct {
	name  string
	sink  Sink
	queue *queue.Queue
	shed  *hysteresis
}

// Pipeline is the explicit, per-instance context spec §9 asks for in
// place of the teacher's package-level control flags: it owns the
// pool, registry, tracker, queues, and shutdown/shed state for exactly
// one run.
type Pipeline struct {
	cfg      Config
	pool     *pool.Pool
	registry *exchange.Registry
	tracker  *latency.Tracker

	ingress      *queue.Queue
	ingressShed  *hysteresis
	egress       []*egressRoute
	shedCounters ShedCounters

	shedLogger   *obslog.Logger
	shedThrottle *obslog.ShedThrottler

	stop atomic.Bool

	wg sync.WaitGroup
}

// frameHandle is the payload carried through the ingress and egress
// queues: a pool handle, the byte length actually written into that
// block, the capture timestamp, and — once a parser worker has run —
// the classified record. One frameHandle is allocated per frame and
// travels by pointer through both queues so the parsed record never
// needs a second lookup on the egress side. Per spec §9's Design
// Notes, this is the "small fixed-layout record" replacing any notion
// of serializing payloads for transport.
type frameHandle struct {
	block   pool.Handle
	n       int
	capture int64
	rec     netparse.Record
	parsed  bool
}

func unsafeFrom(fh *frameHandle) unsafe.Pointer { return unsafe.Pointer(fh) }

func frameHandleFrom(ptr unsafe.Pointer) *frameHandle { return (*frameHandle)(ptr) }

// New builds a Pipeline bound to the given pool, registry, latency
// tracker, and ingress capacity. Call AddSink once per downstream
// consumer before starting actors with RunCapture, RunParserWorker and
// RunConsumer.
func New(cfg Config, p *pool.Pool, reg *exchange.Registry, tr *latency.Tracker, ingressCapacity int) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	ingress, err := queue.New(ingressCapacity,
		queue.WithBackoffSpins(cfg.BackoffSpins),
		queue.WithBackoffYieldAfter(cfg.BackoffYieldAfter),
	)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:          cfg,
		pool:         p,
		registry:     reg,
		tracker:      tr,
		ingress:      ingress,
		ingressShed:  &hysteresis{high: cfg.ShedHighWatermark, low: cfg.ShedLowWatermark},
		shedLogger:   cfg.ShedLogger,
		shedThrottle: cfg.ShedThrottle,
	}, nil
}

// updateShed advances h and, on a transition, emits a throttled shed
// log line via the pipeline's configured logger (if any).
func (p *Pipeline) updateShed(h *hysteresis, name string, fillRatio float64) bool {
	engaged, changed := h.update(fillRatio)
	if changed && p.shedLogger != nil && p.shedThrottle != nil && p.shedThrottle.Allow(name) {
		p.shedLogger.ShedTransition(name, engaged, fillRatio)
	}
	return engaged
}

// AddSink registers a consumer sink with its own egress queue and
// returns the route index, used by parser workers to pick a
// destination (round-robin in RunParserWorker's caller, or by whatever
// routing policy the driver wants).
func (p *Pipeline) AddSink(sink Sink, egressCapacity int) (int, error) {
	q, err := queue.New(egressCapacity,
		queue.WithBackoffSpins(p.cfg.BackoffSpins),
		queue.WithBackoffYieldAfter(p.cfg.BackoffYieldAfter),
	)
	if err != nil {
		return 0, err
	}
	idx := len(p.egress)
	route := &egressRoute{
		name:  fmt.Sprintf("egress-%d", idx),
		sink:  sink,
		queue: q,
		shed:  &hysteresis{high: p.cfg.ShedHighWatermark, low: p.cfg.ShedLowWatermark},
	}
	p.egress = append(p.egress, route)
	return idx, nil
}

// Shutdown requests graceful termination: spec §4.6's "single atomic
// shutdown flag ... observing shutdown drains the queue until empty,
// releases any held blocks, and exits."
func (p *Pipeline) Shutdown() { p.stop.Store(true) }

// Wait blocks until every capture, parser, and consumer actor started
// by RunCapture, RunParserWorker or RunConsumer has exited.
func (p *Pipeline) Wait() { p.wg.Wait() }

// ShedCounters returns the live shed counters (safe for concurrent
// reads; part of the C7 metrics surface).
func (p *Pipeline) ShedCounters() *ShedCounters { return &p.shedCounters }

// Ingress exposes the ingress queue for metrics snapshotting.
func (p *Pipeline) Ingress() *queue.Queue { return p.ingress }

// EgressQueues exposes every registered sink's egress queue, in
// AddSink registration order, for metrics snapshotting.
func (p *Pipeline) EgressQueues() []*queue.Queue {
	qs := make([]*queue.Queue, len(p.egress))
	for i, r := range p.egress {
		qs[i] = r.queue
	}
	return qs
}

// RunCapture starts one capture actor reading from src, acquiring a
// block per frame, and pushing into the shared ingress queue. coreID
// of -1 skips CPU pinning. It registers itself with the pipeline's
// WaitGroup and returns immediately.
func (p *Pipeline) RunCapture(ctx context.Context, src CaptureSource, coreID int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if coreID >= 0 {
			affinity.Pin(coreID)
		}

		backoff := cpupause.NewBackoff(p.cfg.BackoffSpins, p.cfg.BackoffYieldAfter)
		for {
			if p.stop.Load() || ctx.Err() != nil {
				src.Close()
				return
			}
			frame, captureTSNs, ok := src.Next()
			if !ok {
				continue
			}
			p.ingestFrame(frame, captureTSNs, &backoff)
		}
	}()
}

// ingestFrame implements spec §4.6's back-pressure policy for one
// captured frame: acquire a block, copy the frame in, attempt the
// ingress push with bounded spin+yield, and shed (drop frame, release
// block) once hysteresis says to.
func (p *Pipeline) ingestFrame(frame []byte, captureTSNs int64, backoff *cpupause.Backoff) {
	h, ok := p.pool.Acquire()
	if !ok {
		p.shedCounters.IngressShed.Add(1)
		return
	}
	buf := p.pool.Bytes(h)
	n := len(frame)
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf[:n], frame[:n])

	fh := &frameHandle{block: h, n: n, capture: captureTSNs}

	backoff.Reset()
	for {
		if p.ingress.TryPush(unsafeFrom(fh)) {
			break
		}
		if backoff.Yielded() && p.updateShed(p.ingressShed, "ingress", p.ingress.FillRatio()) {
			p.shedCounters.IngressShed.Add(1)
			p.pool.Release(h)
			return
		}
		backoff.Spin()
	}
}

// RunParserWorker starts one parser worker that pops handles from the
// ingress queue, parses and classifies via netparse, records a latency
// sample, and forwards to egress route routeIdx. coreID of -1 skips
// pinning.
func (p *Pipeline) RunParserWorker(ctx context.Context, routeIdx int, coreID int) *netparse.Counters {
	counters := &netparse.Counters{}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if coreID >= 0 {
			affinity.Pin(coreID)
		}

		route := p.egress[routeIdx]
		backoff := cpupause.NewBackoff(p.cfg.BackoffSpins, p.cfg.BackoffYieldAfter)
		for {
			ptr, ok := p.ingress.TryPop()
			if !ok {
				if p.stop.Load() || ctx.Err() != nil {
					return
				}
				runtime.Gosched()
				continue
			}
			fh := frameHandleFrom(ptr)
			p.parseAndForward(fh, route, counters, &backoff)
		}
	}()
	return counters
}

func (p *Pipeline) parseAndForward(fh *frameHandle, route *egressRoute, counters *netparse.Counters, backoff *cpupause.Backoff) {
	buf := p.pool.Bytes(fh.block)
	recvNs := time.Now().UnixNano()

	rec, ok := netparse.Parse(buf[:fh.n], p.registry, fh.capture, counters)
	if !ok {
		p.pool.Release(fh.block)
		return
	}
	fh.rec, fh.parsed = rec, true
	p.tracker.RecordFromTimestamps(fh.capture, recvNs, rec.ExchangeID, uint8(rec.Protocol))

	backoff.Reset()
	for {
		if route.queue.TryPush(unsafeFrom(fh)) {
			return
		}
		if p.updateShed(route.shed, route.name, route.queue.FillRatio()) {
			p.shedCounters.EgressShed.Add(1)
			p.pool.Release(fh.block)
			return
		}
		backoff.Spin()
	}
}

// RunConsumer starts one consumer actor that drains egress route
// routeIdx, delivers each record to its sink, and releases the block.
// coreID of -1 skips pinning.
func (p *Pipeline) RunConsumer(ctx context.Context, routeIdx int, coreID int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if coreID >= 0 {
			affinity.Pin(coreID)
		}

		route := p.egress[routeIdx]
		for {
			ptr, ok := route.queue.TryPop()
			if !ok {
				if p.stop.Load() || ctx.Err() != nil {
					return
				}
				runtime.Gosched()
				continue
			}
			fh := frameHandleFrom(ptr)
			buf := p.pool.Bytes(fh.block)
			route.sink.Deliver(fh.rec, buf[:fh.n])
			p.pool.Release(fh.block)
		}
	}()
}
