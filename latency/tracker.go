// Package latency implements the rolling-window latency tracker from
// spec §4.4 (C4): per-sample recording with O(1) amortized cost, a
// trailing window of percentile statistics, and separately-accumulated
// lifetime counters that are never evicted by the window.
//
// The ring-of-fixed-size-slots-plus-atomic-counters shape is grounded
// on the teacher repository's dedupe.Deduper: a power-of-two (there,
// exactly sized; here, any positive size since the window isn't used
// for address masking) array of cache-aligned slots, written through a
// computed index, with plain counters alongside for bookkeeping. Where
// dedupe.Check folds a block/tx/log identity into one slot, Record here
// folds a latency sample into one slot; both avoid a mutex by letting
// the slot index itself serialize access to that slot.
package latency

import (
	"math"
	"sort"
	"sync/atomic"
)

// clampLatencyNs is the ceiling spec §3 mandates: "Latency values
// exceeding 2^32-1 ns are clamped to that ceiling (≈4.29 s)."
const clampLatencyNs = math.MaxUint32

// Sample is the (capture_ts_ns, observed_latency_ns, exchange_id,
// protocol_tag) tuple from spec §3.
type Sample struct {
	CaptureTSNs    int64
	ObservedNs     uint32
	ExchangeID     int32
	ProtocolTag    uint8
}

// Stats is the statistics block spec §4.4 requires from stats() and
// stats_by_exchange(): count, min, max, mean, σ, percentiles, the
// configured target, and the violation rate.
type Stats struct {
	Count          uint64
	MinNs          uint64
	MaxNs          uint64
	MeanNs         float64
	StdDevNs       float64
	P50Us          float64
	P95Us          float64
	P99Us          float64
	P999Us         float64
	TargetUs       uint32
	ViolationRate  float64
	DroppedSamples uint64
}

// bucket is one ring-buffer-plus-lifetime-counters unit. Tracker keeps
// one global bucket and one per exchange id pre-registered in New so
// stats_by_exchange can report a filtered view without rescanning the
// whole window.
type bucket struct {
	ring []Sample // fixed-size window, index = writePos % len(ring)

	writePos atomic.Uint64
	count    atomic.Uint64

	// Lifetime accumulators (spec §4.4: "Lifetime counts ... are
	// accumulated separately and are not windowed"). minNs/maxNs and
	// the float64-encoded sumNs/sumSqNs use CAS loops; total/violations
	// are plain fetch-adds. This is strictly stronger than the
	// single-writer contract spec §4.4 asks for, enabling safe
	// concurrent Record calls from multiple parser workers sharing one
	// Tracker.
	minNs      atomic.Uint64
	maxNs      atomic.Uint64
	sumNs      atomic.Uint64 // accumulated as float64 bits via atomic CAS
	sumSqNs    atomic.Uint64 // sum of squares, same encoding
	total      atomic.Uint64
	violations atomic.Uint64
	targetUs   atomic.Uint32
}

func newBucket(windowSize int, targetUs uint32) *bucket {
	b := &bucket{ring: make([]Sample, windowSize)}
	b.minNs.Store(math.MaxUint64)
	b.targetUs.Store(targetUs)
	return b
}

func (b *bucket) record(s Sample) {
	slot := b.writePos.Add(1) - 1
	b.ring[slot%uint64(len(b.ring))] = s
	for {
		c := b.count.Load()
		if c >= uint64(len(b.ring)) {
			break
		}
		if b.count.CompareAndSwap(c, c+1) {
			break
		}
	}

	casMinUint64(&b.minNs, uint64(s.ObservedNs))
	casMaxUint64(&b.maxNs, uint64(s.ObservedNs))
	addFloatBits(&b.sumNs, float64(s.ObservedNs))
	addFloatBits(&b.sumSqNs, float64(s.ObservedNs)*float64(s.ObservedNs))
	b.total.Add(1)

	if target := b.targetUs.Load(); target > 0 && uint64(s.ObservedNs) > uint64(target)*1000 {
		b.violations.Add(1)
	}
}

func casMinUint64(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v >= cur {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func casMaxUint64(a *atomic.Uint64, v uint64) {
	for {
		cur := a.Load()
		if v <= cur {
			return
		}
		if a.CompareAndSwap(cur, v) {
			return
		}
	}
}

func addFloatBits(a *atomic.Uint64, delta float64) {
	for {
		cur := a.Load()
		next := math.Float64bits(math.Float64frombits(cur) + delta)
		if a.CompareAndSwap(cur, next) {
			return
		}
	}
}

// snapshotStats reads the bucket's current window + lifetime counters
// into a Stats value. Per spec §4.4, callers that require a
// non-torn view must serialize against the writer themselves.
func (b *bucket) snapshotStats() Stats {
	total := b.total.Load()
	if total == 0 {
		return Stats{TargetUs: b.targetUs.Load()}
	}

	sum := math.Float64frombits(b.sumNs.Load())
	sumSq := math.Float64frombits(b.sumSqNs.Load())
	mean := sum / float64(total)
	variance := sumSq/float64(total) - mean*mean
	if variance < 0 {
		variance = 0
	}

	minNs := b.minNs.Load()
	if minNs == math.MaxUint64 {
		minNs = 0
	}

	violationRate := float64(b.violations.Load()) / float64(total)

	return Stats{
		Count:         total,
		MinNs:         minNs,
		MaxNs:         b.maxNs.Load(),
		MeanNs:        mean,
		StdDevNs:      math.Sqrt(variance),
		P50Us:         b.percentileAt(50),
		P95Us:         b.percentileAt(95),
		P99Us:         b.percentileAt(99),
		P999Us:        b.percentileAt(99.9),
		TargetUs:      b.targetUs.Load(),
		ViolationRate: violationRate,
	}
}

// Tracker is the rolling-window latency tracker of spec §4.4.
type Tracker struct {
	windowSize     int
	defaultTarget  uint32
	global         *bucket
	byExchange     []*bucket
	exchangeLookup exchangeIndex
	droppedBad     atomic.Uint64
}

// New builds a Tracker with the given window size and default latency
// target (microseconds). knownExchanges pre-registers per-exchange
// buckets (keyed by the exchange's own target, from targetUsByExchange)
// so stats_by_exchange never allocates on the hot path.
func New(windowSize int, defaultTargetUs uint32, knownExchanges []int32, targetUsByExchange map[int32]uint32) *Tracker {
	if windowSize <= 0 {
		windowSize = 100000
	}
	t := &Tracker{
		windowSize:     windowSize,
		defaultTarget:  defaultTargetUs,
		global:         newBucket(windowSize, defaultTargetUs),
		exchangeLookup: newExchangeIndex(len(knownExchanges)),
	}
	for _, id := range knownExchanges {
		target := defaultTargetUs
		if v, ok := targetUsByExchange[id]; ok && v > 0 {
			target = v
		}
		slot := uint32(len(t.byExchange))
		t.byExchange = append(t.byExchange, newBucket(windowSize, target))
		t.exchangeLookup.put(id, slot)
	}
	return t
}

// Record stores one latency sample in O(1) amortized, per spec §4.4.
func (t *Tracker) Record(latencyNs uint32, exchangeID int32, protocolTag uint8) {
	s := Sample{ObservedNs: latencyNs, ExchangeID: exchangeID, ProtocolTag: protocolTag}
	t.global.record(s)
	if slot, ok := t.exchangeLookup.get(exchangeID); ok {
		t.byExchange[slot].record(s)
	}
}

// RecordFromTimestamps computes recv-send and records it, dropping the
// sample when recv <= send (spec §3, §4.4) and clamping values beyond
// the 2^32-1 ns ceiling (spec §3).
func (t *Tracker) RecordFromTimestamps(sendNs, recvNs int64, exchangeID int32, protocolTag uint8) {
	if recvNs <= sendNs {
		t.droppedBad.Add(1)
		return
	}
	delta := recvNs - sendNs
	var latencyNs uint32
	if delta >= clampLatencyNs {
		latencyNs = clampLatencyNs
	} else {
		latencyNs = uint32(delta)
	}
	s := Sample{CaptureTSNs: sendNs, ObservedNs: latencyNs, ExchangeID: exchangeID, ProtocolTag: protocolTag}
	t.global.record(s)
	if slot, ok := t.exchangeLookup.get(exchangeID); ok {
		t.byExchange[slot].record(s)
	}
}

// Percentile returns the latency in microseconds at rank p (0..100)
// over the current global window, per spec §4.4. Unlike Stats, which
// only exposes the four fixed ranks the spec names, Percentile sorts
// the window fresh for an arbitrary rank.
func (t *Tracker) Percentile(p float64) float64 {
	return t.global.percentileAt(p)
}

// percentileAt sorts the bucket's current window and returns the
// value at rank p (0..100), in microseconds.
func (b *bucket) percentileAt(p float64) float64 {
	windowCount := b.count.Load()
	if windowCount > uint64(len(b.ring)) {
		windowCount = uint64(len(b.ring))
	}
	if windowCount == 0 {
		return 0
	}
	scratch := make([]uint32, windowCount)
	writePos := b.writePos.Load()
	for i := uint64(0); i < windowCount; i++ {
		idx := (writePos - 1 - i) % uint64(len(b.ring))
		scratch[i] = b.ring[idx].ObservedNs
	}
	sort.Slice(scratch, func(i, j int) bool { return scratch[i] < scratch[j] })

	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	rank := int(p / 100 * float64(len(scratch)-1))
	if rank >= len(scratch) {
		rank = len(scratch) - 1
	}
	return float64(scratch[rank]) / 1000
}

// Stats returns the full statistics block over the global window and
// lifetime counters.
func (t *Tracker) Stats() Stats {
	st := t.global.snapshotStats()
	st.DroppedSamples = t.droppedBad.Load()
	return st
}

// StatsByExchange returns the same statistics block filtered to one
// exchange id, or the zero value if the id was never pre-registered.
func (t *Tracker) StatsByExchange(id int32) (Stats, bool) {
	slot, ok := t.exchangeLookup.get(id)
	if !ok {
		return Stats{}, false
	}
	return t.byExchange[slot].snapshotStats(), true
}
