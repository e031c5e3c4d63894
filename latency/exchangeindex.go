package latency

// exchangeIndex is a fixed-capacity Robin Hood hash table mapping an
// exchange id to the slot index of its per-exchange bucket in
// Tracker.byExchange. It is adapted from the teacher repository's
// localidx.Hash — same probe-distance displacement and early-termination
// lookup, rewritten for this domain: keys are exchange ids (not pool
// ids), values are bucket slot indices (not fan-out row indices), and
// the table is sized from the registry's known exchange set at
// construction so Record() never grows it on the hot path.
//
// Robin Hood hashing earns its keep here specifically because, unlike
// the exchange registry's own port table (spec §4.5: deliberately a
// flat scan, because the port set is tiny and L1-resident), the number
// of distinct exchanges feeding stats_by_exchange can grow large enough
// that a linear scan over per-exchange buckets would show up in
// profiles — this is the one place in the hot-path latency tracker
// where an O(1) probe beats a scan.
type exchangeIndex struct {
	keys []uint32 // exchange id + 1 (0 is the empty sentinel)
	vals []uint32 // index into Tracker.byExchange
	mask uint32
}

func nextPow2(n int) uint32 {
	s := uint32(1)
	for s < uint32(n) {
		s <<= 1
	}
	return s
}

func newExchangeIndex(capacity int) exchangeIndex {
	sz := nextPow2(capacity*2 + 1)
	return exchangeIndex{
		keys: make([]uint32, sz),
		vals: make([]uint32, sz),
		mask: sz - 1,
	}
}

// put inserts id -> slot, or returns the existing slot if id is already
// present. id must be >= 0; the sentinel key is id+1 so exchange id 0
// ("unknown") is representable.
func (h exchangeIndex) put(id int32, slot uint32) uint32 {
	key := uint32(id) + 1
	i := key & h.mask
	dist := uint32(0)
	for {
		k := h.keys[i]
		if k == 0 {
			h.keys[i], h.vals[i] = key, slot
			return slot
		}
		if k == key {
			return h.vals[i]
		}
		kDist := (i + h.mask + 1 - (k & h.mask)) & h.mask
		if kDist < dist {
			key, h.keys[i] = h.keys[i], key
			slot, h.vals[i] = h.vals[i], slot
			dist = kDist
		}
		i = (i + 1) & h.mask
		dist++
	}
}

func (h exchangeIndex) get(id int32) (uint32, bool) {
	key := uint32(id) + 1
	i := key & h.mask
	dist := uint32(0)
	for {
		k := h.keys[i]
		if k == 0 {
			return 0, false
		}
		if k == key {
			return h.vals[i], true
		}
		kDist := (i + h.mask + 1 - (k & h.mask)) & h.mask
		if kDist < dist {
			return 0, false
		}
		i = (i + 1) & h.mask
		dist++
	}
}
