// Package exchange implements the exchange registry described in
// spec §4.5 (C5): an immutable-after-startup mapping from {port} to
// {exchange-id, latency-target}, consulted by the packet parser (C3)
// for every frame.
//
// Lookup is a flat linear scan rather than a hash table. The teacher
// repository reaches for a hash table (localidx.Hash, pairidx.HashMap)
// whenever it needs to map a key to a row, but spec §4.5 is explicit
// that the expected set size (≤16 ports per exchange, a handful of
// exchanges) makes hashing counter-productive for data this small and
// this hot — a handful of int comparisons beats a hash mix plus a
// cache-line-scattered probe. This package follows that call instead
// of the teacher's default.
package exchange

import "errors"

// Protocol tags the L4 transport an exchange descriptor expects.
type Protocol uint8

const (
	ProtocolAny Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

// Descriptor mirrors spec §3's ExchangeDescriptor: name, host set, port
// set, protocol tag, and latency target. Hosts is stored for
// completeness (the seed exchanges in spec §6 are defined by port only)
// but Classify never consults it: matching is by port and protocol only.
type Descriptor struct {
	ID              int32
	Name            string
	Hosts           []uint32 // optional IPv4 host set; not used for classification
	Ports           []uint16
	Protocol        Protocol
	LatencyTargetUs uint32
}

// Well-known seed exchange identifiers from spec §6. 0 is reserved for
// "unknown."
const (
	Unknown = 0
	NYSE    = 1
	NASDAQ  = 2
	CBOE    = 3
)

// DefaultDescriptors returns the seed registry of spec §6: NYSE,
// NASDAQ, and CBOE with their default port sets. Callers typically feed
// this into New() only when no explicit configuration is supplied.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{ID: NYSE, Name: "NYSE", Ports: []uint16{4001, 9001, 8001, 7001}, Protocol: ProtocolAny, LatencyTargetUs: 500},
		{ID: NASDAQ, Name: "NASDAQ", Ports: []uint16{4002, 9002, 8002, 7002}, Protocol: ProtocolAny, LatencyTargetUs: 500},
		{ID: CBOE, Name: "CBOE", Ports: []uint16{4003, 9003, 8003, 7003}, Protocol: ProtocolAny, LatencyTargetUs: 500},
	}
}

// ErrDuplicatePort is returned by New when two descriptors claim the
// same port under overlapping protocols (ProtocolAny overlaps both TCP
// and UDP) — registration ambiguity is a startup
// failure, not a runtime one.
var ErrDuplicatePort = errors.New("exchange: duplicate port across descriptors")

// portEntry is the flat, linearly-scanned row backing Classify.
type portEntry struct {
	port     uint16
	protocol Protocol
	id       int32
}

// Registry is immutable after construction (spec §4.5, §5: "any update
// requires a full pipeline quiesce" — this package does not expose a
// mutator at all; build a new Registry and swap it in during a quiesce
// window instead).
type Registry struct {
	descriptors []Descriptor
	byID        map[int32]*Descriptor
	ports       []portEntry
}

// New builds an immutable registry from the given descriptors. It
// rejects a port claimed by two descriptors under the same protocol
// scope, since the classification in spec §4.3 step 6 would otherwise
// be ambiguous.
func New(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{
		descriptors: append([]Descriptor(nil), descriptors...),
		byID:        make(map[int32]*Descriptor, len(descriptors)),
	}
	for i := range r.descriptors {
		d := &r.descriptors[i]
		r.byID[d.ID] = d
		for _, port := range d.Ports {
			for _, existing := range r.ports {
				if existing.port == port && protocolsOverlap(existing.protocol, d.Protocol) {
					return nil, ErrDuplicatePort
				}
			}
			r.ports = append(r.ports, portEntry{port: port, protocol: d.Protocol, id: d.ID})
		}
	}
	return r, nil
}

func protocolsOverlap(a, b Protocol) bool {
	return a == ProtocolAny || b == ProtocolAny || a == b
}

// Classify implements spec §4.3 step 6: "consult C5 with both ports.
// First match on destination wins; otherwise source. If neither
// matches, return None." The scan is flat and linear by design (see
// package doc).
func (r *Registry) Classify(srcPort, dstPort uint16, proto Protocol) (exchangeID int32, ok bool) {
	for _, e := range r.ports {
		if e.port == dstPort && protocolsOverlap(e.protocol, proto) {
			return e.id, true
		}
	}
	for _, e := range r.ports {
		if e.port == srcPort && protocolsOverlap(e.protocol, proto) {
			return e.id, true
		}
	}
	return Unknown, false
}

// Descriptor returns the descriptor for id, or (nil, false) if id is
// not registered.
func (r *Registry) Descriptor(id int32) (Descriptor, bool) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Descriptors returns a copy of every registered descriptor, ordered
// as supplied to New.
func (r *Registry) Descriptors() []Descriptor {
	return append([]Descriptor(nil), r.descriptors...)
}

// LatencyTargetUs returns the configured latency target for id, or the
// zero value if id is unregistered (the caller should treat zero as
// "no target configured").
func (r *Registry) LatencyTargetUs(id int32) uint32 {
	d, ok := r.byID[id]
	if !ok {
		return 0
	}
	return d.LatencyTargetUs
}
