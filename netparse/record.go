package netparse

// Protocol identifies the L4 transport of a parsed frame.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota
	ProtocolUDP
)

func (p Protocol) String() string {
	if p == ProtocolUDP {
		return "UDP"
	}
	return "TCP"
}

// Record is the immutable descriptor produced by Parse, matching spec
// §3's ParsedRecord: source/destination IPv4 address, source/destination
// port, L4 protocol, exchange-id (0 = unknown), is-FIX, frame length,
// and capture timestamp in nanoseconds.
//
// A Record holds no reference into the frame it was parsed from — every
// field is a plain value, consistent with spec §4.3's "does not retain
// the input buffer."
type Record struct {
	SrcAddr     uint32
	DstAddr     uint32
	SrcPort     uint16
	DstPort     uint16
	Protocol    Protocol
	ExchangeID  int32
	IsFIX       bool
	FrameLen    int
	CaptureTSNs int64
}
