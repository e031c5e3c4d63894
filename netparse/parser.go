// Package netparse implements the zero-copy trading-packet parser from
// spec §4.3 (C3): a header walk over Ethernet/IPv4/TCP|UDP that
// classifies exchange traffic and marks FIX framing without allocating
// or retaining the input buffer.
//
// The byte-offset arithmetic and early-exit discipline follow the
// teacher repository's parser.HandleFrame: bounds-check the minimum
// length before every field read, read multi-byte fields with a single
// typed load instead of byte-by-byte shifting, and bail out on the
// first sign the frame is not what we're looking for. HandleFrame walks
// a JSON envelope looking for UniswapV2 Sync() events; this parser
// walks an Ethernet/IPv4/TCP|UDP envelope looking for exchange traffic,
// but the "validate length, read fixed fields, exit fast on mismatch"
// shape is the same.
package netparse

import (
	"encoding/binary"

	"github.com/quantrail/hftcore/exchange"
)

// Counters accumulates the per-worker statistics spec §4.3 and §7
// require: packets parsed, bytes processed, and the two distinct reject
// reasons (malformed vs. non-trading). Parser state is per-worker and
// is aggregated only at metrics-snapshot time (spec §5), so Counters is
// not safe to share across goroutines — each parser worker owns one.
type Counters struct {
	PacketsParsed     uint64
	BytesProcessed    uint64
	MalformedRejected uint64
	NonTradingSkipped uint64
}

// Classifier is the minimal surface Parse needs from the exchange
// registry (C5), kept narrow so tests can supply a fake in place of a
// full *exchange.Registry.
type Classifier interface {
	Classify(srcPort, dstPort uint16, proto exchange.Protocol) (exchangeID int32, ok bool)
}

const (
	etherTypeOffset = 12
	etherTypeIPv4   = 0x0800

	ipv4Offset   = 14
	minEthFrame  = 14
	minIPv4Frame = 34

	protoTCP = 6
	protoUDP = 17

	fixPrefixLen = 8
)

var fixPrefix = [5]byte{'8', '=', 'F', 'I', 'X'}

// Parse implements spec §4.3's frame walk exactly: Ethernet EtherType
// check, IPv4 header decode (version/IHL/protocol/addresses), TCP or
// UDP port + payload-offset derivation, exchange classification via
// cls, and FIX-prefix detection on the resulting payload. It performs
// no allocation and returns (Record{}, false) for every documented
// rejection case instead of panicking.
//
// captureTSNs is the authoritative capture timestamp (spec §6: "Source-
// provided timestamps are authoritative; if absent, the capture actor
// samples a monotonic clock immediately on receive" — sampling that
// clock is the capture actor's job, not the parser's).
func Parse(frame []byte, cls Classifier, captureTSNs int64, counters *Counters) (Record, bool) {
	n := len(frame)

	if n < minEthFrame {
		counters.MalformedRejected++
		return Record{}, false
	}
	etherType := binary.BigEndian.Uint16(frame[etherTypeOffset : etherTypeOffset+2])
	if etherType != etherTypeIPv4 {
		counters.MalformedRejected++
		return Record{}, false
	}

	if n < minIPv4Frame {
		counters.MalformedRejected++
		return Record{}, false
	}
	ipHeader := frame[ipv4Offset:]
	versionIHL := ipHeader[0]
	version := versionIHL >> 4
	ihl := int(versionIHL&0x0F) * 4
	if version != 4 || ihl < 20 || n < ipv4Offset+ihl {
		counters.MalformedRejected++
		return Record{}, false
	}

	protocol := ipHeader[9]
	srcAddr := binary.BigEndian.Uint32(ipHeader[12:16])
	dstAddr := binary.BigEndian.Uint32(ipHeader[16:20])

	l4Offset := ipv4Offset + ihl
	var (
		srcPort, dstPort uint16
		payloadOffset    int
		proto            Protocol
	)

	switch protocol {
	case protoTCP:
		if n < l4Offset+20 {
			counters.MalformedRejected++
			return Record{}, false
		}
		tcpHeader := frame[l4Offset:]
		srcPort = binary.BigEndian.Uint16(tcpHeader[0:2])
		dstPort = binary.BigEndian.Uint16(tcpHeader[2:4])
		dataOffsetFlags := tcpHeader[12]
		tcpHdrLen := int((dataOffsetFlags>>4)&0x0F) * 4
		if tcpHdrLen < 20 || n < l4Offset+tcpHdrLen {
			counters.MalformedRejected++
			return Record{}, false
		}
		payloadOffset = l4Offset + tcpHdrLen
		proto = ProtocolTCP
	case protoUDP:
		if n < l4Offset+8 {
			counters.MalformedRejected++
			return Record{}, false
		}
		udpHeader := frame[l4Offset:]
		srcPort = binary.BigEndian.Uint16(udpHeader[0:2])
		dstPort = binary.BigEndian.Uint16(udpHeader[2:4])
		payloadOffset = l4Offset + 8
		proto = ProtocolUDP
	default:
		counters.MalformedRejected++
		return Record{}, false
	}

	registryProto := exchange.ProtocolTCP
	if proto == ProtocolUDP {
		registryProto = exchange.ProtocolUDP
	}
	exchangeID, matched := cls.Classify(srcPort, dstPort, registryProto)
	if !matched {
		counters.NonTradingSkipped++
		return Record{}, false
	}

	isFIX := false
	if payload := frame[payloadOffset:]; len(payload) >= fixPrefixLen {
		isFIX = payload[0] == fixPrefix[0] &&
			payload[1] == fixPrefix[1] &&
			payload[2] == fixPrefix[2] &&
			payload[3] == fixPrefix[3] &&
			payload[4] == fixPrefix[4]
	}

	counters.PacketsParsed++
	counters.BytesProcessed += uint64(n)

	return Record{
		SrcAddr:     srcAddr,
		DstAddr:     dstAddr,
		SrcPort:     srcPort,
		DstPort:     dstPort,
		Protocol:    proto,
		ExchangeID:  exchangeID,
		IsFIX:       isFIX,
		FrameLen:    n,
		CaptureTSNs: captureTSNs,
	}, true
}
