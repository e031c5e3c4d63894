// Package capture provides the two capture sources the pipeline driver
// (SPEC_FULL.md §4.11, C11) wires up in place of real NIC ingestion,
// which spec.md §1 rules out of scope ("kernel-bypass NIC drivers" is
// a non-goal; real capture-socket I/O is "outside this spec"). Both
// sources implement pipeline.CaptureSource and hand back synthetic
// Ethernet II frames so they exercise the exact same header walk
// (netparse.Parse) that a real uplink would.
package capture

import (
	"encoding/binary"
	"net"
	"sync"
	"time"
)

const (
	etherTypeIPv4 = 0x0800
	protoTCP      = 6
	protoUDP      = 17
)

// wrapUDP synthesizes a minimal Ethernet/IPv4/UDP frame carrying
// payload, addressed from src to dst. Used by Loopback (Synthetic uses
// wrapTCP) so a loopback-delivered application payload flows through
// netparse.Parse exactly like a captured wire frame would.
func wrapUDP(src, dst *net.UDPAddr, payload []byte) []byte {
	return wrapL4(src.IP, dst.IP, uint16(src.Port), uint16(dst.Port), protoUDP, payload)
}

func wrapTCP(srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) []byte {
	return wrapL4(srcIP, dstIP, srcPort, dstPort, protoTCP, payload)
}

// wrapL4 lays out 14 bytes of Ethernet header, a 20-byte IPv4 header
// (no options), and either an 8-byte UDP or 20-byte TCP header ahead
// of payload.
func wrapL4(srcIP, dstIP net.IP, srcPort, dstPort uint16, protocol uint8, payload []byte) []byte {
	l4Len := 8
	if protocol == protoTCP {
		l4Len = 20
	}
	frame := make([]byte, 14+20+l4Len+len(payload))

	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	ip := frame[14:34]
	ip[0] = 0x45 // version 4, IHL 5
	ip[9] = protocol
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())

	l4 := frame[34 : 34+l4Len]
	binary.BigEndian.PutUint16(l4[0:2], srcPort)
	binary.BigEndian.PutUint16(l4[2:4], dstPort)
	if protocol == protoTCP {
		l4[12] = 5 << 4 // data offset 5 words, no options
	}

	copy(frame[34+l4Len:], payload)
	return frame
}

// Synthetic generates Ethernet/IPv4/TCP frames at a fixed interval
// targeting a configured destination port, for smoke-testing the
// pipeline without any real network input. It never blocks past its
// own pacing interval, so RunCapture's stop-flag poll stays responsive.
type Synthetic struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Payload          []byte
	Interval         time.Duration

	mu     sync.Mutex
	closed bool
}

// NewSynthetic builds a generator targeting dstPort with a short
// FIX-framed payload ("8=FIX.4.2...") by default, emitting one frame
// per interval.
func NewSynthetic(dstPort uint16, interval time.Duration) *Synthetic {
	return &Synthetic{
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
		SrcPort:  54321,
		DstPort:  dstPort,
		Payload:  []byte("8=FIX.4.2\x019=000\x01"),
		Interval: interval,
	}
}

// Next blocks for Interval, then returns one synthetic frame. It
// returns ok=false once Close has been called.
func (s *Synthetic) Next() ([]byte, int64, bool) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, 0, false
	}
	if s.Interval > 0 {
		time.Sleep(s.Interval)
	}
	frame := wrapTCP(s.SrcIP, s.DstIP, s.SrcPort, s.DstPort, s.Payload)
	return frame, time.Now().UnixNano(), true
}

// Close stops future Next calls from returning frames.
func (s *Synthetic) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Loopback listens on a local UDP port and wraps each received
// datagram as a synthetic Ethernet/IPv4/UDP frame. It exists so
// integration tests and local development can feed the pipeline real
// socket traffic without a privileged raw-socket capture, which is
// explicitly out of scope per spec.md §1.
type Loopback struct {
	conn       *net.UDPConn
	dstPortTag uint16 // the exchange-registered port to stamp on outgoing frames

	closeOnce sync.Once
}

// ListenLoopback opens a UDP listener on 127.0.0.1:0 (or the given
// port if nonzero) and returns a Loopback capturing on it. dstPortTag
// is the destination port stamped onto synthesized frames so the
// exchange registry classifies them — real UDP listener ports are
// ephemeral and wouldn't otherwise match a registered exchange port.
func ListenLoopback(port int, dstPortTag uint16) (*Loopback, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, err
	}
	return &Loopback{conn: conn, dstPortTag: dstPortTag}, nil
}

// Addr returns the bound local address, useful when port 0 was
// requested and the OS chose one.
func (l *Loopback) Addr() *net.UDPAddr { return l.conn.LocalAddr().(*net.UDPAddr) }

// Next blocks until a datagram arrives (or the connection is closed),
// wraps it as an Ethernet/IPv4/UDP frame stamped with dstPortTag, and
// returns it. It returns ok=false once Close has been called.
func (l *Loopback) Next() ([]byte, int64, bool) {
	buf := make([]byte, 65536)
	n, addr, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, false
	}
	frame := wrapUDP(addr, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(l.dstPortTag)}, buf[:n])
	return frame, time.Now().UnixNano(), true
}

// Close shuts down the underlying UDP socket, unblocking any pending Next.
func (l *Loopback) Close() {
	l.closeOnce.Do(func() { l.conn.Close() })
}
