package tcpstack

import (
	"net"
	"time"

	"github.com/postalsys/muti-metroo/internal/packet"
)

// Endpoint is one side of a TCP flow key.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// OutSegment is a fully-decided outbound TCP segment; the multiplexer
// turns it into wire bytes via packet.TCPSegmentBuilder and hands it to
// the egress queue.
type OutSegment struct {
	Seq, Ack uint32
	Flags    packet.TCPFlags
	Window   uint16
	MSS      uint16 // non-zero only on SYN/SYN-ACK
	Data     []byte
}

// rtxEntry is one unacknowledged segment sitting in the retransmit
// queue, ordered by Seq.
type rtxEntry struct {
	seq       uint32
	data      []byte
	syn       bool
	fin       bool
	firstSent time.Time
	lastSent  time.Time
}

func (e *rtxEntry) endSeq() uint32 {
	end := e.seq + uint32(len(e.data))
	if e.syn {
		end++
	}
	if e.fin {
		end++
	}
	return end
}

// seqLess reports whether a precedes b on the 32-bit sequence-number
// circle (RFC 793 §3.3 "SEG.SEQ < SEG.ACK" comparisons), using signed
// wraparound arithmetic.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

// inWindow reports whether seq falls within [rcvNxt, rcvNxt+rcvWnd).
func inWindow(seq, rcvNxt uint32, rcvWnd uint16) bool {
	if rcvWnd == 0 {
		return seq == rcvNxt
	}
	return seqLessEq(rcvNxt, seq) && seqLess(seq, rcvNxt+uint32(rcvWnd))
}
