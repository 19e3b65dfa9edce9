package packet

import (
	"net"

	"github.com/postalsys/muti-metroo/internal/buf"
)

func isV6Addr(ip net.IP) bool { return ip.To4() == nil }

// writeIPv4Header fills in a fresh 20-byte IPv4 header (no options) at
// the front of slab, leaving the checksum field zeroed for the caller to
// fill in last via CalculateChecksum.
func writeIPv4Header(slab []byte, src, dst net.IP, proto uint8, ttl uint8, totalLen int) {
	slab[0] = 0x45 // version 4, IHL 5 (20 bytes, no options)
	slab[1] = 0    // DSCP/ECN
	slab[2] = byte(totalLen >> 8)
	slab[3] = byte(totalLen)
	slab[4], slab[5] = 0, 0 // identification
	slab[6], slab[7] = 0, 0 // flags/fragment offset
	slab[8] = ttl
	slab[9] = proto
	slab[10], slab[11] = 0, 0 // checksum, filled in later
	copy(slab[12:16], src.To4())
	copy(slab[16:20], dst.To4())
}

// writeIPv6Header fills in a fresh 40-byte IPv6 header at the front of
// slab.
func writeIPv6Header(slab []byte, src, dst net.IP, proto uint8, ttl uint8, payloadLen int) {
	slab[0] = 0x60 // version 6, traffic class/flow label 0
	slab[1], slab[2], slab[3] = 0, 0, 0
	slab[4] = byte(payloadLen >> 8)
	slab[5] = byte(payloadLen)
	slab[6] = proto
	slab[7] = ttl
	copy(slab[8:24], src.To16())
	copy(slab[24:40], dst.To16())
}

const (
	defaultTTL = 64
)

// UDPPacketBuilder composes a complete IPv4-or-IPv6 + UDP datagram in a
// freshly-allocated buf.Bytes, filling every header field and then
// computing the UDP checksum before the IP header checksum (transport
// first, since the IPv4 checksum never depends on the payload but the
// UDP checksum depends on the IP pseudo-header).
type UDPPacketBuilder struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	TTL              uint8 // 0 defaults to 64
	Data             []byte
}

// Build allocates and returns the complete datagram.
func (b UDPPacketBuilder) Build() (buf.Bytes, error) {
	if b.SrcIP == nil || b.DstIP == nil || b.Data == nil {
		return buf.Bytes{}, ErrMissingField
	}
	isV6 := isV6Addr(b.SrcIP)
	ttl := b.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	ipHdrLen := ipv4MinHeaderLen
	if isV6 {
		ipHdrLen = ipv6HeaderLen
	}
	total := ipHdrLen + udpHeaderLen + len(b.Data)
	slab := make([]byte, total)

	udpOff := ipHdrLen
	copy(slab[udpOff+8:], b.Data)
	slab[udpOff], slab[udpOff+1] = byte(b.SrcPort>>8), byte(b.SrcPort)
	slab[udpOff+2], slab[udpOff+3] = byte(b.DstPort>>8), byte(b.DstPort)
	udpLen := udpHeaderLen + len(b.Data)
	slab[udpOff+4], slab[udpOff+5] = byte(udpLen>>8), byte(udpLen)
	slab[udpOff+6], slab[udpOff+7] = 0, 0

	if isV6 {
		writeIPv6Header(slab, b.SrcIP, b.DstIP, ProtoUDP, ttl, udpLen)
	} else {
		writeIPv4Header(slab, b.SrcIP, b.DstIP, ProtoUDP, ttl, total)
	}

	out := buf.New(slab)
	hdrBytes, _ := out.Slice(0, ipHdrLen)
	var iphdr IPHeader
	if isV6 {
		v6, _, _ := WithIPv6Bytes(hdrBytes)
		iphdr = v6
	} else {
		v4, _, _ := WithIPv4Bytes(hdrBytes)
		iphdr = v4
	}

	udpBytes, _ := out.Slice(udpOff, udpOff+udpHeaderLen)
	udpHdr, _, _ := WithUDPBytes(udpBytes)
	udpHdr.CalculateChecksum(isV6, b.SrcIP, b.DstIP, b.Data)

	if v4, ok := iphdr.(IPv4Header); ok {
		v4.CalculateChecksum()
	}

	return out, nil
}

// TCPSegmentBuilder composes a complete IPv4-or-IPv6 + TCP segment,
// carrying an MSS option whenever MSS is non-zero (whatever the flags),
// computing the TCP checksum before the IP checksum.
type TCPSegmentBuilder struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            TCPFlags
	Window           uint16
	TTL              uint8 // 0 defaults to 64
	MSS              uint16 // 0 = omit MSS option
	Data             []byte
}

// Build allocates and returns the complete segment.
func (b TCPSegmentBuilder) Build() (buf.Bytes, error) {
	if b.SrcIP == nil || b.DstIP == nil {
		return buf.Bytes{}, ErrMissingField
	}
	isV6 := isV6Addr(b.SrcIP)
	ttl := b.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	var opts []byte
	if b.MSS != 0 {
		opts = EncodeMSSOption(b.MSS)
	}
	// Pad options to a 4-byte boundary.
	for len(opts)%4 != 0 {
		opts = append(opts, optKindNop)
	}
	tcpHdrLen := tcpMinHeaderLen + len(opts)

	ipHdrLen := ipv4MinHeaderLen
	if isV6 {
		ipHdrLen = ipv6HeaderLen
	}
	total := ipHdrLen + tcpHdrLen + len(b.Data)
	slab := make([]byte, total)

	tcpOff := ipHdrLen
	tb := slab[tcpOff:]
	tb[0], tb[1] = byte(b.SrcPort>>8), byte(b.SrcPort)
	tb[2], tb[3] = byte(b.DstPort>>8), byte(b.DstPort)
	tb[4] = byte(b.Seq >> 24)
	tb[5] = byte(b.Seq >> 16)
	tb[6] = byte(b.Seq >> 8)
	tb[7] = byte(b.Seq)
	tb[8] = byte(b.Ack >> 24)
	tb[9] = byte(b.Ack >> 16)
	tb[10] = byte(b.Ack >> 8)
	tb[11] = byte(b.Ack)
	tb[12] = byte((tcpHdrLen / 4) << 4)
	tb[13] = encodeFlags(b.Flags)
	tb[14], tb[15] = byte(b.Window>>8), byte(b.Window)
	tb[16], tb[17] = 0, 0 // checksum, filled below
	tb[18], tb[19] = 0, 0 // urgent pointer
	copy(tb[20:20+len(opts)], opts)
	copy(tb[tcpHdrLen:], b.Data)

	if isV6 {
		writeIPv6Header(slab, b.SrcIP, b.DstIP, ProtoTCP, ttl, tcpHdrLen+len(b.Data))
	} else {
		writeIPv4Header(slab, b.SrcIP, b.DstIP, ProtoTCP, ttl, total)
	}

	out := buf.New(slab)
	tcpBytes, _ := out.Slice(tcpOff, tcpOff+tcpHdrLen)
	tcpHdr, _, _ := WithTCPBytes(tcpBytes)
	tcpHdr.CalculateChecksum(isV6, b.SrcIP, b.DstIP, b.Data)

	if !isV6 {
		hdrBytes, _ := out.Slice(0, ipHdrLen)
		v4, _, _ := WithIPv4Bytes(hdrBytes)
		v4.CalculateChecksum()
	}

	return out, nil
}
