package packet

import (
	"net"

	"github.com/postalsys/muti-metroo/internal/buf"
)

const (
	ipv4MinHeaderLen = 20
	ipv4MaxHeaderLen = 60
	ipv6HeaderLen    = 40
	hopByHopMinLen   = 8
)

// IPHeader is the common read surface shared by IPv4Header and
// IPv6Header, used by callers (the dispatcher, the builders) that only
// need source/destination and don't care about the version-specific
// fields.
type IPHeader interface {
	IsV6() bool
	SrcIP() net.IP
	DstIP() net.IP
	HeaderLen() int
	Bytes() []byte
}

// IPv4Header is a mutable view over an IPv4 header sharing a buf.Bytes
// backing slab. WithIPv4Bytes checks only the version nibble and the
// lengths, never semantic validity such as the header checksum.
type IPv4Header struct{ b buf.Bytes }

// WithIPv4Bytes parses the IPv4 header at the front of b, returning the
// header view and the remainder of b (transport header onward).
func WithIPv4Bytes(b buf.Bytes) (IPv4Header, buf.Bytes, error) {
	if b.Len() < ipv4MinHeaderLen {
		return IPv4Header{}, buf.Bytes{}, ErrTruncatedPacket
	}
	verIHL, err := b.ReadU8(0)
	if err != nil {
		return IPv4Header{}, buf.Bytes{}, err
	}
	if verIHL>>4 != 4 {
		return IPv4Header{}, buf.Bytes{}, ErrUnsupportedVersion
	}
	hlen := int(verIHL&0x0F) * 4
	if hlen < ipv4MinHeaderLen || hlen > ipv4MaxHeaderLen {
		return IPv4Header{}, buf.Bytes{}, ErrTruncatedPacket
	}
	rest := b
	head, err := buf.TrySplit(&rest, hlen)
	if err != nil {
		return IPv4Header{}, buf.Bytes{}, ErrTruncatedPacket
	}
	return IPv4Header{b: head}, rest, nil
}

func (h IPv4Header) IsV6() bool     { return false }
func (h IPv4Header) HeaderLen() int { return h.b.Len() }
func (h IPv4Header) Bytes() []byte  { return h.b.Bytes() }

func (h IPv4Header) IHL() int { v, _ := h.b.ReadU8(0); return int(v & 0x0F) }
func (h IPv4Header) TOS() uint8 { v, _ := h.b.ReadU8(1); return v }
func (h IPv4Header) TotalLength() uint16 { v, _ := h.b.ReadU16(2); return v }
func (h IPv4Header) ID() uint16 { v, _ := h.b.ReadU16(4); return v }
func (h IPv4Header) FlagsAndFragOffset() uint16 { v, _ := h.b.ReadU16(6); return v }
func (h IPv4Header) TTL() uint8 { v, _ := h.b.ReadU8(8); return v }
func (h IPv4Header) Protocol() uint8 { v, _ := h.b.ReadU8(9); return v }
func (h IPv4Header) Checksum() uint16 { v, _ := h.b.ReadU16(10); return v }

func (h IPv4Header) SrcIP() net.IP {
	b := h.b.Bytes()
	return net.IPv4(b[12], b[13], b[14], b[15])
}

func (h IPv4Header) DstIP() net.IP {
	b := h.b.Bytes()
	return net.IPv4(b[16], b[17], b[18], b[19])
}

func (h IPv4Header) SetTTL(v uint8)       { h.b.WriteU8(8, v) }
func (h IPv4Header) SetProtocol(v uint8)  { h.b.WriteU8(9, v) }
func (h IPv4Header) SetTotalLength(v uint16) { h.b.WriteU16(2, v) }
func (h IPv4Header) SetChecksum(v uint16) { h.b.WriteU16(10, v) }

func (h IPv4Header) SetSrcIP(ip net.IP) {
	v4 := ip.To4()
	b := h.b.Bytes()
	copy(b[12:16], v4)
}

func (h IPv4Header) SetDstIP(ip net.IP) {
	v4 := ip.To4()
	b := h.b.Bytes()
	copy(b[16:20], v4)
}

// CalculateChecksum recomputes and stores the header checksum.
func (h IPv4Header) CalculateChecksum() {
	h.SetChecksum(0)
	h.SetChecksum(ipv4HeaderChecksum(h.b.Bytes()))
}

// ChecksumValid reports whether the stored checksum matches the
// recomputed one's-complement sum over [0,10) ⧺ [12,hlen).
func (h IPv4Header) ChecksumValid() bool {
	return ipv4HeaderChecksum(h.b.Bytes()) == h.Checksum()
}

// IPv6Header is a mutable view over a fixed 40-byte IPv6 header.
type IPv6Header struct{ b buf.Bytes }

// WithIPv6Bytes parses the fixed IPv6 header at the front of b, returning
// the header view and the remainder (next-header payload, which may
// start with a Hop-by-Hop options header).
func WithIPv6Bytes(b buf.Bytes) (IPv6Header, buf.Bytes, error) {
	if b.Len() < ipv6HeaderLen {
		return IPv6Header{}, buf.Bytes{}, ErrTruncatedPacket
	}
	verByte, err := b.ReadU8(0)
	if err != nil {
		return IPv6Header{}, buf.Bytes{}, err
	}
	if verByte>>4 != 6 {
		return IPv6Header{}, buf.Bytes{}, ErrUnsupportedVersion
	}
	rest := b
	head, err := buf.TrySplit(&rest, ipv6HeaderLen)
	if err != nil {
		return IPv6Header{}, buf.Bytes{}, ErrTruncatedPacket
	}
	return IPv6Header{b: head}, rest, nil
}

func (h IPv6Header) IsV6() bool     { return true }
func (h IPv6Header) HeaderLen() int { return h.b.Len() }
func (h IPv6Header) Bytes() []byte  { return h.b.Bytes() }

func (h IPv6Header) PayloadLength() uint16 { v, _ := h.b.ReadU16(4); return v }
func (h IPv6Header) NextHeader() uint8     { v, _ := h.b.ReadU8(6); return v }
func (h IPv6Header) HopLimit() uint8       { v, _ := h.b.ReadU8(7); return v }

func (h IPv6Header) SrcIP() net.IP {
	b := h.b.Bytes()
	ip := make(net.IP, 16)
	copy(ip, b[8:24])
	return ip
}

func (h IPv6Header) DstIP() net.IP {
	b := h.b.Bytes()
	ip := make(net.IP, 16)
	copy(ip, b[24:40])
	return ip
}

func (h IPv6Header) SetSrcIP(ip net.IP) { copy(h.b.Bytes()[8:24], ip.To16()) }
func (h IPv6Header) SetDstIP(ip net.IP) { copy(h.b.Bytes()[24:40], ip.To16()) }
func (h IPv6Header) SetHopLimit(v uint8)    { h.b.WriteU8(7, v) }
func (h IPv6Header) SetNextHeader(v uint8)  { h.b.WriteU8(6, v) }
func (h IPv6Header) SetPayloadLength(v uint16) { h.b.WriteU16(4, v) }

// ParsedIP is the result of Parse: exactly one of V4/V6 is non-nil, and
// Proto/Payload describe the upper-layer protocol and its bytes once any
// recognized extension chain (IPv6 Hop-by-Hop only) has been skipped.
type ParsedIP struct {
	V4      *IPv4Header
	V6      *IPv6Header
	Proto   uint8
	Payload buf.Bytes
}

func (p ParsedIP) Header() IPHeader {
	if p.V4 != nil {
		return *p.V4
	}
	return *p.V6
}

// Parse parses an IPv4 or IPv6 header from the front of b. For IPv6 it
// also recognizes and skips a single Hop-by-Hop Options extension header
// immediately following the fixed header (per SPEC_FULL.md §4.2); any
// other extension header or unknown next-header value is reported via
// Proto without being decoded further — the caller treats it as "unknown
// next proto" and the remainder is opaque.
func Parse(b buf.Bytes) (ParsedIP, error) {
	if b.Len() < 1 {
		return ParsedIP{}, ErrTruncatedPacket
	}
	verNibble, err := b.ReadU8(0)
	if err != nil {
		return ParsedIP{}, err
	}
	switch verNibble >> 4 {
	case 4:
		h, rest, err := WithIPv4Bytes(b)
		if err != nil {
			return ParsedIP{}, err
		}
		return ParsedIP{V4: &h, Proto: h.Protocol(), Payload: rest}, nil
	case 6:
		h, rest, err := WithIPv6Bytes(b)
		if err != nil {
			return ParsedIP{}, err
		}
		proto := h.NextHeader()
		if proto == ProtoIPv6HopOpt {
			if rest.Len() < hopByHopMinLen {
				return ParsedIP{}, ErrTruncatedPacket
			}
			nextProto, _ := rest.ReadU8(0)
			extLenWords, _ := rest.ReadU8(1)
			extLen := (int(extLenWords) + 1) * 8
			if rest.Len() < extLen {
				return ParsedIP{}, ErrTruncatedPacket
			}
			if _, err := buf.TrySplit(&rest, extLen); err != nil {
				return ParsedIP{}, ErrTruncatedPacket
			}
			proto = nextProto
		}
		return ParsedIP{V6: &h, Proto: proto, Payload: rest}, nil
	default:
		return ParsedIP{}, ErrUnsupportedVersion
	}
}
