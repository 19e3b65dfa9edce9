package packet

import (
	"net"

	"github.com/postalsys/muti-metroo/internal/buf"
)

const (
	tcpMinHeaderLen = 20
	tcpMaxHeaderLen = 60
)

// TCP flag bits (byte 13 of the header).
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
	FlagECE uint8 = 0x40
	FlagCWR uint8 = 0x80
)

// TCPFlags is a decoded view of the TCP flags byte.
type TCPFlags struct {
	SYN, ACK, FIN, RST, PSH, URG bool
}

func decodeFlags(v uint8) TCPFlags {
	return TCPFlags{
		SYN: v&FlagSYN != 0,
		ACK: v&FlagACK != 0,
		FIN: v&FlagFIN != 0,
		RST: v&FlagRST != 0,
		PSH: v&FlagPSH != 0,
		URG: v&FlagURG != 0,
	}
}

func encodeFlags(f TCPFlags) uint8 {
	var v uint8
	if f.SYN {
		v |= FlagSYN
	}
	if f.ACK {
		v |= FlagACK
	}
	if f.FIN {
		v |= FlagFIN
	}
	if f.RST {
		v |= FlagRST
	}
	if f.PSH {
		v |= FlagPSH
	}
	if f.URG {
		v |= FlagURG
	}
	return v
}

// TCPHeader is a mutable view over a TCP header (20-60 bytes, including
// options) sharing a buf.Bytes backing slab with its segment data.
type TCPHeader struct{ b buf.Bytes }

// WithTCPBytes parses the TCP header at the front of b, returning the
// header view and the segment data that follows. b must contain exactly
// the transport-layer bytes of the datagram (IP header already removed),
// since TCP has no length field of its own.
func WithTCPBytes(b buf.Bytes) (TCPHeader, buf.Bytes, error) {
	if b.Len() < tcpMinHeaderLen {
		return TCPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	offByte, err := b.ReadU8(12)
	if err != nil {
		return TCPHeader{}, buf.Bytes{}, err
	}
	hlen := int(offByte>>4) * 4
	if hlen < tcpMinHeaderLen || hlen > tcpMaxHeaderLen {
		return TCPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	rest := b
	head, err := buf.TrySplit(&rest, hlen)
	if err != nil {
		return TCPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	return TCPHeader{b: head}, rest, nil
}

func (h TCPHeader) SrcPort() uint16    { v, _ := h.b.ReadU16(0); return v }
func (h TCPHeader) DstPort() uint16    { v, _ := h.b.ReadU16(2); return v }
func (h TCPHeader) Seq() uint32        { v, _ := h.b.ReadU32(4); return v }
func (h TCPHeader) Ack() uint32        { v, _ := h.b.ReadU32(8); return v }
func (h TCPHeader) DataOffset() int    { v, _ := h.b.ReadU8(12); return int(v >> 4) }
func (h TCPHeader) HeaderLen() int     { return h.DataOffset() * 4 }
func (h TCPHeader) Flags() TCPFlags    { v, _ := h.b.ReadU8(13); return decodeFlags(v) }
func (h TCPHeader) Window() uint16     { v, _ := h.b.ReadU16(14); return v }
func (h TCPHeader) Checksum() uint16   { v, _ := h.b.ReadU16(16); return v }
func (h TCPHeader) UrgentPtr() uint16  { v, _ := h.b.ReadU16(18); return v }
func (h TCPHeader) Bytes() []byte      { return h.b.Bytes() }

func (h TCPHeader) Options() []byte {
	b := h.b.Bytes()
	if len(b) <= tcpMinHeaderLen {
		return nil
	}
	return b[tcpMinHeaderLen:]
}

func (h TCPHeader) SetSrcPort(v uint16)   { h.b.WriteU16(0, v) }
func (h TCPHeader) SetDstPort(v uint16)   { h.b.WriteU16(2, v) }
func (h TCPHeader) SetSeq(v uint32)       { h.b.WriteU32(4, v) }
func (h TCPHeader) SetAck(v uint32)       { h.b.WriteU32(8, v) }
func (h TCPHeader) SetFlags(f TCPFlags)   { h.b.WriteU8(13, encodeFlags(f)) }
func (h TCPHeader) SetWindow(v uint16)    { h.b.WriteU16(14, v) }
func (h TCPHeader) SetChecksum(v uint16)  { h.b.WriteU16(16, v) }
func (h TCPHeader) SetUrgentPtr(v uint16) { h.b.WriteU16(18, v) }

func (h TCPHeader) SetDataOffset(words uint8) {
	cur, _ := h.b.ReadU8(12)
	h.b.WriteU8(12, (words<<4)|(cur&0x0F))
}

// ChecksumValid reports whether the stored TCP checksum matches the
// recomputed one over the pseudo-header, header (checksum zeroed) and
// data. Unlike UDP, TCP has no "checksum disabled" exemption.
func (h TCPHeader) ChecksumValid(isV6 bool, src, dst net.IP, data []byte) bool {
	want := transportChecksum(isV6, src, dst, ProtoTCP, h.b.Bytes(), 16, data)
	return want == h.Checksum()
}

// CalculateChecksum computes and stores the TCP checksum.
func (h TCPHeader) CalculateChecksum(isV6 bool, src, dst net.IP, data []byte) {
	h.SetChecksum(0)
	h.SetChecksum(transportChecksum(isV6, src, dst, ProtoTCP, h.b.Bytes(), 16, data))
}

// TCP option kinds used by this implementation (MSS and window scale
// negotiation at defaults, per SPEC_FULL.md §4.5 — no other options are
// interpreted).
const (
	optKindEnd      = 0
	optKindNop      = 1
	optKindMSS      = 2
	optKindWScale   = 3
)

// ParsedOptions holds the subset of TCP options this stack understands.
type ParsedOptions struct {
	MSS          uint16 // 0 if absent
	HasWScale    bool
	WScale       uint8
}

// ParseOptions walks a TCP option list, extracting MSS and window-scale
// if present and skipping everything else (including unknown option
// kinds, which are length-prefixed so they can always be skipped).
func ParseOptions(opts []byte) ParsedOptions {
	var out ParsedOptions
	i := 0
	for i < len(opts) {
		kind := opts[i]
		switch kind {
		case optKindEnd:
			return out
		case optKindNop:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return out
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			return out
		}
		switch kind {
		case optKindMSS:
			if length == 4 {
				out.MSS = uint16(opts[i+2])<<8 | uint16(opts[i+3])
			}
		case optKindWScale:
			if length == 3 {
				out.HasWScale = true
				out.WScale = opts[i+2]
			}
		}
		i += length
	}
	return out
}

// EncodeMSSOption returns a 4-byte MSS option, padded to a 4-byte
// boundary with NOPs by the caller if combined with other options.
func EncodeMSSOption(mss uint16) []byte {
	return []byte{optKindMSS, 4, byte(mss >> 8), byte(mss)}
}
