package packet

import (
	"net"

	"github.com/postalsys/muti-metroo/internal/buf"
)

const udpHeaderLen = 8

// UDPHeader is a mutable view over an 8-byte UDP header sharing a
// buf.Bytes backing slab with its data.
type UDPHeader struct{ b buf.Bytes }

// WithUDPBytes parses the 8-byte UDP header at the front of b, returning
// the header view and the data that follows.
func WithUDPBytes(b buf.Bytes) (UDPHeader, buf.Bytes, error) {
	if b.Len() < udpHeaderLen {
		return UDPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	rest := b
	head, err := buf.TrySplit(&rest, udpHeaderLen)
	if err != nil {
		return UDPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	h := UDPHeader{b: head}
	if int(h.Length()) < udpHeaderLen {
		return UDPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	dataLen := int(h.Length()) - udpHeaderLen
	if rest.Len() < dataLen {
		return UDPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	data, err := buf.TrySplit(&rest, dataLen)
	if err != nil {
		return UDPHeader{}, buf.Bytes{}, ErrTruncatedPacket
	}
	return h, data, nil
}

func (h UDPHeader) SrcPort() uint16  { v, _ := h.b.ReadU16(0); return v }
func (h UDPHeader) DstPort() uint16  { v, _ := h.b.ReadU16(2); return v }
func (h UDPHeader) Length() uint16   { v, _ := h.b.ReadU16(4); return v }
func (h UDPHeader) Checksum() uint16 { v, _ := h.b.ReadU16(6); return v }

func (h UDPHeader) SetSrcPort(v uint16)  { h.b.WriteU16(0, v) }
func (h UDPHeader) SetDstPort(v uint16)  { h.b.WriteU16(2, v) }
func (h UDPHeader) SetLength(v uint16)   { h.b.WriteU16(4, v) }
func (h UDPHeader) SetChecksum(v uint16) { h.b.WriteU16(6, v) }

func (h UDPHeader) Bytes() []byte { return h.b.Bytes() }

// ChecksumValid reports whether the UDP checksum is valid for the given
// pseudo-header inputs. A stored checksum of zero is always accepted
// (RFC 768: "if the computed checksum is zero, it is transmitted as all
// ones"; the all-zero value on the wire means "no checksum computed").
func (h UDPHeader) ChecksumValid(isV6 bool, src, dst net.IP, data []byte) bool {
	if h.Checksum() == 0 {
		return true
	}
	want := transportChecksum(isV6, src, dst, ProtoUDP, h.b.Bytes(), 6, data)
	return want == h.Checksum()
}

// CalculateChecksum computes and stores the UDP checksum.
func (h UDPHeader) CalculateChecksum(isV6 bool, src, dst net.IP, data []byte) {
	h.SetChecksum(0)
	sum := transportChecksum(isV6, src, dst, ProtoUDP, h.b.Bytes(), 6, data)
	if sum == 0 {
		// A computed checksum of 0 is sent as all-ones (RFC 768); 0 on
		// the wire is reserved to mean "no checksum".
		sum = 0xFFFF
	}
	h.SetChecksum(sum)
}
