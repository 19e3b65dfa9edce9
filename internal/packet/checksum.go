package packet

import (
	"net"

	"github.com/postalsys/muti-metroo/internal/buf"
)

// foldWithZeroedField folds header (with the 2-byte field at checksumOff
// treated as zero) followed by extra and data into a single
// one's-complement checksum.
func foldWithZeroedField(header []byte, checksumOff int, extra func(*buf.Checksum), data []byte) uint16 {
	var c buf.Checksum

	if checksumOff >= 0 && checksumOff+2 <= len(header) {
		cp := make([]byte, len(header))
		copy(cp, header)
		cp[checksumOff] = 0
		cp[checksumOff+1] = 0
		c.AddBytes(cp)
	} else {
		c.AddBytes(header)
	}

	if extra != nil {
		extra(&c)
	}
	c.AddBytes(data)
	return c.Fold()
}

// addPseudoHeaderV4 folds the IPv4 UDP/TCP pseudo-header (RFC 793/768):
// src(4) . dst(4) . zero(1) . proto(1) . upperLayerLength(2).
func addPseudoHeaderV4(c *buf.Checksum, src, dst net.IP, proto uint8, upperLen uint16) {
	s, d := src.To4(), dst.To4()
	c.Add(uint16(s[0])<<8 | uint16(s[1]))
	c.Add(uint16(s[2])<<8 | uint16(s[3]))
	c.Add(uint16(d[0])<<8 | uint16(d[1]))
	c.Add(uint16(d[2])<<8 | uint16(d[3]))
	c.Add(uint16(proto))
	c.Add(upperLen)
}

// addPseudoHeaderV6 folds the IPv6 pseudo-header (RFC 2460 §8.1):
// src(16) . dst(16) . upperLayerLength(4) . zero(3) . nextHeader(1).
func addPseudoHeaderV6(c *buf.Checksum, src, dst net.IP, proto uint8, upperLen uint32) {
	s, d := src.To16(), dst.To16()
	for i := 0; i < 16; i += 2 {
		c.Add(uint16(s[i])<<8 | uint16(s[i+1]))
	}
	for i := 0; i < 16; i += 2 {
		c.Add(uint16(d[i])<<8 | uint16(d[i+1]))
	}
	c.Add(uint16(upperLen >> 16))
	c.Add(uint16(upperLen))
	c.Add(uint16(proto))
}

// transportChecksum computes the UDP/TCP checksum over the pseudo-header,
// the transport header (checksum field zeroed) and the payload.
func transportChecksum(isV6 bool, src, dst net.IP, proto uint8, header []byte, checksumOff int, data []byte) uint16 {
	upperLen := uint32(len(header) + len(data))
	return foldWithZeroedField(header, checksumOff, func(c *buf.Checksum) {
		if isV6 {
			addPseudoHeaderV6(c, src, dst, proto, upperLen)
		} else {
			addPseudoHeaderV4(c, src, dst, proto, uint16(upperLen))
		}
	}, data)
}

// ipv4HeaderChecksum computes the IPv4 header checksum: the one's
// complement sum over the header bytes with the checksum field zeroed,
// no pseudo-header and no payload.
func ipv4HeaderChecksum(header []byte) uint16 {
	return foldWithZeroedField(header, 10, nil, nil)
}
