// Package packet implements zero-copy IPv4/IPv6, UDP and TCP header
// parsing and building, plus the one's-complement checksum machinery
// that ties them together. Every header is a thin, mutable view over a
// buf.Bytes handle: parsing never copies, building allocates once.
package packet

import "errors"

var (
	// ErrTruncatedPacket is returned when a buffer is shorter than a
	// header's declared or minimum length.
	ErrTruncatedPacket = errors.New("packet: truncated")

	// ErrUnsupportedVersion is returned for an IP version other than 4 or 6.
	ErrUnsupportedVersion = errors.New("packet: unsupported IP version")

	// ErrMissingField is returned by a builder when a required field was
	// never set: the source or destination address, or, for
	// UDPPacketBuilder, the payload.
	ErrMissingField = errors.New("packet: missing required field")

	// ErrChecksumInvalid names a stored checksum that does not match the
	// recomputed one. No function in this package returns it; the
	// ChecksumValid methods report the outcome as a bool.
	ErrChecksumInvalid = errors.New("packet: checksum invalid")
)

// Proto numbers used throughout this package (IANA assigned).
const (
	ProtoICMPv4     = 1
	ProtoTCP        = 6
	ProtoUDP        = 17
	ProtoIPv6HopOpt = 0
	ProtoICMPv6     = 58
)
