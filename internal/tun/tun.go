// Package tun is the external tun-device collaborator named in
// SPEC_FULL.md §6: a duplex, frame-oriented byte stream of raw IP
// packets. The core (internal/mux) only ever sees Device's ReadPacket
// and WritePacket; it never touches an fd, an ioctl, or a platform
// socket directly.
package tun

import "io"

// Device is a framed bidirectional stream of IP packets: one
// ReadPacket call returns exactly one complete datagram, one
// WritePacket call accepts exactly one complete datagram. Implementations
// live in the platform-specific files in this package.
type Device interface {
	io.Closer

	// ReadPacket blocks until one IP packet is available and returns it.
	// The returned slice is only valid until the next ReadPacket call.
	ReadPacket() ([]byte, error)

	// WritePacket writes one complete IP packet.
	WritePacket(pkt []byte) error
}

// Config names the tun source and, when the process owns the device
// (opened by name rather than handed an already-configured fd), the
// address/mask to assign to it.
type Config struct {
	// FD is an already-open tun file descriptor, e.g. inherited from a
	// supervisor that performed the privileged open+ioctl. Takes
	// precedence over Name when both are set (callers should set only
	// one; internal/config.Validate enforces this).
	FD int

	// Name is a tun interface name (e.g. "tun0") the process opens and
	// configures itself.
	Name string

	// Addr/Mask are assigned to Name when it is non-empty. Ignored for
	// an inherited FD, which the supervisor already configured.
	Addr string
	Mask string

	// MTU bounds the largest single packet read/written; SPEC_FULL.md
	// §6 assumes 2048.
	MTU int
}

// Open acquires the platform tun device described by cfg. See the
// platform-specific tun_*.go files for the actual ioctl/fd wiring.
func Open(cfg Config) (Device, error) {
	return open(cfg)
}
