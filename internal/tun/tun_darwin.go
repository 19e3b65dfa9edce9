//go:build darwin

package tun

import (
	"encoding/binary"
	"fmt"
	"os"
)

// afPrefixLen is the 4-byte address-family prefix macOS utun devices
// prepend to every packet (SPEC_FULL.md §6): AF_INET=2, AF_INET6=30.
const afPrefixLen = 4

const (
	afINET  = 2
	afINET6 = 30
)

type darwinDevice struct {
	file *os.File
	mtu  int
	buf  []byte
	out  []byte
}

// open on Darwin only supports an already-open fd (typically handed
// down by a privileged helper that performed the utun ioctl dance);
// opening by interface name is out of scope here per SPEC_FULL.md §1,
// which names tun ioctl/open as an external collaborator.
func open(cfg Config) (Device, error) {
	if cfg.FD <= 0 {
		return nil, fmt.Errorf("tun: darwin requires --tun-fd (utun open/ioctl is an external collaborator)")
	}
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 2048
	}
	f := os.NewFile(uintptr(cfg.FD), "utun")
	if f == nil {
		return nil, fmt.Errorf("tun: invalid fd %d", cfg.FD)
	}
	return &darwinDevice{
		file: f,
		mtu:  mtu,
		buf:  make([]byte, mtu+afPrefixLen),
		out:  make([]byte, 0, mtu+afPrefixLen),
	}, nil
}

func (d *darwinDevice) ReadPacket() ([]byte, error) {
	n, err := d.file.Read(d.buf)
	if err != nil {
		return nil, err
	}
	if n < afPrefixLen {
		return nil, fmt.Errorf("tun: short read %d bytes", n)
	}
	return d.buf[afPrefixLen:n], nil
}

func (d *darwinDevice) WritePacket(pkt []byte) error {
	af := uint32(afINET)
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		af = afINET6
	}
	d.out = d.out[:0]
	var prefix [afPrefixLen]byte
	binary.BigEndian.PutUint32(prefix[:], af)
	d.out = append(d.out, prefix[:]...)
	d.out = append(d.out, pkt...)
	_, err := d.file.Write(d.out)
	return err
}

func (d *darwinDevice) Close() error {
	return d.file.Close()
}
