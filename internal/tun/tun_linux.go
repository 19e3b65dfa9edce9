//go:build linux

package tun

import (
	"fmt"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifReqSize  = 40
	tunDevPath = "/dev/net/tun"
)

type linuxDevice struct {
	file *os.File
	mtu  int
	buf  []byte
}

func open(cfg Config) (Device, error) {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 2048
	}

	var f *os.File
	switch {
	case cfg.FD > 0:
		f = os.NewFile(uintptr(cfg.FD), "tun")
		if f == nil {
			return nil, fmt.Errorf("tun: invalid fd %d", cfg.FD)
		}
	case cfg.Name != "":
		var err error
		f, err = openByName(cfg.Name)
		if err != nil {
			return nil, err
		}
		if cfg.Addr != "" {
			if err := configureAddr(cfg.Name, cfg.Addr, cfg.Mask); err != nil {
				f.Close()
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("tun: one of FD or Name is required")
	}

	return &linuxDevice{file: f, mtu: mtu, buf: make([]byte, mtu)}, nil
}

// openByName opens /dev/net/tun and binds it to a TUN (IFF_TUN, no
// packet-info prefix) interface with the given name via TUNSETIFF.
func openByName(name string) (*os.File, error) {
	f, err := os.OpenFile(tunDevPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tun: open %s: %w", tunDevPath, err)
	}

	var ifr [ifReqSize]byte
	copy(ifr[:unix.IFNAMSIZ], name)
	// IFF_TUN | IFF_NO_PI: raw IP packets, no 4-byte flags/proto prefix.
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = unix.IFF_TUN | unix.IFF_NO_PI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("tun: TUNSETIFF %s: %w", name, errno)
	}
	return f, nil
}

// configureAddr assigns addr/mask to name using an AF_INET ioctl socket,
// mirroring the "tun device I/O primitives ... ioctl for address/netmask"
// contract named in SPEC_FULL.md §1 as an external collaborator.
func configureAddr(name, addr, mask string) error {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return fmt.Errorf("tun: invalid address %q", addr)
	}
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("tun: socket: %w", err)
	}
	defer unix.Close(sock)

	var ifr [ifReqSize]byte
	copy(ifr[:unix.IFNAMSIZ], name)

	setSockaddrIn(ifr[unix.IFNAMSIZ:], ip)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), uintptr(unix.SIOCSIFADDR), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return fmt.Errorf("tun: SIOCSIFADDR: %w", errno)
	}

	if mask != "" {
		maskIP := net.ParseIP(mask).To4()
		if maskIP == nil {
			return fmt.Errorf("tun: invalid mask %q", mask)
		}
		setSockaddrIn(ifr[unix.IFNAMSIZ:], maskIP)
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), uintptr(unix.SIOCSIFNETMASK), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
			return fmt.Errorf("tun: SIOCSIFNETMASK: %w", errno)
		}
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), uintptr(unix.SIOCGIFFLAGS), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return fmt.Errorf("tun: SIOCGIFFLAGS: %w", errno)
	}
	flags := *(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ]))
	flags |= unix.IFF_UP | unix.IFF_RUNNING
	*(*uint16)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = flags
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(sock), uintptr(unix.SIOCSIFFLAGS), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return fmt.Errorf("tun: SIOCSIFFLAGS: %w", errno)
	}
	return nil
}

// setSockaddrIn writes a struct sockaddr_in {family, port, addr} into
// the ifr_addr union field of an ifreq.
func setSockaddrIn(dst []byte, ip net.IP) {
	for i := range dst {
		dst[i] = 0
	}
	*(*uint16)(unsafe.Pointer(&dst[0])) = unix.AF_INET
	copy(dst[4:8], ip.To4())
}

func (d *linuxDevice) ReadPacket() ([]byte, error) {
	n, err := d.file.Read(d.buf)
	if err != nil {
		return nil, err
	}
	return d.buf[:n], nil
}

func (d *linuxDevice) WritePacket(pkt []byte) error {
	_, err := d.file.Write(pkt)
	return err
}

func (d *linuxDevice) Close() error {
	return d.file.Close()
}
