package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

// Datagram is a non-blocking IPv4 UDP socket bound to an ephemeral port.
type Datagram struct {
	fd int
}

func BindUDP() (*Datagram, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("udp socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind udp: %w", err)
	}
	return &Datagram{fd: fd}, nil
}

func (d *Datagram) Fd() int { return d.fd }

func (d *Datagram) LocalAddr() netip.AddrPort {
	return sockName(d.fd)
}

func (d *Datagram) SendTo(p []byte, to netip.AddrPort) error {
	if !to.Addr().Is4() {
		return fmt.Errorf("sendto %s: only ipv4 peers are supported", to)
	}
	sa := &unix.SockaddrInet4{Port: int(to.Port()), Addr: to.Addr().As4()}
	for {
		err := unix.Sendto(d.fd, p, 0, sa)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return domain.ErrWouldBlock
		default:
			return fmt.Errorf("sendto %s: %w", to, err)
		}
	}
}

// RecvFrom returns domain.ErrWouldBlock once no datagram is queued.
func (d *Datagram) RecvFrom(p []byte) (int, netip.AddrPort, error) {
	for {
		n, sa, err := unix.Recvfrom(d.fd, p, 0)
		switch {
		case err == nil:
			return n, sockaddrToAddrPort(sa), nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, netip.AddrPort{}, domain.ErrWouldBlock
		default:
			return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: %w", err)
		}
	}
}

func (d *Datagram) Close() error {
	return unix.Close(d.fd)
}
