package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

const listenBacklog = 128

// Listener is a non-blocking IPv4 TCP listening socket.
type Listener struct {
	fd int
}

func ListenTCP(addr netip.AddrPort) (*Listener, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("listen %s: only ipv4 bind addresses are supported", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Listener{fd: fd}, nil
}

func (l *Listener) Fd() int { return l.fd }

// Addr returns the bound address, including a kernel-chosen port.
func (l *Listener) Addr() netip.AddrPort {
	return sockName(l.fd)
}

// Accept returns domain.ErrWouldBlock once the accept queue is empty.
func (l *Listener) Accept() (*Socket, netip.AddrPort, error) {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			return &Socket{fd: nfd}, sockaddrToAddrPort(sa), nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, netip.AddrPort{}, domain.ErrWouldBlock
		default:
			return nil, netip.AddrPort{}, fmt.Errorf("accept: %w", err)
		}
	}
}

func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

func sockName(fd int) netip.AddrPort {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return sockaddrToAddrPort(sa)
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}
