package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

// Socket is a non-blocking TCP stream socket. It implements domain.Socket.
type Socket struct {
	fd int
}

func NewSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

func (s *Socket) Fd() int { return s.fd }

func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if n < 0 {
			n = 0
		}
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return n, domain.ErrWouldBlock
		default:
			return n, fmt.Errorf("read fd %d: %w", s.fd, err)
		}
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		if n < 0 {
			n = 0
		}
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return n, domain.ErrWouldBlock
		default:
			return n, fmt.Errorf("write fd %d: %w", s.fd, err)
		}
	}
}

// ConnectError reads SO_ERROR; it is nil once a non-blocking connect has
// succeeded.
func (s *Socket) ConnectError() error {
	val, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if val != 0 {
		return unix.Errno(val)
	}
	return nil
}

func (s *Socket) LocalAddr() netip.AddrPort {
	return sockName(s.fd)
}

func (s *Socket) Shutdown() error {
	return unix.Shutdown(s.fd, unix.SHUT_RDWR)
}

func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Dialer starts non-blocking IPv4 connects. It implements domain.Connector.
type Dialer struct{}

// Connect returns as soon as the connect is in flight; the outcome is read
// with ConnectError once the socket turns writable.
func (Dialer) Connect(addr netip.AddrPort) (domain.Socket, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("connect %s: only ipv4 destinations are supported", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	return &Socket{fd: fd}, nil
}
