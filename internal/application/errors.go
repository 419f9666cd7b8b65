package application

import (
	"context"
	"errors"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/protocol/socks5"
)

// replyCodeFor maps a resolve or connect failure to the closest SOCKS5
// reply code.
func replyCodeFor(err error) socks5.ReplyCode {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return socks5.ReplyConnectionRefused
	case errors.Is(err, unix.ENETUNREACH):
		return socks5.ReplyNetworkUnreachable
	case errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, ErrResolve):
		return socks5.ReplyHostUnreachable
	case errors.Is(err, unix.ETIMEDOUT), errors.Is(err, context.DeadlineExceeded):
		return socks5.ReplyTTLExpired
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return socks5.ReplyConnectionNotAllowed
	default:
		return socks5.ReplyServerFailure
	}
}
