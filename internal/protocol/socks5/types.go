// Package socks5 converts between SOCKS5 wire bytes and the handshake value
// objects exchanged by a proxy server and its clients.
//
// Every decoder takes the accumulated receive buffer and either returns a
// value together with the number of bytes it occupied, or an error. A buffer
// that is merely too short yields ErrDataIncomplete, which callers treat as
// "wait for more input" rather than a protocol violation.
//
// Ports are written low byte first by default. Codec.PortOrder switches to
// the network byte order mandated by RFC 1928.
package socks5

import (
	"errors"
	"fmt"
)

var (
	ErrDataIncomplete         = errors.New("socks5: data incomplete")
	ErrUnsupportedVersion     = errors.New("socks5: unsupported version")
	ErrUnsupportedAuthMethod  = errors.New("socks5: unsupported auth method")
	ErrUnsupportedCommand     = errors.New("socks5: unsupported command")
	ErrUnsupportedAddressType = errors.New("socks5: unsupported address type")
	ErrUnsupportedReply       = errors.New("socks5: unsupported reply code")
	ErrInvalidEncoding        = errors.New("socks5: invalid utf-8 encoding")
	ErrInvalidAddress         = errors.New("socks5: invalid address")
)

const socks5Version = 0x05

// Version is the protocol version carried in byte 0 of every message.
type Version uint8

const (
	VersionOthers Version = iota
	VersionSocks5
)

func (v Version) String() string {
	if v == VersionSocks5 {
		return "socks5"
	}
	return "others"
}

func decodeVersion(b byte) Version {
	if b == socks5Version {
		return VersionSocks5
	}
	return VersionOthers
}

func encodeVersion(v Version) (byte, error) {
	if v != VersionSocks5 {
		return 0, fmt.Errorf("encode %s: %w", v, ErrUnsupportedVersion)
	}
	return socks5Version, nil
}

// AuthMethod values are their wire bytes.
type AuthMethod byte

const (
	MethodNone         AuthMethod = 0x00
	MethodGSSAPI       AuthMethod = 0x01
	MethodNamePassword AuthMethod = 0x02
	MethodIanaAssigned AuthMethod = 0x03
	MethodReserved     AuthMethod = 0x80
	MethodNoAcceptable AuthMethod = 0xFF
)

func (m AuthMethod) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodGSSAPI:
		return "gssapi"
	case MethodNamePassword:
		return "name-password"
	case MethodIanaAssigned:
		return "iana-assigned"
	case MethodReserved:
		return "reserved"
	case MethodNoAcceptable:
		return "no-acceptable"
	default:
		return fmt.Sprintf("method(0x%02x)", byte(m))
	}
}

func decodeAuthMethod(b byte) (AuthMethod, error) {
	switch m := AuthMethod(b); m {
	case MethodNone, MethodGSSAPI, MethodNamePassword, MethodIanaAssigned, MethodReserved, MethodNoAcceptable:
		return m, nil
	default:
		return 0, fmt.Errorf("method 0x%02x: %w", b, ErrUnsupportedAuthMethod)
	}
}

// Only the methods this server can negotiate have an encoding.
func encodeAuthMethod(m AuthMethod) (byte, error) {
	switch m {
	case MethodNone, MethodNamePassword:
		return byte(m), nil
	default:
		return 0, fmt.Errorf("encode %s: %w", m, ErrUnsupportedAuthMethod)
	}
}

// Command values are their wire bytes.
type Command byte

const (
	CmdConnect Command = 0x01
	CmdBind    Command = 0x02
	CmdUDP     Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "connect"
	case CmdBind:
		return "bind"
	case CmdUDP:
		return "udp-associate"
	default:
		return fmt.Sprintf("command(0x%02x)", byte(c))
	}
}

func decodeCommand(b byte) (Command, error) {
	switch c := Command(b); c {
	case CmdConnect, CmdBind, CmdUDP:
		return c, nil
	default:
		return 0, fmt.Errorf("command 0x%02x: %w", b, ErrUnsupportedCommand)
	}
}

// AddressType values are their wire bytes.
type AddressType byte

const (
	AddrIPv4   AddressType = 0x01
	AddrDomain AddressType = 0x03
	AddrIPv6   AddressType = 0x04
)

func (a AddressType) String() string {
	switch a {
	case AddrIPv4:
		return "ipv4"
	case AddrDomain:
		return "domain"
	case AddrIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("atyp(0x%02x)", byte(a))
	}
}

// ReplyCode is the REP field of a destination reply.
type ReplyCode byte

const (
	ReplySuccess ReplyCode = iota
	ReplyServerFailure
	ReplyConnectionNotAllowed
	ReplyNetworkUnreachable
	ReplyHostUnreachable
	ReplyConnectionRefused
	ReplyTTLExpired
	ReplyCmdNotSupported
	ReplyAddressTypeNotSupported
	ReplyOthers
)

var replyNames = [...]string{
	"success",
	"general server failure",
	"connection not allowed",
	"network unreachable",
	"host unreachable",
	"connection refused",
	"ttl expired",
	"command not supported",
	"address type not supported",
	"others",
}

func (r ReplyCode) String() string {
	if int(r) < len(replyNames) {
		return replyNames[r]
	}
	return fmt.Sprintf("reply(0x%02x)", byte(r))
}

func checkReplyCode(b byte) (ReplyCode, error) {
	if int(b) >= len(replyNames) {
		return 0, fmt.Errorf("reply 0x%02x: %w", b, ErrUnsupportedReply)
	}
	return ReplyCode(b), nil
}
