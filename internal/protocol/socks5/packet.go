package socks5

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"unicode/utf8"
)

// AuthSelectRequest is the client's method selection message.
type AuthSelectRequest struct {
	Version     Version
	MethodCount uint8
	Methods     []AuthMethod
}

// AuthSelectReply is the server's chosen method.
type AuthSelectReply struct {
	Version Version
	Method  AuthMethod
}

// DstServiceRequest is the client's CONNECT/BIND/UDP request.
type DstServiceRequest struct {
	Version     Version
	Command     Command
	AddressType AddressType
	Address     string
	Port        uint16
}

// DstServiceReply is the server's answer to a DstServiceRequest.
type DstServiceReply struct {
	Version     Version
	Reply       ReplyCode
	AddressType AddressType
	Address     string
	Port        uint16
}

// Codec encodes and decodes the messages that carry a port.
type Codec struct {
	// PortOrder defaults to binary.LittleEndian when nil.
	PortOrder binary.ByteOrder
}

var (
	// Default writes ports low byte first.
	Default = Codec{PortOrder: binary.LittleEndian}
	// NetworkOrder writes ports as RFC 1928 specifies.
	NetworkOrder = Codec{PortOrder: binary.BigEndian}
)

// CodecFor returns Default for "little" and NetworkOrder for "network".
func CodecFor(order string) (Codec, error) {
	switch order {
	case "little", "":
		return Default, nil
	case "network", "big":
		return NetworkOrder, nil
	default:
		return Codec{}, fmt.Errorf("unknown port order %q (want little or network)", order)
	}
}

func (c Codec) order() binary.ByteOrder {
	if c.PortOrder == nil {
		return binary.LittleEndian
	}
	return c.PortOrder
}

// RequestLength is the total size of a destination request whose address
// field occupies addrLen bytes.
func RequestLength(addrLen int) int {
	return addrLen + 6
}

// DecodeAuthSelectRequest decodes a method selection request. A version other
// than 5 is reported in the value, not as an error.
func DecodeAuthSelectRequest(buf []byte) (AuthSelectRequest, int, error) {
	if len(buf) < 2 {
		return AuthSelectRequest{}, 0, ErrDataIncomplete
	}
	n := int(buf[1])
	total := 2 + n
	if len(buf) < total {
		return AuthSelectRequest{}, 0, ErrDataIncomplete
	}

	methods := make([]AuthMethod, 0, n)
	for _, b := range buf[2:total] {
		m, err := decodeAuthMethod(b)
		if err != nil {
			return AuthSelectRequest{}, 0, err
		}
		methods = append(methods, m)
	}

	return AuthSelectRequest{
		Version:     decodeVersion(buf[0]),
		MethodCount: uint8(n),
		Methods:     methods,
	}, total, nil
}

func EncodeAuthSelectRequest(req AuthSelectRequest) ([]byte, error) {
	ver, err := encodeVersion(req.Version)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(req.Methods))
	out = append(out, ver, byte(len(req.Methods)))
	for _, m := range req.Methods {
		b, err := encodeAuthMethod(m)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func EncodeAuthSelectReply(reply AuthSelectReply) ([]byte, error) {
	ver, err := encodeVersion(reply.Version)
	if err != nil {
		return nil, err
	}
	m, err := encodeAuthMethod(reply.Method)
	if err != nil {
		return nil, err
	}
	return []byte{ver, m}, nil
}

func DecodeAuthSelectReply(buf []byte) (AuthSelectReply, int, error) {
	if len(buf) < 2 {
		return AuthSelectReply{}, 0, ErrDataIncomplete
	}
	m, err := decodeAuthMethod(buf[1])
	if err != nil {
		return AuthSelectReply{}, 0, err
	}
	return AuthSelectReply{Version: decodeVersion(buf[0]), Method: m}, 2, nil
}

// DecodeDstServiceRequest decodes a destination request and returns the
// number of bytes its address field occupied. The whole message spans
// RequestLength(addrLen) bytes.
func (c Codec) DecodeDstServiceRequest(buf []byte) (DstServiceRequest, int, error) {
	if len(buf) < 4 {
		return DstServiceRequest{}, 0, ErrDataIncomplete
	}
	cmd, err := decodeCommand(buf[1])
	if err != nil {
		return DstServiceRequest{}, 0, err
	}
	atyp := AddressType(buf[3])
	addr, port, addrLen, err := c.decodeAddressPort(buf[4:], atyp)
	if err != nil {
		return DstServiceRequest{}, 0, err
	}
	return DstServiceRequest{
		Version:     decodeVersion(buf[0]),
		Command:     cmd,
		AddressType: atyp,
		Address:     addr,
		Port:        port,
	}, addrLen, nil
}

// EncodeDstServiceRequest writes a Domain address without a length prefix,
// unlike EncodeDstServiceReply.
func (c Codec) EncodeDstServiceRequest(req DstServiceRequest) ([]byte, error) {
	ver, err := encodeVersion(req.Version)
	if err != nil {
		return nil, err
	}
	if _, err := decodeCommand(byte(req.Command)); err != nil {
		return nil, err
	}
	addr, err := encodeAddress(req.AddressType, req.Address)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 6+len(addr))
	out = append(out, ver, byte(req.Command), 0x00, byte(req.AddressType))
	out = append(out, addr...)
	return c.appendPort(out, req.Port), nil
}

func (c Codec) EncodeDstServiceReply(reply DstServiceReply) ([]byte, error) {
	ver, err := encodeVersion(reply.Version)
	if err != nil {
		return nil, err
	}
	if _, err := checkReplyCode(byte(reply.Reply)); err != nil {
		return nil, err
	}
	addr, err := encodeAddress(reply.AddressType, reply.Address)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 7+len(addr))
	out = append(out, ver, byte(reply.Reply), 0x00, byte(reply.AddressType))
	if reply.AddressType == AddrDomain {
		out = append(out, byte(len(addr)))
	}
	out = append(out, addr...)
	return c.appendPort(out, reply.Port), nil
}

// DecodeDstServiceReply returns the reply and the total bytes it occupied.
func (c Codec) DecodeDstServiceReply(buf []byte) (DstServiceReply, int, error) {
	if len(buf) < 4 {
		return DstServiceReply{}, 0, ErrDataIncomplete
	}
	rep, err := checkReplyCode(buf[1])
	if err != nil {
		return DstServiceReply{}, 0, err
	}
	atyp := AddressType(buf[3])
	addr, port, addrLen, err := c.decodeAddressPort(buf[4:], atyp)
	if err != nil {
		return DstServiceReply{}, 0, err
	}
	return DstServiceReply{
		Version:     decodeVersion(buf[0]),
		Reply:       rep,
		AddressType: atyp,
		Address:     addr,
		Port:        port,
	}, RequestLength(addrLen), nil
}

func (c Codec) appendPort(out []byte, port uint16) []byte {
	var b [2]byte
	c.order().PutUint16(b[:], port)
	return append(out, b[:]...)
}

func (c Codec) decodeAddressPort(data []byte, atyp AddressType) (string, uint16, int, error) {
	addr, addrLen, err := decodeAddress(data, atyp)
	if err != nil {
		return "", 0, 0, err
	}
	if len(data) < addrLen+2 {
		return "", 0, 0, ErrDataIncomplete
	}
	return addr, c.order().Uint16(data[addrLen:]), addrLen, nil
}

func decodeAddress(data []byte, atyp AddressType) (string, int, error) {
	switch atyp {
	case AddrIPv4:
		if len(data) < 4 {
			return "", 0, ErrDataIncomplete
		}
		return netip.AddrFrom4([4]byte(data[:4])).String(), 4, nil
	case AddrDomain:
		if len(data) < 1 {
			return "", 0, ErrDataIncomplete
		}
		n := int(data[0])
		if len(data) < 1+n {
			return "", 0, ErrDataIncomplete
		}
		name := data[1 : 1+n]
		if !utf8.Valid(name) {
			return "", 0, fmt.Errorf("domain name: %w", ErrInvalidEncoding)
		}
		return string(name), 1 + n, nil
	default:
		return "", 0, fmt.Errorf("%s: %w", atyp, ErrUnsupportedAddressType)
	}
}

func encodeAddress(atyp AddressType, address string) ([]byte, error) {
	switch atyp {
	case AddrIPv4:
		ip, err := netip.ParseAddr(address)
		if err != nil || !ip.Is4() {
			return nil, fmt.Errorf("ipv4 %q: %w", address, ErrInvalidAddress)
		}
		b := ip.As4()
		return b[:], nil
	case AddrDomain:
		if len(address) > 255 {
			return nil, fmt.Errorf("domain longer than 255 bytes: %w", ErrInvalidAddress)
		}
		return []byte(address), nil
	default:
		return nil, fmt.Errorf("encode %s: %w", atyp, ErrUnsupportedAddressType)
	}
}

// DecodeDstServiceRequest decodes with the Default codec.
func DecodeDstServiceRequest(buf []byte) (DstServiceRequest, int, error) {
	return Default.DecodeDstServiceRequest(buf)
}

// EncodeDstServiceRequest encodes with the Default codec.
func EncodeDstServiceRequest(req DstServiceRequest) ([]byte, error) {
	return Default.EncodeDstServiceRequest(req)
}

// EncodeDstServiceReply encodes with the Default codec.
func EncodeDstServiceReply(reply DstServiceReply) ([]byte, error) {
	return Default.EncodeDstServiceReply(reply)
}

// DecodeDstServiceReply decodes with the Default codec.
func DecodeDstServiceReply(buf []byte) (DstServiceReply, int, error) {
	return Default.DecodeDstServiceReply(buf)
}
