package socks5

import (
	"fmt"
	"unicode/utf8"
)

// UserPassStatusSuccess is the only status that lets a client proceed.
const UserPassStatusSuccess = 0x00

// UserPassRequest is the RFC 1929 username/password sub-negotiation request.
// Version is kept as sent; clients disagree on 0x00 versus 0x01.
type UserPassRequest struct {
	Version  byte
	Username string
	Password string
}

type UserPassReply struct {
	Version byte
	Status  byte
}

// DecodeUserPassRequest returns the request and the bytes it occupied.
func DecodeUserPassRequest(buf []byte) (UserPassRequest, int, error) {
	if len(buf) < 2 {
		return UserPassRequest{}, 0, ErrDataIncomplete
	}
	name, n, err := decodeLenString(buf[1:])
	if err != nil {
		return UserPassRequest{}, 0, fmt.Errorf("username: %w", err)
	}
	pass, m, err := decodeLenString(buf[1+n:])
	if err != nil {
		return UserPassRequest{}, 0, fmt.Errorf("password: %w", err)
	}
	return UserPassRequest{Version: buf[0], Username: name, Password: pass}, 1 + n + m, nil
}

func DecodeUserPassReply(buf []byte) (UserPassReply, int, error) {
	if len(buf) < 2 {
		return UserPassReply{}, 0, ErrDataIncomplete
	}
	return UserPassReply{Version: buf[0], Status: buf[1]}, 2, nil
}

func EncodeUserPassReply(reply UserPassReply) []byte {
	return []byte{reply.Version, reply.Status}
}

func decodeLenString(buf []byte) (string, int, error) {
	if len(buf) < 1 {
		return "", 0, ErrDataIncomplete
	}
	n := int(buf[0])
	if len(buf) < 1+n {
		return "", 0, ErrDataIncomplete
	}
	s := buf[1 : 1+n]
	if !utf8.Valid(s) {
		return "", 0, ErrInvalidEncoding
	}
	return string(s), 1 + n, nil
}
