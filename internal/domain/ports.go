package domain

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
)

// ErrWouldBlock is returned by Socket reads and writes that cannot make
// progress without blocking.
var ErrWouldBlock = errors.New("operation would block")

type EventHandler interface {
	// Tick runs once per loop iteration before the readiness wait.
	Tick(ctx context.Context)
	HandleEvent(ctx context.Context, id ConnID, event EventType) error
}

type EventLoop interface {
	Register(fd int, id ConnID, events EventType) error
	Modify(fd int, id ConnID, events EventType) error
	Unregister(fd int) error
	Run(ctx context.Context, handler EventHandler) error
	Stop()
}

// Socket is a non-blocking stream socket. Read returns (0, nil) once the peer
// has closed its side.
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// ConnectError reports the outcome of a non-blocking connect.
	ConnectError() error
	LocalAddr() netip.AddrPort
	Shutdown() error
	Close() error
}

// Connector starts a non-blocking TCP connect.
type Connector interface {
	Connect(addr netip.AddrPort) (Socket, error)
}

// Resolver looks up host names without blocking the loop. Queries go out on
// the resolver's own descriptor; answers are collected with ReadAnswers once
// it turns readable, and unanswered queries surface through Expire.
type Resolver interface {
	Fd() int
	// Cached returns a still-valid earlier answer for host.
	Cached(host string) (netip.Addr, bool)
	Query(host string) (QueryID, error)
	ReadAnswers() ([]Answer, error)
	Expire(now time.Time) []Answer
	// Cancel drops a pending query whose answer is no longer wanted.
	Cancel(id QueryID)
}

// QueryID matches an answer to the query that asked for it.
type QueryID uint16

// Answer is the outcome of one query: an IPv4 address or an error.
type Answer struct {
	ID   QueryID
	Host string
	Addr netip.Addr
	Err  error
}
