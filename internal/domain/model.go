package domain

import (
	"fmt"
	"strings"
)

// ConnID identifies a socket for the lifetime of the process.
type ConnID uint64

// ListenerID is reserved for the listening socket.
const ListenerID ConnID = 0

// IDCounter hands out connection identifiers. It is owned by the event loop
// and is not safe for concurrent use.
type IDCounter struct {
	last ConnID
}

// Next returns a fresh identifier; the first call returns 1.
func (c *IDCounter) Next() ConnID {
	c.last++
	return c.last
}

// Stage is the handshake progress of a client connection.
type Stage int

const (
	StageInit             Stage = iota // waiting for the method selection request
	StageAuthSelectFinish              // method chosen, waiting for the CONNECT request
	StageRequestFinish                 // destination dialed, reply pending or sent
	StageReceiveContent                // message-framed relay in progress
	StageContentFinish                 // destination finished, draining to the client
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "Init"
	case StageAuthSelectFinish:
		return "AuthSelectFinish"
	case StageRequestFinish:
		return "RequestFinish"
	case StageReceiveContent:
		return "ReceiveContent"
	case StageContentFinish:
		return "ContentFinish"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// CanAdvanceTo reports whether next is a legal forward transition from s.
func (s Stage) CanAdvanceTo(next Stage) bool {
	return next > s && next <= StageContentFinish
}

// RelayMode selects how post-handshake bytes are moved between the legs.
type RelayMode int

const (
	// RelayRaw forwards bytes as soon as they are read.
	RelayRaw RelayMode = iota
	// RelayHTTP forwards one complete HTTP message at a time.
	RelayHTTP
)

func (m RelayMode) String() string {
	switch m {
	case RelayRaw:
		return "raw"
	case RelayHTTP:
		return "http"
	default:
		return fmt.Sprintf("RelayMode(%d)", int(m))
	}
}

// ParseRelayMode accepts "raw" or "http".
func ParseRelayMode(s string) (RelayMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "raw":
		return RelayRaw, nil
	case "http":
		return RelayHTTP, nil
	default:
		return 0, fmt.Errorf("unknown relay mode %q (want raw or http)", s)
	}
}

// Leg names one side of a proxied pairing.
type Leg int

const (
	LegClient Leg = iota
	LegDestination
)

func (l Leg) String() string {
	if l == LegDestination {
		return "destination"
	}
	return "client"
}

// Opposite returns the other side of the pairing.
func (l Leg) Opposite() Leg {
	if l == LegDestination {
		return LegClient
	}
	return LegDestination
}
