// Package config parses the proxy's command line.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/dns"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/internal/protocol/socks5"
)

const (
	DefaultListen           = "127.0.0.1:10500"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMaxBuffer        = 4 << 20
)

var ErrUsage = errors.New("usage: socks-proxy [flags] [a.b.c.d port]")

type Config struct {
	Listen           netip.AddrPort
	Mode             domain.RelayMode
	Codec            socks5.Codec
	PortOrder        string
	DNS              dns.Config
	PollTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxBuffer        int
	LogLevel         string
	LogFormat        string
	DebugListen      string
}

// Parse reads flags from args, which excludes the program name. A trailing
// "a.b.c.d port" pair overrides --listen.
func Parse(name string, args []string) (Config, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	var (
		listen           = fs.String("listen", DefaultListen, "IPv4 address and port to accept SOCKS5 clients on")
		relayMode        = fs.String("relay-mode", "raw", "Relay mode after CONNECT: raw | http (forward only complete HTTP messages)")
		portOrder        = fs.String("port-order", "little", "Byte order of the port field: little | network")
		dnsServer        = fs.String("dns-server", "", "DNS server ip:port for domain targets. Empty uses the first nameserver in /etc/resolv.conf.")
		dnsTimeout       = fs.Duration("dns-timeout", dns.DefaultTimeout, "Timeout for one DNS lookup")
		dnsCacheTTL      = fs.Duration("dns-cache-ttl", dns.DefaultCacheTTL, "Upper bound on how long DNS answers are cached")
		pollTimeout      = fs.Duration("poll-timeout", epoll.DefaultPollTimeout, "Upper bound on one readiness wait")
		handshakeTimeout = fs.Duration("handshake-timeout", DefaultHandshakeTimeout, "Drop clients that have not started forwarding after this long. 0 disables.")
		maxBuffer        = fs.Int("max-buffer", DefaultMaxBuffer, "Bytes a connection may buffer per direction before reading from the sending side pauses. 0 disables.")
		logLevel         = fs.String("log-level", "info", "Log level: debug | info | warn | error")
		logFormat        = fs.String("log-format", "text", "Log format: text | json")
		debugListen      = fs.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	)

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		PortOrder: *portOrder,
		DNS: dns.Config{
			Server:   *dnsServer,
			Timeout:  *dnsTimeout,
			CacheTTL: *dnsCacheTTL,
		},
		PollTimeout:      *pollTimeout,
		HandshakeTimeout: *handshakeTimeout,
		MaxBuffer:        *maxBuffer,
		LogLevel:         *logLevel,
		LogFormat:        *logFormat,
		DebugListen:      *debugListen,
	}

	var err error
	switch rest := fs.Args(); len(rest) {
	case 0:
		cfg.Listen, err = parseListen(*listen)
	case 2:
		cfg.Listen, err = parsePositional(rest[0], rest[1])
	default:
		return Config{}, ErrUsage
	}
	if err != nil {
		return Config{}, err
	}

	if cfg.Mode, err = domain.ParseRelayMode(*relayMode); err != nil {
		return Config{}, fmt.Errorf("invalid --relay-mode: %w", err)
	}
	if cfg.Codec, err = socks5.CodecFor(*portOrder); err != nil {
		return Config{}, fmt.Errorf("invalid --port-order: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.PollTimeout <= 0:
		return errors.New("--poll-timeout must be positive")
	case c.HandshakeTimeout < 0:
		return errors.New("--handshake-timeout must not be negative")
	case c.MaxBuffer < 0:
		return errors.New("--max-buffer must not be negative")
	case c.DNS.Timeout <= 0:
		return errors.New("--dns-timeout must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format %q (want text or json)", c.LogFormat)
	}
	return nil
}

func parseListen(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid --listen: %w", err)
	}
	if !ap.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("invalid --listen %q: only IPv4 is supported", s)
	}
	return ap, nil
}

func parsePositional(host, port string) (netip.AddrPort, error) {
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrUsage, host)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid port %q", ErrUsage, port)
	}
	return netip.AddrPortFrom(ip, uint16(p)), nil
}
