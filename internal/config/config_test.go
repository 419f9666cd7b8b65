package config

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/protocol/socks5"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse("socks-proxy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != netip.MustParseAddrPort(DefaultListen) {
		t.Fatalf("listen = %s", cfg.Listen)
	}
	if cfg.Mode != domain.RelayRaw {
		t.Fatalf("mode = %s", cfg.Mode)
	}
	if cfg.Codec != socks5.Default {
		t.Fatal("expected little-endian port order by default")
	}
	if cfg.HandshakeTimeout != DefaultHandshakeTimeout || cfg.MaxBuffer != DefaultMaxBuffer {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if cfg.PollTimeout != 100*time.Millisecond {
		t.Fatalf("poll timeout = %s", cfg.PollTimeout)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		listen  string
		mode    domain.RelayMode
		codec   socks5.Codec
		wantErr bool
	}{
		{
			name:   "positional address",
			args:   []string{"0.0.0.0", "1080"},
			listen: "0.0.0.0:1080",
			codec:  socks5.Default,
		},
		{
			name:   "flags",
			args:   []string{"--listen", "127.0.0.1:9050", "--relay-mode", "HTTP", "--port-order", "network"},
			listen: "127.0.0.1:9050",
			mode:   domain.RelayHTTP,
			codec:  socks5.NetworkOrder,
		},
		{
			name:   "positional overrides listen",
			args:   []string{"--listen", "127.0.0.1:9050", "10.0.0.1", "80"},
			listen: "10.0.0.1:80",
			codec:  socks5.Default,
		},
		{name: "one positional", args: []string{"0.0.0.0"}, wantErr: true},
		{name: "ipv6 positional", args: []string{"::1", "1080"}, wantErr: true},
		{name: "bad port", args: []string{"0.0.0.0", "70000"}, wantErr: true},
		{name: "ipv6 listen", args: []string{"--listen", "[::1]:1080"}, wantErr: true},
		{name: "bad mode", args: []string{"--relay-mode", "tunnel"}, wantErr: true},
		{name: "bad order", args: []string{"--port-order", "middle"}, wantErr: true},
		{name: "bad format", args: []string{"--log-format", "xml"}, wantErr: true},
		{name: "negative buffer", args: []string{"--max-buffer", "-1"}, wantErr: true},
		{name: "zero poll", args: []string{"--poll-timeout", "0s"}, wantErr: true},
		{name: "unknown flag", args: []string{"--nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse("socks-proxy", tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cfg)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if cfg.Listen != netip.MustParseAddrPort(tt.listen) {
				t.Fatalf("listen = %s, want %s", cfg.Listen, tt.listen)
			}
			if cfg.Mode != tt.mode {
				t.Fatalf("mode = %s, want %s", cfg.Mode, tt.mode)
			}
			if cfg.Codec != tt.codec {
				t.Fatalf("codec = %+v, want %+v", cfg.Codec, tt.codec)
			}
		})
	}
}

func TestParseUsage(t *testing.T) {
	_, err := Parse("socks-proxy", []string{"a", "b", "c"})
	if !errors.Is(err, ErrUsage) {
		t.Fatalf("err = %v", err)
	}
}
