package network

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"socks-proxy/internal/domain"
)

func waitFor(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenConnectAcceptRoundTrip(t *testing.T) {
	ln, err := ListenTCP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	addr := ln.Addr()
	if addr.Port() == 0 {
		t.Fatal("expected kernel-assigned port")
	}

	if _, _, err := ln.Accept(); !errors.Is(err, domain.ErrWouldBlock) {
		t.Fatalf("accept on empty queue: %v", err)
	}

	client, err := Dialer{}.Connect(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var server *Socket
	waitFor(t, "accept", func() bool {
		s, _, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, domain.ErrWouldBlock) {
				t.Fatal(err)
			}
			return false
		}
		server = s
		return true
	})
	defer server.Close()

	waitFor(t, "connect", func() bool { return client.ConnectError() == nil })
	if got := client.LocalAddr(); !got.Addr().Is4() || got.Port() == 0 {
		t.Fatalf("local addr %v", got)
	}

	buf := make([]byte, 16)
	if _, err := server.Read(buf); !errors.Is(err, domain.ErrWouldBlock) {
		t.Fatalf("read on idle socket: %v", err)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	var n int
	waitFor(t, "read", func() bool {
		n, err = server.Read(buf)
		return err == nil
	})
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q", buf[:n])
	}

	if err := client.Shutdown(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "eof", func() bool {
		n, err = server.Read(buf)
		return err == nil && n == 0
	})
}

func TestConnectRefused(t *testing.T) {
	ln, err := ListenTCP(netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr()
	ln.Close()

	sock, err := Dialer{}.Connect(addr)
	if err != nil {
		if !errors.Is(err, unix.ECONNREFUSED) {
			t.Fatal(err)
		}
		return
	}
	defer sock.Close()

	waitFor(t, "connect failure", func() bool {
		return errors.Is(sock.ConnectError(), unix.ECONNREFUSED)
	})
}

func TestIPv6Rejected(t *testing.T) {
	if _, err := ListenTCP(netip.MustParseAddrPort("[::1]:0")); err == nil {
		t.Fatal("expected ipv6 listen to fail")
	}
	if _, err := (Dialer{}).Connect(netip.MustParseAddrPort("[::1]:80")); err == nil {
		t.Fatal("expected ipv6 connect to fail")
	}
}
