package network

import (
	"errors"
	"net/netip"
	"testing"

	"socks-proxy/internal/domain"
)

func TestDatagramSendRecv(t *testing.T) {
	a, err := BindUDP()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := BindUDP()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, _, err := b.RecvFrom(make([]byte, 16)); !errors.Is(err, domain.ErrWouldBlock) {
		t.Fatalf("recv on empty socket: %v", err)
	}

	to := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), b.LocalAddr().Port())
	if err := a.SendTo([]byte("query"), to); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	var (
		n    int
		from netip.AddrPort
	)
	waitFor(t, "datagram", func() bool {
		n, from, err = b.RecvFrom(buf)
		if err != nil && !errors.Is(err, domain.ErrWouldBlock) {
			t.Fatal(err)
		}
		return err == nil
	})
	if string(buf[:n]) != "query" {
		t.Fatalf("got %q", buf[:n])
	}
	if from.Port() != a.LocalAddr().Port() {
		t.Fatalf("from %s, want port %d", from, a.LocalAddr().Port())
	}
}

func TestDatagramRejectsIPv6(t *testing.T) {
	d, err := BindUDP()
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.SendTo([]byte("x"), netip.MustParseAddrPort("[::1]:53")); err == nil {
		t.Fatal("expected error")
	}
}
