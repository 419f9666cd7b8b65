package testutil

import (
	"context"
	"io"
	"net"
	"testing"
)

// StartPayloadServer writes payload to the first connection it accepts and
// then closes it, so the peer sees EOF right after the last byte.
func StartPayloadServer(t *testing.T, ctx context.Context, payload []byte) net.Listener {
	t.Helper()

	ln := listen(t, ctx)
	go func() {
		c, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write(payload)
	}()
	return ln
}

// StartSinkServer collects everything the first accepted connection sends
// until EOF and delivers it on the returned channel.
func StartSinkServer(t *testing.T, ctx context.Context) (net.Listener, <-chan []byte) {
	t.Helper()

	ln := listen(t, ctx)
	got := make(chan []byte, 1)
	go func() {
		defer close(got)
		c, err := ln.Accept()
		_ = ln.Close()
		if err != nil {
			return
		}
		defer c.Close()
		b, _ := io.ReadAll(c)
		got <- b
	}()
	return ln, got
}

func listen(t *testing.T, ctx context.Context) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}
