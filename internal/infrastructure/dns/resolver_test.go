package dns

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/testutil"
)

func newResolver(t *testing.T, cfg Config) *Resolver {
	t.Helper()
	r, err := New(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// await polls the socket the way the event loop would until one answer
// arrives.
func await(t *testing.T, r *Resolver) domain.Answer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		answers, err := r.ReadAnswers()
		if err != nil {
			t.Fatal(err)
		}
		if len(answers) > 0 {
			return answers[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no answer")
	return domain.Answer{}
}

func TestResolverAnswersAndCaches(t *testing.T) {
	want := netip.MustParseAddr("192.0.2.10")
	srv := testutil.StartDNSServer(t, map[string]netip.Addr{"example.test.": want})
	r := newResolver(t, Config{Server: srv.Addr, Timeout: time.Second})

	if _, ok := r.Cached("example.test"); ok {
		t.Fatal("cache should start empty")
	}
	id, err := r.Query("Example.Test")
	if err != nil {
		t.Fatal(err)
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d", r.Pending())
	}

	ans := await(t, r)
	if ans.ID != id || ans.Err != nil || ans.Addr != want {
		t.Fatalf("answer = %+v", ans)
	}
	if ans.Host != "Example.Test" {
		t.Fatalf("host = %q", ans.Host)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d after answer", r.Pending())
	}

	for _, host := range []string{"example.test", "EXAMPLE.TEST."} {
		ip, ok := r.Cached(host)
		if !ok || ip != want {
			t.Fatalf("Cached(%q) = %v, %v", host, ip, ok)
		}
	}
	if got := srv.Queries(); got != 1 {
		t.Fatalf("expected 1 upstream query, got %d", got)
	}
}

func TestResolverNameError(t *testing.T) {
	srv := testutil.StartDNSServer(t, nil)
	r := newResolver(t, Config{Server: srv.Addr, Timeout: time.Second})

	if _, err := r.Query("missing.test"); err != nil {
		t.Fatal(err)
	}
	ans := await(t, r)
	if ans.Err == nil {
		t.Fatal("expected error")
	}
	if _, ok := r.Cached("missing.test"); ok {
		t.Fatal("failures must not be cached")
	}
}

func TestResolverExpire(t *testing.T) {
	srv := testutil.StartDNSServer(t, nil, "silent.test.")
	r := newResolver(t, Config{Server: srv.Addr, Timeout: 50 * time.Millisecond})

	id, err := r.Query("silent.test")
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Expire(time.Now()); len(got) != 0 {
		t.Fatalf("expired too early: %+v", got)
	}

	got := r.Expire(time.Now().Add(time.Second))
	if len(got) != 1 || got[0].ID != id || !errors.Is(got[0].Err, ErrTimeout) {
		t.Fatalf("expired = %+v", got)
	}
	if r.Pending() != 0 {
		t.Fatal("expired query still pending")
	}
}

func TestResolverCancel(t *testing.T) {
	srv := testutil.StartDNSServer(t, map[string]netip.Addr{"late.test.": netip.MustParseAddr("192.0.2.1")})
	r := newResolver(t, Config{Server: srv.Addr, Timeout: time.Second})

	id, err := r.Query("late.test")
	if err != nil {
		t.Fatal(err)
	}
	r.Cancel(id)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		answers, err := r.ReadAnswers()
		if err != nil {
			t.Fatal(err)
		}
		if len(answers) != 0 {
			t.Fatalf("cancelled query answered: %+v", answers)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResolverDropsForeignDatagrams(t *testing.T) {
	srv := testutil.StartDNSServer(t, nil)
	r := newResolver(t, Config{Server: srv.Addr, Timeout: time.Second})

	c, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(r.conn.LocalAddr().Port()))))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Write([]byte("not dns")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	answers, err := r.ReadAnswers()
	if err != nil || len(answers) != 0 {
		t.Fatalf("answers = %+v, err = %v", answers, err)
	}
}

func TestServerAddr(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	tests := []struct {
		in   string
		want string
		err  bool
	}{
		{"127.0.0.1:5353", "127.0.0.1:5353", false},
		{"192.0.2.53", "192.0.2.53:53", false},
		{"resolver.example:53", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := serverAddr(tt.in, log)
			if tt.err {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.String() != tt.want {
				t.Fatalf("got %v want %s", got, tt.want)
			}
		})
	}

	t.Run("resolv.conf", func(t *testing.T) {
		got, err := serverAddr("", log)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Addr().Is4() || got.Port() == 0 {
			t.Fatalf("got %v", got)
		}
	})
}

func TestQueryRejectsInvalidName(t *testing.T) {
	srv := testutil.StartDNSServer(t, nil)
	r := newResolver(t, Config{Server: srv.Addr})

	if _, err := r.Query("bad..name"); err == nil {
		t.Fatal("expected error")
	}
	if r.Pending() != 0 {
		t.Fatal("invalid name left a pending query")
	}
}
