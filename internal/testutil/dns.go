package testutil

import (
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// DNSServer answers A questions from a fixed table. Names listed as silent
// are never answered; any other unknown name gets NXDOMAIN.
type DNSServer struct {
	Addr    string
	queries atomic.Int32
}

// Queries reports how many questions reached the server.
func (s *DNSServer) Queries() int { return int(s.queries.Load()) }

func StartDNSServer(t *testing.T, records map[string]netip.Addr, silent ...string) *DNSServer {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := &DNSServer{Addr: pc.LocalAddr().String()}
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		srv.queries.Add(1)
		q := req.Question[0]
		if slices.Contains(silent, q.Name) {
			return
		}
		m := new(dns.Msg)
		m.SetReply(req)
		ip, ok := records[q.Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		} else {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   ip.AsSlice(),
			})
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return srv
}
