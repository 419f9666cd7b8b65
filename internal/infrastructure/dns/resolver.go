// Package dns resolves CONNECT host names to IPv4 addresses without blocking
// the event loop: queries leave on a non-blocking UDP socket and answers are
// read back when the loop reports it readable.
package dns

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
)

var (
	ErrNoRecords = errors.New("no A records")
	ErrTimeout   = errors.New("dns query timed out")
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultCacheTTL = time.Minute
	ResolvConf      = "/etc/resolv.conf"
)

var fallbackServer = netip.MustParseAddrPort("8.8.8.8:53")

type Config struct {
	// Server is an ip:port; empty selects the first IPv4 nameserver in
	// /etc/resolv.conf.
	Server   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type query struct {
	host string
	name string
	sent time.Time
}

// Resolver sends A queries with miekg/dns and caches answers for the record
// TTL, capped at Config.CacheTTL. It is not safe for concurrent use; the
// event loop is its only caller.
type Resolver struct {
	log      *slog.Logger
	conn     *network.Datagram
	server   netip.AddrPort
	timeout  time.Duration
	cacheTTL time.Duration
	cache    *cache.Cache
	pending  map[domain.QueryID]*query
	buf      []byte
}

func New(cfg Config, log *slog.Logger) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	server, err := serverAddr(cfg.Server, log)
	if err != nil {
		return nil, err
	}
	conn, err := network.BindUDP()
	if err != nil {
		return nil, err
	}

	return &Resolver{
		log:      log,
		conn:     conn,
		server:   server,
		timeout:  cfg.Timeout,
		cacheTTL: cfg.CacheTTL,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		pending:  make(map[domain.QueryID]*query),
		buf:      make([]byte, dns.DefaultMsgSize),
	}, nil
}

func serverAddr(s string, log *slog.Logger) (netip.AddrPort, error) {
	if s != "" {
		if ap, err := netip.ParseAddrPort(s); err == nil {
			return ap, nil
		}
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("dns server %q: want ip:port", s)
		}
		return netip.AddrPortFrom(ip, 53), nil
	}

	cc, err := dns.ClientConfigFromFile(ResolvConf)
	if err != nil {
		log.Warn("No usable resolv.conf, using fallback nameserver", "error", err, "server", fallbackServer)
		return fallbackServer, nil
	}
	for _, srv := range cc.Servers {
		ap, err := netip.ParseAddrPort(srv + ":" + cc.Port)
		if err == nil && ap.Addr().Is4() {
			return ap, nil
		}
	}
	log.Warn("No IPv4 nameserver in resolv.conf, using fallback", "server", fallbackServer)
	return fallbackServer, nil
}

func (r *Resolver) Fd() int { return r.conn.Fd() }

func (r *Resolver) Server() netip.AddrPort { return r.server }

func (r *Resolver) Close() error { return r.conn.Close() }

// Pending reports the number of queries still waiting for an answer.
func (r *Resolver) Pending() int { return len(r.pending) }

func key(host string) string {
	return strings.ToLower(dns.Fqdn(host))
}

func (r *Resolver) Cached(host string) (netip.Addr, bool) {
	if v, ok := r.cache.Get(key(host)); ok {
		return v.(netip.Addr), true
	}
	return netip.Addr{}, false
}

// Query sends an A question for host and returns the id its answer will
// carry.
func (r *Resolver) Query(host string) (domain.QueryID, error) {
	name := key(host)
	if _, ok := dns.IsDomainName(name); !ok {
		return 0, fmt.Errorf("query %s: invalid domain name", host)
	}

	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.RecursionDesired = true
	m.Id = r.nextID()

	packed, err := m.Pack()
	if err != nil {
		return 0, fmt.Errorf("pack query %s: %w", host, err)
	}
	if err := r.conn.SendTo(packed, r.server); err != nil {
		return 0, fmt.Errorf("send query %s: %w", host, err)
	}

	id := domain.QueryID(m.Id)
	r.pending[id] = &query{host: host, name: name, sent: time.Now()}
	r.log.Debug("DNS query sent", "domain", host, "id", m.Id, "server", r.server)
	return id, nil
}

func (r *Resolver) nextID() uint16 {
	for {
		id := dns.Id()
		if _, busy := r.pending[domain.QueryID(id)]; !busy {
			return id
		}
	}
}

// ReadAnswers drains every datagram queued on the socket. Datagrams from
// other peers and replies to unknown ids are dropped.
func (r *Resolver) ReadAnswers() ([]domain.Answer, error) {
	var answers []domain.Answer
	for {
		n, from, err := r.conn.RecvFrom(r.buf)
		if errors.Is(err, domain.ErrWouldBlock) {
			return answers, nil
		}
		if err != nil {
			return answers, err
		}
		if from.Addr().Unmap() != r.server.Addr() || from.Port() != r.server.Port() {
			r.log.Debug("Dropping datagram from unexpected peer", "from", from)
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(r.buf[:n]); err != nil {
			r.log.Error("Failed to unpack DNS response", "error", err)
			continue
		}
		id := domain.QueryID(msg.Id)
		q, ok := r.pending[id]
		if !ok || len(msg.Question) == 0 || !strings.EqualFold(msg.Question[0].Name, q.name) {
			continue
		}
		delete(r.pending, id)

		ans := domain.Answer{ID: id, Host: q.host}
		ans.Addr, ans.Err = r.answer(q, msg)
		answers = append(answers, ans)
	}
}

func (r *Resolver) answer(q *query, msg *dns.Msg) (netip.Addr, error) {
	if msg.Rcode != dns.RcodeSuccess {
		return netip.Addr{}, fmt.Errorf("query %s: %s", q.host, dns.RcodeToString[msg.Rcode])
	}
	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.A.To4())
		if !ok {
			continue
		}
		ttl := min(time.Duration(a.Hdr.Ttl)*time.Second, r.cacheTTL)
		if ttl > 0 {
			r.cache.Set(q.name, ip, ttl)
		}
		r.log.Debug("DNS Resolved", "domain", q.host, "ip", ip, "ttl", ttl)
		return ip, nil
	}
	if msg.Truncated {
		return netip.Addr{}, fmt.Errorf("query %s: truncated response", q.host)
	}
	return netip.Addr{}, fmt.Errorf("query %s: %w", q.host, ErrNoRecords)
}

// Expire fails every query sent before now minus the configured timeout.
func (r *Resolver) Expire(now time.Time) []domain.Answer {
	var expired []domain.Answer
	for id, q := range r.pending {
		if now.Sub(q.sent) < r.timeout {
			continue
		}
		delete(r.pending, id)
		expired = append(expired, domain.Answer{
			ID:   id,
			Host: q.host,
			Err:  fmt.Errorf("query %s: %w", q.host, ErrTimeout),
		})
	}
	return expired
}

// Cancel forgets a query whose requester went away.
func (r *Resolver) Cancel(id domain.QueryID) {
	delete(r.pending, id)
}
