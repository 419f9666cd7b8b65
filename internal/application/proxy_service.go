package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/infrastructure/network"
	"socks-proxy/internal/protocol/socks5"
)

const readChunkSize = 8192

type Config struct {
	Listen           netip.AddrPort
	Mode             domain.RelayMode
	Codec            socks5.Codec
	HandshakeTimeout time.Duration
	MaxBuffer        int
}

type termination struct {
	id    domain.ConnID
	cause error
}

// ProxyService multiplexes every client and destination socket on one
// event loop. It owns the socket table and the pairing table; protocol state
// lives in one Connection per client.
type ProxyService struct {
	log      *slog.Logger
	loop     domain.EventLoop
	listener *network.Listener
	cfg      Config
	connOpts ConnectionOptions

	resolver   domain.Resolver
	resolverID domain.ConnID
	lookups    map[domain.QueryID]domain.ConnID // query id -> client id

	ids     domain.IDCounter
	sockets map[domain.ConnID]domain.Socket
	records map[domain.ConnID]*Connection
	pairs   map[domain.ConnID]domain.ConnID // destination id -> client id
	armed   map[domain.ConnID]bool          // registered for write interest
	paused  map[domain.ConnID]bool          // reading stopped at the buffer limit

	terminating []termination
	doomed      map[domain.ConnID]bool

	scratch []byte
}

func NewProxyService(loop domain.EventLoop, logger *slog.Logger, cfg Config, resolver domain.Resolver, connector domain.Connector) (*ProxyService, error) {
	ln, err := network.ListenTCP(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	s := &ProxyService{
		log:      logger,
		loop:     loop,
		listener: ln,
		cfg:      cfg,
		connOpts: ConnectionOptions{
			Mode:      cfg.Mode,
			Codec:     cfg.Codec,
			MaxBuffer: cfg.MaxBuffer,
			Connector: connector,
			Logger:    logger,
		},
		resolver: resolver,
		lookups:  make(map[domain.QueryID]domain.ConnID),
		sockets:  make(map[domain.ConnID]domain.Socket),
		records:  make(map[domain.ConnID]*Connection),
		pairs:    make(map[domain.ConnID]domain.ConnID),
		armed:    make(map[domain.ConnID]bool),
		paused:   make(map[domain.ConnID]bool),
		doomed:   make(map[domain.ConnID]bool),
		scratch:  make([]byte, readChunkSize),
	}
	s.resolverID = s.ids.Next()
	return s, nil
}

// Addr returns the address the listener is bound to.
func (s *ProxyService) Addr() netip.AddrPort {
	return s.listener.Addr()
}

// Start runs the event loop until ctx is done, then closes every socket.
func (s *ProxyService) Start(ctx context.Context) error {
	s.log.Info("Registering listener in EventLoop", "listener_fd", s.listener.Fd(), "addr", s.Addr())

	if err := s.loop.Register(s.listener.Fd(), domain.ListenerID, domain.EventRead); err != nil {
		s.listener.Close()
		return fmt.Errorf("register listener: %w", err)
	}
	if err := s.loop.Register(s.resolver.Fd(), s.resolverID, domain.EventRead); err != nil {
		_ = s.loop.Unregister(s.listener.Fd())
		s.listener.Close()
		return fmt.Errorf("register resolver: %w", err)
	}
	defer s.shutdown()

	s.log.Info("Proxy service is running loop...", "mode", s.cfg.Mode)
	return s.loop.Run(ctx, s)
}

// Tick fails lookups that went unanswered, drops connections stuck in the
// handshake and drains the termination queue.
func (s *ProxyService) Tick(_ context.Context) {
	for _, ans := range s.resolver.Expire(time.Now()) {
		s.deliver(ans)
	}

	if s.cfg.HandshakeTimeout > 0 {
		now := time.Now()
		for id, rec := range s.records {
			if !rec.Forwarding() && !s.doomed[id] && now.Sub(rec.CreatedAt()) > s.cfg.HandshakeTimeout {
				s.queueTermination(id, errors.New("handshake timeout"))
			}
		}
	}

	for len(s.terminating) > 0 {
		queue := s.terminating
		s.terminating = nil
		for _, t := range queue {
			s.terminate(t)
		}
	}
}

func (s *ProxyService) HandleEvent(_ context.Context, id domain.ConnID, event domain.EventType) error {
	switch id {
	case domain.ListenerID:
		return s.acceptClients()
	case s.resolverID:
		return s.readAnswers()
	}

	rec, leg, ok := s.lookup(id)
	if !ok || s.doomed[id] || s.doomed[rec.ID()] {
		return nil
	}

	if leg == domain.LegDestination && rec.ConnectPending() && event&domain.EventWrite != 0 {
		if !s.finishConnect(rec, id) {
			return nil
		}
	}
	if event&domain.EventRead != 0 {
		s.onReadable(rec, leg, id)
	}
	if event&domain.EventWrite != 0 && !s.doomed[id] && !s.doomed[rec.ID()] {
		s.onWritable(rec, leg, id)
	}
	return nil
}

func (s *ProxyService) lookup(id domain.ConnID) (*Connection, domain.Leg, bool) {
	if rec, ok := s.records[id]; ok {
		return rec, domain.LegClient, true
	}
	if cid, ok := s.pairs[id]; ok {
		if rec, ok := s.records[cid]; ok {
			return rec, domain.LegDestination, true
		}
	}
	return nil, domain.LegClient, false
}

func (s *ProxyService) acceptClients() error {
	for {
		sock, peer, err := s.listener.Accept()
		if errors.Is(err, domain.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			s.log.Error("Accept failed", "error", err)
			return err
		}

		id := s.ids.Next()
		if err := s.loop.Register(sock.Fd(), id, domain.EventRead); err != nil {
			s.log.Error("Failed to register client", "fd", sock.Fd(), "error", err)
			sock.Close()
			continue
		}
		s.sockets[id] = sock
		s.records[id] = NewConnection(id, s.connOpts)

		s.log.Info("New client accepted", "id", id, "fd", sock.Fd(), "ip", peer)
	}
}

// onReadable reads leg until the kernel has nothing more or the data read
// from it fills the buffer limit. In the latter case the socket is marked
// paused and the remaining bytes stay in the kernel; resume reads it again
// once the opposite leg has drained.
func (s *ProxyService) onReadable(rec *Connection, leg domain.Leg, id domain.ConnID) {
	sock, ok := s.sockets[id]
	if !ok {
		return
	}
	delete(s.paused, id)

	for {
		eof, err := s.readFrom(rec, leg, id, sock)
		if err != nil {
			s.fail(rec, leg, id, err)
			return
		}

		if eof && leg == domain.LegClient {
			s.process(rec)
			s.flushDestination(rec)
			s.queueTermination(id, errors.New("connection closed by peer"))
			return
		}

		s.process(rec)
		if eof {
			s.queueTermination(id, nil)
			return
		}
		if !s.paused[id] || s.doomed[id] || s.doomed[rec.ID()] {
			return
		}
		if rec.ReadBudget(leg) > 0 {
			// Handling the buffered bytes made room.
			delete(s.paused, id)
			continue
		}
		if s.stalled(rec, leg) {
			s.fail(rec, leg, id, fmt.Errorf("%s leg: %w", leg, ErrBufferOverflow))
		}
		return
	}
}

// readFrom reads into the connection until EAGAIN, EOF or the read budget
// for leg is used up.
func (s *ProxyService) readFrom(rec *Connection, leg domain.Leg, id domain.ConnID, sock domain.Socket) (bool, error) {
	for {
		budget := rec.ReadBudget(leg)
		if budget == 0 {
			s.paused[id] = true
			s.log.Debug("Reading paused at buffer limit", "id", id, "leg", leg, "buffered", rec.Buffered(leg))
			return false, nil
		}

		n, err := sock.Read(s.scratch[:min(len(s.scratch), budget)])
		if n > 0 {
			if rerr := rec.Receive(leg, s.scratch[:n]); rerr != nil {
				return false, rerr
			}
			s.log.Debug("Data received", "id", id, "leg", leg, "bytes", n)
		}
		if err != nil {
			if errors.Is(err, domain.ErrWouldBlock) {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return true, nil
		}
	}
}

// stalled reports that a paused leg can never be resumed: nothing read from
// it is waiting to be written, so no write on the opposite leg will free
// room. This happens when a single HTTP message outgrows the limit, or a
// handshake message does.
func (s *ProxyService) stalled(rec *Connection, leg domain.Leg) bool {
	if rec.ConnectPending() || rec.Resolving() {
		return false
	}
	return rec.SendBuffer(leg.Opposite()).Len() == 0
}

// resume reads a paused leg again. Edge-triggered readiness does not repeat
// for bytes already waiting in the kernel, so this is the only way back.
func (s *ProxyService) resume(rec *Connection, leg domain.Leg) {
	id := rec.ID()
	if leg == domain.LegDestination {
		did, ok := rec.DestinationID()
		if !ok {
			return
		}
		id = did
	}
	if !s.paused[id] || s.doomed[id] || s.doomed[rec.ID()] {
		return
	}
	s.log.Debug("Reading resumed", "id", id, "leg", leg)
	s.onReadable(rec, leg, id)
}

// flushDestination makes one non-blocking attempt to hand what the client
// sent before closing to the destination.
func (s *ProxyService) flushDestination(rec *Connection) {
	did, ok := rec.DestinationID()
	if !ok || rec.ConnectPending() || s.doomed[did] {
		return
	}
	sock, ok := s.sockets[did]
	if !ok {
		return
	}
	if _, err := writeToSocket(sock, rec.SendBuffer(domain.LegDestination)); err != nil {
		s.log.Debug("Flush to destination failed", "id", rec.ID(), "error", err)
	}
}

func (s *ProxyService) onWritable(rec *Connection, leg domain.Leg, id domain.ConnID) {
	sock, ok := s.sockets[id]
	if !ok {
		return
	}

	drained, err := writeToSocket(sock, rec.SendBuffer(leg))
	if err != nil {
		_ = sock.Shutdown()
		s.fail(rec, leg, id, err)
		return
	}
	if drained && s.armed[id] {
		if err := s.loop.Modify(sock.Fd(), id, domain.EventRead); err != nil {
			s.fail(rec, leg, id, err)
			return
		}
		delete(s.armed, id)
	}
	if leg == domain.LegClient && rec.Finished() {
		s.queueTermination(rec.ID(), errors.New("finished"))
		return
	}
	s.resume(rec, leg.Opposite())
}

// finishConnect reports whether the connection is still usable.
func (s *ProxyService) finishConnect(rec *Connection, id domain.ConnID) bool {
	sock := s.sockets[id]
	if err := rec.ConnectFinished(sock.LocalAddr(), sock.ConnectError()); err != nil {
		s.fail(rec, domain.LegClient, rec.ID(), err)
		return false
	}
	s.log.Info("Connected to target", "id", rec.ID(), "destination_id", id)
	s.process(rec)
	return true
}

// process runs the state machine and schedules whatever it produced.
func (s *ProxyService) process(rec *Connection) {
	out, err := rec.Handle()
	if out.Destination != nil && !rec.DestinationInitialized() {
		s.attachDestination(rec, out.Destination)
	}
	if err != nil {
		s.fail(rec, domain.LegClient, rec.ID(), err)
		return
	}
	if out.Resolve != "" && s.resolve(rec, out.Resolve) {
		s.process(rec)
		return
	}

	s.armWrites(rec)
	if rec.Finished() {
		s.queueTermination(rec.ID(), errors.New("finished"))
	}
}

// resolve starts the lookup for a CONNECT target and reports whether the
// answer was handed to rec right away, from the cache or as a send failure.
func (s *ProxyService) resolve(rec *Connection, host string) bool {
	if addr, ok := s.resolver.Cached(host); ok {
		s.log.Debug("DNS cache hit", "id", rec.ID(), "domain", host, "ip", addr)
		rec.Resolved(addr, nil)
		return true
	}
	qid, err := s.resolver.Query(host)
	if err != nil {
		rec.Resolved(netip.Addr{}, err)
		return true
	}
	s.lookups[qid] = rec.ID()
	return false
}

func (s *ProxyService) readAnswers() error {
	answers, err := s.resolver.ReadAnswers()
	for _, ans := range answers {
		s.deliver(ans)
	}
	if err != nil {
		return fmt.Errorf("read dns answers: %w", err)
	}
	return nil
}

// deliver resumes the connection waiting for ans, if it is still around.
func (s *ProxyService) deliver(ans domain.Answer) {
	cid, ok := s.lookups[ans.ID]
	if !ok {
		return
	}
	delete(s.lookups, ans.ID)
	rec, ok := s.records[cid]
	if !ok || s.doomed[cid] {
		return
	}

	if ans.Err != nil {
		s.log.Warn("DNS resolution failed", "id", cid, "domain", ans.Host, "error", ans.Err)
	} else {
		s.log.Info("DNS Resolved", "id", cid, "domain", ans.Host, "ip", ans.Addr)
	}
	rec.Resolved(ans.Addr, ans.Err)
	s.process(rec)
}

// cancelLookup forgets the query a closing connection was waiting on.
func (s *ProxyService) cancelLookup(cid domain.ConnID) {
	for qid, owner := range s.lookups {
		if owner == cid {
			delete(s.lookups, qid)
			s.resolver.Cancel(qid)
			return
		}
	}
}

func (s *ProxyService) attachDestination(rec *Connection, sock domain.Socket) {
	did := s.ids.Next()
	if err := s.loop.Register(sock.Fd(), did, domain.EventRead|domain.EventWrite); err != nil {
		sock.Close()
		_ = rec.ConnectFinished(netip.AddrPort{}, err)
		s.fail(rec, domain.LegClient, rec.ID(), fmt.Errorf("register destination: %w", err))
		return
	}
	s.sockets[did] = sock
	s.pairs[did] = rec.ID()
	s.armed[did] = true
	rec.BindDestination(did)
	s.log.Debug("Destination registered", "id", rec.ID(), "destination_id", did, "fd", sock.Fd())
}

// armWrites adds write interest for every leg with queued output.
func (s *ProxyService) armWrites(rec *Connection) {
	s.armWrite(rec, domain.LegClient, rec.ID())
	if did, ok := rec.DestinationID(); ok {
		if _, paired := s.pairs[did]; paired {
			s.armWrite(rec, domain.LegDestination, did)
		}
	}
}

func (s *ProxyService) armWrite(rec *Connection, leg domain.Leg, id domain.ConnID) {
	if s.armed[id] || rec.SendBuffer(leg).Len() == 0 {
		return
	}
	sock, ok := s.sockets[id]
	if !ok {
		return
	}
	if err := s.loop.Modify(sock.Fd(), id, domain.EventRead|domain.EventWrite); err != nil {
		s.fail(rec, leg, id, err)
		return
	}
	s.armed[id] = true
}

// fail tears down the pairing on a client-side error, or only the
// destination on a destination-side error.
func (s *ProxyService) fail(rec *Connection, leg domain.Leg, id domain.ConnID, err error) {
	if leg == domain.LegDestination {
		s.log.Warn("Destination leg failed", "id", rec.ID(), "destination_id", id, "error", err)
		s.queueTermination(id, err)
		return
	}

	s.log.Warn("Connection failed", "id", rec.ID(), "error", err)
	if sock, ok := s.sockets[rec.ID()]; ok && rec.SendBuffer(domain.LegClient).Len() > 0 {
		// Best effort: a failure reply may still fit in the socket buffer.
		_, _ = writeToSocket(sock, rec.SendBuffer(domain.LegClient))
	}
	s.queueTermination(rec.ID(), err)
}

func (s *ProxyService) queueTermination(id domain.ConnID, cause error) {
	if s.doomed[id] {
		return
	}
	s.doomed[id] = true
	s.terminating = append(s.terminating, termination{id: id, cause: cause})
}

// terminate is a no-op for ids that are already gone.
func (s *ProxyService) terminate(t termination) {
	delete(s.doomed, t.id)

	if rec, ok := s.records[t.id]; ok {
		delete(s.records, t.id)
		if rec.Resolving() {
			s.cancelLookup(t.id)
		}
		s.closeSocket(t.id)
		if did, ok := rec.DestinationID(); ok {
			if _, paired := s.pairs[did]; paired {
				delete(s.pairs, did)
				delete(s.doomed, did)
				s.closeSocket(did)
			}
		}
		reason := "closed"
		if t.cause != nil {
			reason = t.cause.Error()
		}
		s.log.Info("Closing session", "id", t.id, "stage", rec.Stage(), "reason", reason)
		return
	}

	if cid, ok := s.pairs[t.id]; ok {
		delete(s.pairs, t.id)
		s.closeSocket(t.id)
		s.log.Debug("Destination closed", "id", cid, "destination_id", t.id)
		if rec, ok := s.records[cid]; ok && !s.doomed[cid] {
			rec.DestinationClosed(t.cause)
			s.process(rec)
		}
	}
}

func (s *ProxyService) closeSocket(id domain.ConnID) {
	sock, ok := s.sockets[id]
	if !ok {
		return
	}
	delete(s.sockets, id)
	delete(s.armed, id)
	delete(s.paused, id)
	_ = s.loop.Unregister(sock.Fd())
	_ = sock.Shutdown()
	_ = sock.Close()
}

func (s *ProxyService) shutdown() {
	for id := range s.sockets {
		s.closeSocket(id)
	}
	clear(s.records)
	clear(s.pairs)
	clear(s.doomed)
	for qid := range s.lookups {
		s.resolver.Cancel(qid)
	}
	clear(s.lookups)
	s.terminating = nil
	_ = s.loop.Unregister(s.resolver.Fd())
	_ = s.loop.Unregister(s.listener.Fd())
	s.listener.Close()
	s.log.Info("Proxy service stopped")
}

// writeToSocket drains buf into sock until the buffer is empty or the
// socket stops accepting bytes. Only bytes actually written are consumed.
func writeToSocket(sock domain.Socket, buf *domain.Buffer) (bool, error) {
	for buf.Len() > 0 {
		n, err := sock.Write(buf.Bytes())
		if n > 0 {
			buf.Consume(n)
		}
		if err != nil {
			if errors.Is(err, domain.ErrWouldBlock) {
				return false, nil
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}
