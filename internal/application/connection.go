package application

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"time"

	"socks-proxy/internal/domain"
	"socks-proxy/internal/protocol/httpframe"
	"socks-proxy/internal/protocol/socks5"
)

var (
	ErrNoAuthMethod        = errors.New("non auth method is specified")
	ErrNoAcceptableMethod  = errors.New("proxy only support non and name/password auth-method")
	ErrCommandNotSupported = errors.New("only CONNECT is supported")
	ErrResolve             = errors.New("resolve destination")
	ErrConnectFailed       = errors.New("destination connect failed")
	ErrBufferOverflow      = errors.New("buffer limit exceeded")
)

// ConnectionOptions carries the collaborators shared by every connection.
type ConnectionOptions struct {
	Mode      domain.RelayMode
	Codec     socks5.Codec
	MaxBuffer int
	Connector domain.Connector
	Logger    *slog.Logger
}

// Outcome is what one Handle call produced. Destination is set exactly once,
// when the CONNECT request starts a destination connect; the caller owns the
// socket from then on. Resolve names a host the caller must look up and hand
// back through Resolved before the request can continue.
type Outcome struct {
	Produced    int
	Destination domain.Socket
	Resolve     string
}

// Connection is the protocol state of one accepted client. It never touches
// sockets: the event loop feeds received bytes in and drains the send
// buffers out.
type Connection struct {
	id   domain.ConnID
	opts ConnectionOptions
	log  *slog.Logger

	stage     domain.Stage
	createdAt time.Time

	clientRecv domain.Buffer
	clientSend domain.Buffer
	dstRecv    domain.Buffer
	dstSend    domain.Buffer

	dstID          domain.ConnID
	hasDst         bool
	dstInitialized bool
	forwarding     bool

	method         socks5.AuthMethod
	userPassDone   bool
	connectPending bool
	dstClosed      bool
	closing        bool

	// Set while a CONNECT to a domain name waits for its address.
	resolving bool
	answered  bool
	request   socks5.DstServiceRequest
	answer    netip.Addr
	answerErr error

	// Methods of the requests forwarded in HTTP mode whose final response
	// has not been relayed yet, oldest first.
	methods []string
}

func NewConnection(id domain.ConnID, opts ConnectionOptions) *Connection {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Connection{
		id:        id,
		opts:      opts,
		log:       opts.Logger.With("id", id),
		stage:     domain.StageInit,
		createdAt: time.Now(),
	}
}

func (c *Connection) ID() domain.ConnID    { return c.id }
func (c *Connection) Stage() domain.Stage  { return c.stage }
func (c *Connection) Forwarding() bool     { return c.forwarding }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// DestinationID returns the paired destination id once it has been bound.
func (c *Connection) DestinationID() (domain.ConnID, bool) {
	return c.dstID, c.hasDst
}

func (c *Connection) DestinationInitialized() bool { return c.dstInitialized }

// ConnectPending reports whether a destination connect awaits its outcome.
func (c *Connection) ConnectPending() bool { return c.connectPending }

// Resolving reports whether the CONNECT request waits for a name lookup.
func (c *Connection) Resolving() bool { return c.resolving && !c.answered }

// BindDestination records the id under which the event loop registered the
// destination socket. Binding twice is a programming error.
func (c *Connection) BindDestination(id domain.ConnID) {
	if c.hasDst {
		panic(fmt.Sprintf("connection %d: destination already bound to %d", c.id, c.dstID))
	}
	c.dstID = id
	c.hasDst = true
	c.dstInitialized = true
}

// SendBuffer returns the queue of bytes waiting to be written on leg.
func (c *Connection) SendBuffer(leg domain.Leg) *domain.Buffer {
	if leg == domain.LegDestination {
		return &c.dstSend
	}
	return &c.clientSend
}

// Finished reports that the connection is closing and has nothing left to
// write to the client.
func (c *Connection) Finished() bool {
	return c.closing && c.clientSend.Len() == 0
}

// Reset puts the connection back into StageInit. Tests only.
func (c *Connection) Reset() {
	c.stage = domain.StageInit
}

func (c *Connection) advance(next domain.Stage) {
	if !c.stage.CanAdvanceTo(next) {
		panic(fmt.Sprintf("connection %d: illegal stage transition %s -> %s", c.id, c.stage, next))
	}
	c.log.Debug("Stage advanced", "from", c.stage, "to", next)
	c.stage = next
}

// Receive appends bytes read from leg to that leg's receive buffer.
func (c *Connection) Receive(leg domain.Leg, p []byte) error {
	recv, send := &c.clientRecv, &c.dstSend
	if leg == domain.LegDestination {
		recv, send = &c.dstRecv, &c.clientSend
	}
	if c.opts.MaxBuffer > 0 && recv.Len()+send.Len()+len(p) > c.opts.MaxBuffer {
		return fmt.Errorf("%s leg: %w", leg, ErrBufferOverflow)
	}
	recv.Append(p)
	return nil
}

func (c *Connection) ReceiveByte(leg domain.Leg, b byte) error {
	return c.Receive(leg, []byte{b})
}

// ReadBudget is how many more bytes may be read from leg before the data
// flowing away from it hits the buffer limit. Reading stops at zero and the
// rest stays in the kernel until the opposite leg drains.
func (c *Connection) ReadBudget(leg domain.Leg) int {
	if c.opts.MaxBuffer <= 0 {
		return math.MaxInt
	}
	recv, send := &c.clientRecv, &c.dstSend
	if leg == domain.LegDestination {
		recv, send = &c.dstRecv, &c.clientSend
	}
	return max(c.opts.MaxBuffer-recv.Len()-send.Len(), 0)
}

// Buffered reports how many bytes read from leg are still held, either
// unframed or waiting to be written to the opposite leg.
func (c *Connection) Buffered(leg domain.Leg) int {
	if leg == domain.LegDestination {
		return c.dstRecv.Len() + c.clientSend.Len()
	}
	return c.clientRecv.Len() + c.dstSend.Len()
}

// Handle advances the state machine as far as the buffered bytes allow.
// Incomplete messages are not errors; a returned error is fatal to the
// connection.
func (c *Connection) Handle() (Outcome, error) {
	var total Outcome
	for {
		before := c.stage
		out, err := c.step()
		total.Produced += out.Produced
		if out.Destination != nil {
			total.Destination = out.Destination
		}
		if out.Resolve != "" {
			total.Resolve = out.Resolve
		}
		if err != nil || c.stage == before {
			return total, err
		}
	}
}

func (c *Connection) step() (Outcome, error) {
	switch c.stage {
	case domain.StageInit:
		return c.handleAuthSelect()
	case domain.StageAuthSelectFinish:
		return c.handleRequest()
	default:
		return c.relay()
	}
}

func (c *Connection) handleAuthSelect() (Outcome, error) {
	req, n, err := socks5.DecodeAuthSelectRequest(c.clientRecv.Bytes())
	if errors.Is(err, socks5.ErrDataIncomplete) {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("auth select request: %w", err)
	}
	if req.Version != socks5.VersionSocks5 {
		return Outcome{}, fmt.Errorf("auth select request: %w", socks5.ErrUnsupportedVersion)
	}
	if req.MethodCount == 0 {
		return Outcome{}, ErrNoAuthMethod
	}

	method, ok := chooseMethod(req.Methods)
	if !ok {
		c.clientSend.Append([]byte{0x05, byte(socks5.MethodNoAcceptable)})
		return Outcome{Produced: 2}, ErrNoAcceptableMethod
	}

	reply, err := socks5.EncodeAuthSelectReply(socks5.AuthSelectReply{Version: socks5.VersionSocks5, Method: method})
	if err != nil {
		return Outcome{}, err
	}
	c.clientSend.Append(reply)
	c.clientRecv.Consume(n)
	c.method = method
	c.log.Debug("Auth method selected", "method", method)
	c.advance(domain.StageAuthSelectFinish)
	return Outcome{Produced: len(reply)}, nil
}

// NamePassword wins over None when both are offered.
func chooseMethod(methods []socks5.AuthMethod) (socks5.AuthMethod, bool) {
	none := false
	for _, m := range methods {
		if m == socks5.MethodNamePassword {
			return m, true
		}
		if m == socks5.MethodNone {
			none = true
		}
	}
	return socks5.MethodNone, none
}

func (c *Connection) handleRequest() (Outcome, error) {
	if c.resolving {
		if !c.answered {
			return Outcome{}, nil
		}
		return c.connectResolved()
	}

	var out Outcome
	if c.method == socks5.MethodNamePassword && !c.userPassDone {
		n, done, err := c.handleUserPass()
		out.Produced += n
		if err != nil || !done {
			return out, err
		}
	}

	req, addrLen, err := c.opts.Codec.DecodeDstServiceRequest(c.clientRecv.Bytes())
	switch {
	case errors.Is(err, socks5.ErrDataIncomplete):
		return out, nil
	case errors.Is(err, socks5.ErrUnsupportedAddressType):
		out.Produced += c.failReply(socks5.ReplyAddressTypeNotSupported)
		return out, fmt.Errorf("destination request: %w", err)
	case err != nil:
		return out, fmt.Errorf("destination request: %w", err)
	}
	if req.Version != socks5.VersionSocks5 {
		return out, fmt.Errorf("destination request: %w", socks5.ErrUnsupportedVersion)
	}
	c.clientRecv.Consume(socks5.RequestLength(addrLen))

	if req.Command != socks5.CmdConnect {
		out.Produced += c.failReply(socks5.ReplyCmdNotSupported)
		return out, fmt.Errorf("%s: %w", req.Command, ErrCommandNotSupported)
	}

	if req.AddressType == socks5.AddrDomain {
		if _, err := netip.ParseAddr(req.Address); err != nil {
			c.resolving = true
			c.request = req
			c.log.Debug("Resolving destination", "host", req.Address)
			out.Resolve = req.Address
			return out, nil
		}
	}

	addr, err := literalAddr(req)
	if err != nil {
		out.Produced += c.failReply(socks5.ReplyHostUnreachable)
		return out, err
	}
	return c.connect(out, req, addr)
}

func (c *Connection) connect(out Outcome, req socks5.DstServiceRequest, addr netip.Addr) (Outcome, error) {
	target := netip.AddrPortFrom(addr, req.Port)
	c.log.Info("Connecting to destination", "host", req.Address, "target", target)
	sock, err := c.opts.Connector.Connect(target)
	if err != nil {
		out.Produced += c.failReply(replyCodeFor(err))
		return out, fmt.Errorf("%w: %s: %w", ErrConnectFailed, target, err)
	}

	c.connectPending = true
	c.advance(domain.StageRequestFinish)
	out.Destination = sock
	return out, nil
}

// Resolved hands the lookup result for the pending CONNECT back to the
// connection; the next Handle continues the request with it.
func (c *Connection) Resolved(addr netip.Addr, err error) {
	if !c.resolving || c.answered {
		return
	}
	c.answered = true
	c.answer = addr
	c.answerErr = err
}

func (c *Connection) connectResolved() (Outcome, error) {
	var out Outcome
	req := c.request
	c.resolving = false
	switch {
	case c.answerErr != nil:
		out.Produced += c.failReply(socks5.ReplyHostUnreachable)
		return out, fmt.Errorf("%w %q: %w", ErrResolve, req.Address, c.answerErr)
	case !c.answer.Is4():
		out.Produced += c.failReply(socks5.ReplyHostUnreachable)
		return out, fmt.Errorf("%w %q: resolved to non-ipv4 %s", ErrResolve, req.Address, c.answer)
	}
	return c.connect(out, req, c.answer)
}

// handleUserPass parses the RFC 1929 sub-negotiation and accepts any
// credentials.
func (c *Connection) handleUserPass() (int, bool, error) {
	req, n, err := socks5.DecodeUserPassRequest(c.clientRecv.Bytes())
	if errors.Is(err, socks5.ErrDataIncomplete) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("username/password request: %w", err)
	}
	c.clientRecv.Consume(n)
	reply := socks5.EncodeUserPassReply(socks5.UserPassReply{Version: req.Version, Status: socks5.UserPassStatusSuccess})
	c.clientSend.Append(reply)
	c.userPassDone = true
	c.log.Debug("Username/password accepted", "user", req.Username)
	return len(reply), true, nil
}

// literalAddr accepts an IPv4 literal, including one sent as a domain name.
func literalAddr(req socks5.DstServiceRequest) (netip.Addr, error) {
	ip, err := netip.ParseAddr(req.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w %q: not an ipv4 address", ErrResolve, req.Address)
	}
	if !ip.Is4() {
		return netip.Addr{}, fmt.Errorf("%w %q: ipv6 not supported", ErrResolve, req.Address)
	}
	return ip, nil
}

// ConnectFinished reports the outcome of the destination connect and queues
// the matching reply for the client.
func (c *Connection) ConnectFinished(local netip.AddrPort, connErr error) error {
	if !c.connectPending {
		return nil
	}
	c.connectPending = false

	if connErr != nil {
		c.failReply(replyCodeFor(connErr))
		return fmt.Errorf("%w: %w", ErrConnectFailed, connErr)
	}

	if !local.Addr().Is4() {
		local = netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())
	}
	if _, err := c.queueReply(socks5.ReplySuccess, local); err != nil {
		return err
	}
	c.forwarding = true
	if c.opts.Mode == domain.RelayHTTP {
		c.advance(domain.StageReceiveContent)
	}
	c.log.Info("Forwarding enabled", "mode", c.opts.Mode, "bound", local)
	return nil
}

// DestinationClosed records that the destination leg is gone. Bytes already
// received from it are still relayed before the client is closed.
func (c *Connection) DestinationClosed(cause error) {
	if c.dstClosed {
		return
	}
	c.dstClosed = true
	if c.connectPending {
		c.connectPending = false
		if cause == nil {
			cause = ErrConnectFailed
		}
		c.failReply(replyCodeFor(cause))
	}
	if !c.forwarding {
		c.closing = true
	}
}

func (c *Connection) queueReply(code socks5.ReplyCode, bound netip.AddrPort) (int, error) {
	reply, err := c.opts.Codec.EncodeDstServiceReply(socks5.DstServiceReply{
		Version:     socks5.VersionSocks5,
		Reply:       code,
		AddressType: socks5.AddrIPv4,
		Address:     bound.Addr().String(),
		Port:        bound.Port(),
	})
	if err != nil {
		return 0, fmt.Errorf("encode reply: %w", err)
	}
	c.clientSend.Append(reply)
	return len(reply), nil
}

// failReply queues a failure reply and marks the connection for closing.
func (c *Connection) failReply(code socks5.ReplyCode) int {
	c.closing = true
	n, err := c.queueReply(code, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	if err != nil {
		c.log.Warn("Failed to encode failure reply", "reply", code, "error", err)
	}
	return n
}

func (c *Connection) relay() (Outcome, error) {
	if !c.forwarding {
		return Outcome{}, nil
	}
	if c.opts.Mode == domain.RelayHTTP {
		return c.relayMessages()
	}

	moved := 0
	if n := c.clientRecv.Len(); n > 0 {
		c.clientRecv.MoveTo(&c.dstSend, n)
		moved += n
	}
	if n := c.dstRecv.Len(); n > 0 {
		c.dstRecv.MoveTo(&c.clientSend, n)
		moved += n
	}
	if c.dstClosed {
		c.closing = true
	}
	return Outcome{Produced: moved}, nil
}

// relayMessages forwards only complete HTTP requests and responses. Each
// response is framed against the method of the request it answers.
func (c *Connection) relayMessages() (Outcome, error) {
	moved := 0
	for c.clientRecv.Len() > 0 {
		res, err := httpframe.Detect(c.clientRecv.Bytes(), httpframe.Request, false)
		if err != nil {
			return Outcome{Produced: moved}, fmt.Errorf("client request: %w", err)
		}
		if !res.Complete {
			break
		}
		c.methods = append(c.methods, httpframe.Method(c.clientRecv.Bytes()))
		c.clientRecv.MoveTo(&c.dstSend, res.End)
		moved += res.End
	}

	for c.dstRecv.Len() > 0 {
		var method string
		if len(c.methods) > 0 {
			method = c.methods[0]
		}
		res, err := httpframe.DetectResponse(c.dstRecv.Bytes(), method, c.dstClosed)
		if err != nil {
			return Outcome{Produced: moved}, fmt.Errorf("destination response: %w", err)
		}
		if !res.Complete {
			break
		}
		if !res.Interim && len(c.methods) > 0 {
			c.methods = c.methods[1:]
		}
		c.dstRecv.MoveTo(&c.clientSend, res.End)
		moved += res.End
	}

	if c.dstClosed {
		// Whatever could not be framed is passed through as is.
		if n := c.dstRecv.Len(); n > 0 {
			c.dstRecv.MoveTo(&c.clientSend, n)
			moved += n
		}
		if c.stage == domain.StageReceiveContent {
			c.advance(domain.StageContentFinish)
		}
		c.closing = true
	}
	return Outcome{Produced: moved}, nil
}
