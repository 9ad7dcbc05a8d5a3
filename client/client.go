// Package client issues calls to a framed-RPC peer and serves the calls the
// peer sends back over the same connection.
//
//	Call ──► middleware chain ──► invoke: pending[id] ──► transport.Send
//	                                                        │
//	transport readLoop ──► message.Parse ──► *Reply   ──► pending[id] (once)
//	                                     └─► *Request ──► go Handler ──► reply frame
package client

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"frame-rpc/config"
	"frame-rpc/loadbalance"
	"frame-rpc/logging"
	"frame-rpc/message"
	"frame-rpc/middleware"
	"frame-rpc/protocol"
	"frame-rpc/registry"
	"frame-rpc/transport"
)

var (
	ErrClosed      = errors.New("rpc: client closed")
	ErrCallTimeout = middleware.ErrTimeout
)

// Handler serves a call initiated by the peer. The returned value is sent
// back as the result, a returned error as an error reply. Neither is sent
// when the request's id is NoReply.
type Handler interface {
	ServeCall(ctx context.Context, req *message.Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

func (f HandlerFunc) ServeCall(ctx context.Context, req *message.Request) (any, error) {
	return f(ctx, req)
}

type clientKey struct{}

// FromContext returns the client a served request arrived on, so a handler
// can call back into the peer.
func FromContext(ctx context.Context) (*Client, bool) {
	c, ok := ctx.Value(clientKey{}).(*Client)
	return c, ok
}

type result struct {
	payload json.RawMessage
	err     error
}

// pendingCall is fulfilled exactly once: by a reply, a timeout or close.
// Whoever removes it from the pending map owns the fulfillment.
type pendingCall struct {
	method string
	done   chan result
}

// Client is one connection to a peer. It is safe for concurrent use.
type Client struct {
	cfg     config.Config
	log     zerolog.Logger
	handler Handler
	reg     registry.Registry
	bal     loadbalance.Balancer
	onError func(error)
	onOpen  func()

	conn   *transport.Conn
	invoke middleware.Invoker

	seq     atomic.Int64
	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool

	ctx    context.Context // served requests
	cancel context.CancelFunc
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHandler serves calls from the peer. Without one, such calls are
// answered with an error.
func WithHandler(h Handler) Option {
	return func(c *Client) { c.handler = h }
}

// WithRegistry resolves cfg.Service through reg instead of etcd.
func WithRegistry(reg registry.Registry) Option {
	return func(c *Client) { c.reg = reg }
}

// WithBalancer shares one balancer across dials, so that round-robin
// actually rotates between clients.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.bal = b }
}

// WithOnError receives transport failures and inbound content that cannot be
// parsed.
func WithOnError(fn func(error)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithOnOpen fires once, when the connection becomes open.
func WithOnOpen(fn func()) Option {
	return func(c *Client) { c.onOpen = fn }
}

// WithMiddleware adds outbound middleware. It runs inside the chain built
// from config, so it sees every retry attempt.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) {
		c.invoke = middleware.Chain(mws...)(c.invoke)
	}
}

// New returns an unconnected client; use Dial, Open or Accept to start it.
func New(cfg config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		log:     zerolog.Nop(),
		pending: make(map[int64]*pendingCall),
	}
	c.invoke = c.roundTrip
	for _, opt := range opts {
		opt(c)
	}
	base := c.log
	c.log = logging.Component(base, "client")
	c.invoke = c.chain()(c.invoke)
	c.ctx, c.cancel = context.WithCancel(context.WithValue(c.log.WithContext(context.Background()), clientKey{}, c))

	c.conn = transport.New(transport.Options{
		Handshake:        cfg.Handshake,
		MaxContentLength: cfg.MaxContentLength,
		RawContent:       true,
		StallTimeout:     cfg.StallTimeout,
		Logger:           &base,
		OnOpen:           c.onOpen,
		OnMessage:        c.dispatch,
		OnError:          c.reportError,
	})
	return c
}

func (c *Client) chain() middleware.Middleware {
	mws := []middleware.Middleware{middleware.Logging(c.log)}
	if c.cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(c.cfg.RateLimit, c.cfg.RateBurst))
	}
	if c.cfg.Retries > 0 {
		mws = append(mws, middleware.Retry(c.cfg.Retries, c.cfg.RetryBackoff))
	}
	mws = append(mws, middleware.Timeout(c.cfg.CallTimeout))
	return middleware.Chain(mws...)
}

// Dial resolves the peer from cfg, connects and writes the handshake.
func Dial(ctx context.Context, cfg config.Config, opts ...Option) (*Client, error) {
	c := New(cfg, opts...)
	addr, err := c.resolve(ctx)
	if err != nil {
		c.shutdown()
		return nil, err
	}
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	if err := c.conn.Dial(ctx, "tcp", addr); err != nil {
		c.shutdown()
		return nil, err
	}
	c.watch()
	return c, nil
}

// Open starts the client on an established connection, handshake first.
func (c *Client) Open(nc net.Conn) error {
	if err := c.conn.Open(nc); err != nil {
		if !errors.Is(err, transport.ErrAlreadyStarted) {
			c.shutdown()
		}
		return err
	}
	c.watch()
	return nil
}

// Accept starts the client on the listening side: it expects the handshake
// from the peer instead of sending it.
func (c *Client) Accept(nc net.Conn) error {
	if err := c.conn.Accept(nc); err != nil {
		if !errors.Is(err, transport.ErrAlreadyStarted) {
			c.shutdown()
		}
		return err
	}
	c.watch()
	return nil
}

// watch fails the outstanding calls once the connection ends for any reason.
func (c *Client) watch() {
	go func() {
		<-c.conn.Done()
		c.shutdown()
	}()
}

// Call invokes domain.command with positional params and waits for the
// peer's result. Without params the peer receives null. An error reply is
// returned as *message.RemoteError.
func (c *Client) Call(ctx context.Context, domain, command string, params ...any) (json.RawMessage, error) {
	// Only fill in a logger when the caller attached none; a disabled one is
	// kept as is.
	if zerolog.Ctx(ctx) == zerolog.Ctx(context.Background()) {
		ctx = c.log.WithContext(ctx)
	}
	return c.invoke(ctx, &message.Call{Domain: domain, Command: command, Params: params})
}

// CallInto is Call followed by decoding the result into v.
func (c *Client) CallInto(ctx context.Context, v any, domain, command string, params ...any) error {
	raw, err := c.Call(ctx, domain, command, params...)
	if err != nil {
		return err
	}
	return (&message.Reply{Payload: raw}).Decode(v)
}

// Notify sends a call that the peer must not answer.
func (c *Client) Notify(ctx context.Context, domain, command string, params ...any) error {
	_, err := c.invoke(ctx, &message.Call{ID: message.NoReply, Domain: domain, Command: command, Params: params})
	return err
}

// SendResult answers the peer's call id with v.
func (c *Client) SendResult(id int64, v any) error {
	f, err := protocol.EncodeResult(id, v)
	if err != nil {
		return errors.Wrap(err, "rpc: encode result")
	}
	return c.conn.Send(f)
}

// SendError answers the peer's call id with an error value.
func (c *Client) SendError(id int64, v any) error {
	f, err := protocol.EncodeError(id, v)
	if err != nil {
		return errors.Wrap(err, "rpc: encode error")
	}
	return c.conn.Send(f)
}

// roundTrip is the end of the middleware chain. Each invocation, retries
// included, gets a fresh id.
func (c *Client) roundTrip(ctx context.Context, call *message.Call) (json.RawMessage, error) {
	if !call.ExpectsReply() {
		f, err := protocol.EncodeCall(message.NoReply, call.Domain, call.Command, call.Params)
		if err != nil {
			return nil, errors.Wrap(err, "rpc: encode call")
		}
		return nil, c.conn.Send(f)
	}

	id := c.seq.Add(1)
	call.ID = id
	f, err := protocol.EncodeCall(id, call.Domain, call.Command, call.Params)
	if err != nil {
		return nil, errors.Wrap(err, "rpc: encode call")
	}

	pc := &pendingCall{method: call.Method(), done: make(chan result, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.conn.Send(f); err != nil {
		if c.take(id) != nil {
			return nil, err
		}
		r := <-pc.done
		return r.payload, r.err
	}

	select {
	case r := <-pc.done:
		return r.payload, r.err
	case <-ctx.Done():
		if c.take(id) == nil {
			// fulfilled while we were giving up
			r := <-pc.done
			return r.payload, r.err
		}
		c.log.Debug().Int64("id", id).Str("method", pc.method).Msg("call abandoned")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrCallTimeout
		}
		return nil, ctx.Err()
	}
}

func (c *Client) take(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return pc
}

// dispatch runs on the transport read goroutine, once per frame in order.
func (c *Client) dispatch(m protocol.Message) {
	in, err := message.Parse(m.Raw)
	if err != nil {
		c.log.Warn().Err(err).Int("length", len(m.Raw)).Msg("dropping unparseable frame")
		c.reportError(err)
		return
	}

	switch in := in.(type) {
	case *message.Reply:
		c.resolveReply(in)
	case *message.Request:
		go c.serve(in)
	}
}

func (c *Client) resolveReply(r *message.Reply) {
	pc := c.take(r.ID)
	if pc == nil {
		c.log.Debug().Int64("id", r.ID).Msg("reply for unknown or expired call")
		return
	}
	if r.Kind == message.Error {
		pc.done <- result{err: &message.RemoteError{Method: pc.method, Payload: r.Payload}}
		return
	}
	pc.done <- result{payload: r.Payload}
}

func (c *Client) serve(req *message.Request) {
	log := c.log.With().Int64("id", req.ID).Str("method", req.Method()).Logger()

	var (
		v   any
		err error
	)
	if c.handler == nil {
		err = errors.Errorf("no handler for %s", req.Method())
	} else {
		v, err = c.handler.ServeCall(log.WithContext(c.ctx), req)
	}

	if !req.ExpectsReply() {
		if err != nil {
			log.Warn().Err(err).Msg("notification failed")
		}
		return
	}
	if err != nil {
		log.Debug().Err(err).Msg("answering with error")
		err = c.SendError(req.ID, errorValue(err))
	} else {
		err = c.SendResult(req.ID, v)
	}
	if err != nil {
		log.Warn().Err(err).Msg("reply not sent")
	}
}

// errorValue is what goes on the wire for a handler error: a RemoteError's
// payload is passed through as is, anything else becomes its message.
func errorValue(err error) any {
	var remote *message.RemoteError
	if errors.As(err, &remote) {
		return remote.Payload
	}
	return err.Error()
}

func (c *Client) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// Close drops the connection. Every call still waiting fails with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown()
	return err
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	c.cancel()
	for _, pc := range pending {
		pc.done <- result{err: ErrClosed}
	}
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Err returns why the connection ended, nil while it is live.
func (c *Client) Err() error { return c.conn.Err() }

// State returns the transport state.
func (c *Client) State() transport.State { return c.conn.State() }

// RemoteAddr returns the peer's address once connected.
func (c *Client) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Pending returns how many calls are waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
