// Package server is the listening side of the protocol: it accepts
// connections, checks the handshake, and answers calls with registered
// receivers or handler functions. Each accepted connection is a
// *client.Client, so the server can call back into the connected peer.
//
//	Accept conn ──► client.Accept (handshake) ──► read loop
//	  ──► per request: go ServeCall ──► lookup "Domain.command"
//	      ──► handler func | reflect.Call ──► result / error frame
package server

import (
	"context"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"frame-rpc/client"
	"frame-rpc/config"
	"frame-rpc/logging"
	"frame-rpc/message"
	"frame-rpc/registry"
)

// HandlerFunc serves one domain.command.
type HandlerFunc = client.HandlerFunc

// UnknownMethodError is answered when nothing serves the requested method.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string { return "unknown method " + e.Method }

type Server struct {
	cfg  config.Config
	base zerolog.Logger // handed to sessions
	log  zerolog.Logger

	mu       sync.RWMutex
	services map[string]*service
	handlers map[string]HandlerFunc

	listener net.Listener
	shutdown atomic.Bool
	wg       sync.WaitGroup // live sessions

	sessMu   sync.Mutex
	sessions map[*client.Client]struct{}
	onOpen   func(*client.Client)

	registry      registry.Registry
	service       string
	advertiseAddr string
	regCtx        context.Context // keeps the registration lease alive
	cancelReg     context.CancelFunc
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOnSession is called for every connection that completed the handshake.
func WithOnSession(fn func(*client.Client)) Option {
	return func(s *Server) { s.onOpen = fn }
}

// NewServer uses cfg for the handshake, limits and the client-side settings
// of server-initiated calls.
func NewServer(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		log:      zerolog.Nop(),
		services: make(map[string]*service),
		handlers: make(map[string]HandlerFunc),
		sessions: make(map[*client.Client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base = s.log
	s.log = logging.Component(s.log, "server")
	return s
}

// Register serves rcvr's methods under its type name.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName serves rcvr's methods under domain.
func (s *Server) RegisterName(domain string, rcvr any) error {
	svc, err := newService(domain, rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.services[svc.name]; dup {
		return errors.Errorf("rpc: domain %s already registered", svc.name)
	}
	s.services[svc.name] = svc
	return nil
}

// Handle serves domain.command with fn; it takes precedence over a
// registered receiver method of the same name.
func (s *Server) Handle(domain, command string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[domain+"."+command] = fn
}

// Advertise registers addr under service in reg once Serve starts, and
// removes it again on Shutdown.
func (s *Server) Advertise(reg registry.Registry, service, addr string) {
	s.registry = reg
	s.service = service
	s.advertiseAddr = addr
	s.regCtx, s.cancelReg = context.WithCancel(context.Background())
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown, which makes it return nil.
func (s *Server) Serve(ln net.Listener) error {
	s.sessMu.Lock()
	if s.shutdown.Load() {
		s.sessMu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.sessMu.Unlock()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	if s.registry != nil {
		ep := registry.Endpoint{Addr: s.advertiseAddr, Weight: 1}
		if err := s.registry.Register(s.regCtx, s.service, ep, 10); err != nil {
			s.log.Error().Err(err).Str("service", s.service).Msg("register failed")
		}
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.sessMu.Lock()
		if s.shutdown.Load() {
			s.sessMu.Unlock()
			nc.Close()
			return nil
		}
		s.wg.Add(1)
		s.sessMu.Unlock()
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	remote := nc.RemoteAddr().String()
	log := s.log.With().Str("remote", remote).Logger()

	sess := client.New(s.cfg, client.WithHandler(s),
		client.WithLogger(s.base.With().Str("remote", remote).Logger()))
	if err := sess.Accept(nc); err != nil {
		log.Warn().Err(err).Msg("handshake failed")
		return
	}

	s.sessMu.Lock()
	if s.shutdown.Load() {
		s.sessMu.Unlock()
		sess.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.sessMu.Unlock()

	if s.onOpen != nil {
		s.onOpen(sess)
	}
	<-sess.Done()

	s.sessMu.Lock()
	delete(s.sessions, sess)
	s.sessMu.Unlock()
	log.Debug().Err(sess.Err()).Msg("session ended")
}

// Sessions returns the connections currently open.
func (s *Server) Sessions() []*client.Client {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return lo.Keys(s.sessions)
}

// ServeCall dispatches one request from a session.
func (s *Server) ServeCall(ctx context.Context, req *message.Request) (any, error) {
	start := time.Now()
	v, err := s.dispatch(ctx, req)
	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Info().Err(err)
	}
	ev.Str("method", req.Method()).Int64("id", req.ID).Dur("took", time.Since(start)).Msg("served")
	return v, err
}

func (s *Server) dispatch(ctx context.Context, req *message.Request) (any, error) {
	s.mu.RLock()
	fn, ok := s.handlers[req.Method()]
	svc := s.services[req.Domain]
	s.mu.RUnlock()

	if ok {
		return fn(ctx, req)
	}
	if svc == nil {
		return nil, &UnknownMethodError{Method: req.Method()}
	}
	m, ok := svc.lookup(req.Command)
	if !ok {
		return nil, &UnknownMethodError{Method: req.Method()}
	}

	list, err := req.ParamList()
	if err != nil {
		return nil, errors.Wrap(err, "params")
	}
	argv, err := m.decodeArgs(req.Params, list)
	if err != nil {
		return nil, errors.Wrap(err, "params")
	}
	replyv := reflect.New(m.ReplyType)
	if err := svc.call(m, argv, replyv); err != nil {
		return nil, err
	}
	return replyv.Interface(), nil
}

// Shutdown deregisters, stops accepting, closes every session and waits for
// their read loops to end or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.registry != nil {
		if err := s.registry.Deregister(ctx, s.service, s.advertiseAddr); err != nil {
			s.log.Warn().Err(err).Msg("deregister failed")
		}
		s.cancelReg()
	}

	s.sessMu.Lock()
	s.shutdown.Store(true)
	sessions := lo.Keys(s.sessions)
	ln := s.listener
	s.sessMu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range sessions {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "rpc: waiting for sessions")
	}
}
