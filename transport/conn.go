// Package transport owns the socket underneath the RPC client: it opens the
// connection, writes the handshake, runs the single read loop that feeds the
// frame decoder, and serializes outbound frames.
//
//	Dial ──► Connecting ──► handshake ──► Open ──► Closed | Failed
//	                                        │
//	                 readLoop: conn.Read ──►Decoder.Feed ──► OnMessage (in order)
//	                 Send:     sending.Lock ──► protocol.Encode ──► conn
//
// The decoder is confined to the read goroutine, so it needs no locking.
package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"frame-rpc/protocol"
)

// State is the connection lifecycle position.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

const defaultReadSize = 32 * 1024

var (
	ErrNotOpen           = errors.New("transport: connection not open")
	ErrClosed            = errors.New("transport: connection closed")
	ErrAlreadyStarted    = errors.New("transport: connection already started")
	ErrHandshakeMismatch = errors.New("transport: handshake mismatch")
)

// TransportError is a connection-level failure: dial, handshake, read or
// write. It is surfaced through OnError and never retried here.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

func opError(op string, err error) error {
	return &TransportError{Op: op, Err: errors.WithStack(err)}
}

// Options configures a Conn.
type Options struct {
	Handshake        protocol.Handshake
	MaxContentLength uint32
	// RawContent delivers frame content without JSON parsing.
	RawContent bool
	// StallTimeout fails the connection when a started frame receives no
	// bytes for this long. Zero waits forever.
	StallTimeout     time.Duration
	HandshakeTimeout time.Duration
	ReadSize         int
	Logger           *zerolog.Logger

	// OnOpen fires once, when the connection becomes Open.
	OnOpen func()
	// OnMessage receives every decoded frame on the read goroutine. It must
	// not block for long: frames behind it wait.
	OnMessage protocol.MessageHandler
	// OnError receives transport and decode failures.
	OnError func(error)
}

// Conn is one framed connection.
type Conn struct {
	opts Options
	log  zerolog.Logger

	state   atomic.Int32
	connMu  sync.Mutex
	conn    net.Conn
	sending sync.Mutex // one frame at a time: prefix, preamble and payload must not interleave

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// New returns a Disconnected connection.
func New(opts Options) *Conn {
	if opts.ReadSize <= 0 {
		opts.ReadSize = defaultReadSize
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Conn{
		opts: opts,
		log:  log.With().Str("component", "transport").Logger(),
		done: make(chan struct{}),
	}
}

// Dial connects to addr and opens the connection with Open.
func (c *Conn) Dial(ctx context.Context, network, addr string) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrAlreadyStarted
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		err = opError("dial", err)
		c.finish(Failed, err, true)
		return err
	}
	return c.start(nc, c.writeHandshake)
}

// Open takes over an established connection, writes the handshake before
// anything else and starts reading.
func (c *Conn) Open(nc net.Conn) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrAlreadyStarted
	}
	return c.start(nc, c.writeHandshake)
}

// Accept is the peer side of Open: it reads and checks the handshake instead
// of writing it.
func (c *Conn) Accept(nc net.Conn) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrAlreadyStarted
	}
	return c.start(nc, c.readHandshake)
}

func (c *Conn) start(nc net.Conn, handshake func() error) error {
	c.connMu.Lock()
	c.conn = nc
	c.connMu.Unlock()
	if err := handshake(); err != nil {
		err = opError("handshake", err)
		c.finish(Failed, err, true)
		return err
	}
	if c.closing.Load() {
		c.finish(Closed, ErrClosed, false)
		return ErrClosed
	}
	c.state.Store(int32(Open))
	c.log.Info().Str("remote", nc.RemoteAddr().String()).Msg("connection open")
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
	go c.readLoop()
	return nil
}

func (c *Conn) writeHandshake() error {
	c.sending.Lock()
	defer c.sending.Unlock()
	_, err := c.conn.Write(c.opts.Handshake[:])
	return err
}

func (c *Conn) readHandshake() error {
	var got protocol.Handshake
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return err
	}
	if _, err := io.ReadFull(c.conn, got[:]); err != nil {
		return err
	}
	if got != c.opts.Handshake {
		return ErrHandshakeMismatch
	}
	return c.conn.SetReadDeadline(time.Time{})
}

func (c *Conn) readLoop() {
	var decOpts []protocol.DecoderOption
	if c.opts.RawContent {
		decOpts = append(decOpts, protocol.WithRawContent())
	}
	decOpts = append(decOpts, protocol.WithMaxContentLength(c.opts.MaxContentLength))
	dec := protocol.NewDecoder(c.opts.OnMessage, decOpts...)
	buf := make([]byte, c.opts.ReadSize)

	for {
		if c.opts.StallTimeout > 0 {
			var deadline time.Time
			if dec.InFrame() {
				deadline = time.Now().Add(c.opts.StallTimeout)
			}
			if err := c.conn.SetReadDeadline(deadline); err != nil {
				c.finish(Failed, opError("read", err), true)
				return
			}
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			// The decoder keeps what it has not consumed and messages alias
			// it, so it gets an exact-size copy rather than buf itself.
			if derr := dec.Feed(bytes.Clone(buf[:n])); derr != nil {
				c.log.Error().Err(derr).Msg("decode failed, dropping connection")
				c.finish(Failed, derr, true)
				return
			}
		}
		if err == nil {
			continue
		}

		switch {
		case c.closing.Load():
			c.finish(Closed, ErrClosed, false)
		case errors.Is(err, os.ErrDeadlineExceeded) && dec.InFrame():
			stalled := errors.Wrapf(protocol.ErrStalledFrame, "no data for %s with %d bytes buffered", c.opts.StallTimeout, dec.Buffered())
			c.finish(Failed, stalled, true)
		case errors.Is(err, io.EOF) && !dec.InFrame():
			c.log.Info().Msg("connection closed by peer")
			c.finish(Closed, opError("read", err), false)
		case errors.Is(err, io.EOF):
			c.finish(Failed, opError("read", io.ErrUnexpectedEOF), true)
		default:
			c.finish(Failed, opError("read", err), true)
		}
		return
	}
}

// Send writes one frame. Frames from concurrent callers never interleave.
// A write failure is reported to OnError and returned; it does not close the
// connection by itself.
func (c *Conn) Send(f protocol.Frame) error {
	if c.State() != Open {
		if err := c.Err(); err != nil {
			return err
		}
		return ErrNotOpen
	}
	c.sending.Lock()
	err := protocol.Encode(c.conn, f)
	c.sending.Unlock()
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return err
		}
		err = opError("write", err)
		c.log.Warn().Err(err).Msg("frame write failed")
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		return err
	}
	return nil
}

// Close shuts the connection down. Pending reads end with ErrClosed.
func (c *Conn) Close() error {
	c.closing.Store(true)
	switch c.State() {
	case Disconnected:
		c.finish(Closed, ErrClosed, false)
		return nil
	case Connecting, Open:
		if nc := c.netConn(); nc != nil {
			return nc.Close()
		}
	}
	return nil
}

func (c *Conn) netConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// finish moves to a terminal state exactly once.
func (c *Conn) finish(state State, err error, report bool) {
	c.closeOnce.Do(func() {
		c.err = err
		c.state.Store(int32(state))
		if nc := c.netConn(); nc != nil {
			_ = nc.Close()
		}
		close(c.done)
		if report && err != nil {
			c.log.Error().Stack().Err(err).Str("state", state.String()).Msg("connection terminated")
			if c.opts.OnError != nil {
				c.opts.OnError(err)
			}
		}
	})
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection reaches Closed or Failed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection terminated, or nil while it is live.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// RemoteAddr returns the peer address once connected.
func (c *Conn) RemoteAddr() net.Addr {
	nc := c.netConn()
	if nc == nil {
		return nil
	}
	return nc.RemoteAddr()
}
