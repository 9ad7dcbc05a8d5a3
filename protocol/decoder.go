package protocol

import (
	"encoding/binary"

	"frame-rpc/codec"
)

const coalesceSize = 4096

// State is the decoder's position within the current frame.
type State uint8

const (
	AwaitingLength State = iota
	AwaitingContent
	// Halted follows a fatal error; the decoder accepts no further input.
	Halted
)

func (s State) String() string {
	switch s {
	case AwaitingLength:
		return "awaiting-length"
	case AwaitingContent:
		return "awaiting-content"
	case Halted:
		return "halted"
	}
	return "unknown"
}

// Message is one decoded frame.
type Message struct {
	// Raw is the frame content exactly as received. It aliases decoder input
	// and is never modified afterwards.
	Raw []byte
	// Value is the parsed content. It is null when the decoder runs in raw
	// content mode.
	Value codec.Value
}

// MessageHandler receives decoded frames, synchronously and in arrival order.
type MessageHandler func(Message)

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithRawContent makes the decoder deliver frame content without parsing it
// as JSON. Call and reply frames mix a textual preamble with JSON, so a peer
// speaking those shapes must be decoded in raw mode.
func WithRawContent() DecoderOption {
	return func(d *Decoder) { d.raw = true }
}

// WithMaxContentLength caps the declared content length. A larger frame is a
// ProtocolViolation. Zero keeps the default.
func WithMaxContentLength(n uint32) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxContent = n
		}
	}
}

// Decoder reassembles frames from a stream delivered in chunks of arbitrary
// size and boundary.
//
// Chunks are kept as they arrive and only merged into one contiguous buffer
// when a length field or content body actually spans several of them, so
// bytes are copied at most once per field rather than once per chunk.
//
// A Decoder is not safe for concurrent use. Confine it to the goroutine that
// reads the connection.
type Decoder struct {
	handler    MessageHandler
	raw        bool
	maxContent uint32

	state         State
	contentLength uint32
	frameOffset   int64

	active   []byte   // current contiguous buffer
	offset   int      // read position within active
	pending  [][]byte // chunks received after active
	tailOwn  bool     // last pending chunk was allocated here and may grow
	buffered int      // unconsumed bytes across active[offset:] and pending
	consumed int64    // bytes consumed since the stream started

	err error
}

// NewDecoder returns a decoder that calls handler once per complete frame.
func NewDecoder(handler MessageHandler, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		handler:    handler,
		maxContent: DefaultMaxContentLength,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed hands the next chunk of the stream to the decoder and delivers every
// frame it completes, which may be none, one or many. Feed takes ownership of
// chunk; the caller must not modify it afterwards.
//
// Feed returns a *ParseError or *ProtocolViolation when the stream can no
// longer be trusted. The decoder is then halted and every later call returns
// the same error.
func (d *Decoder) Feed(chunk []byte) error {
	if d.err != nil {
		return d.err
	}
	if len(chunk) > 0 {
		d.queue(chunk)
		d.buffered += len(chunk)
	}

	for {
		switch d.state {
		case AwaitingLength:
			b, ok := d.take(LengthSize)
			if !ok {
				return nil
			}
			d.frameOffset = d.consumed - LengthSize
			d.contentLength = binary.BigEndian.Uint32(b)
			if d.contentLength > d.maxContent {
				return d.fail(&ProtocolViolation{Offset: d.frameOffset, Length: d.contentLength, Max: d.maxContent})
			}
			d.state = AwaitingContent

		case AwaitingContent:
			b, ok := d.take(int(d.contentLength))
			if !ok {
				return nil
			}
			msg := Message{Raw: b}
			if !d.raw {
				v, err := codec.Unmarshal(b)
				if err != nil {
					return d.fail(&ParseError{Offset: d.frameOffset, Length: d.contentLength, Err: err})
				}
				msg.Value = v
			}
			d.state = AwaitingLength
			d.contentLength = 0
			if d.handler != nil {
				d.handler(msg)
			}

		default:
			return d.err
		}
	}
}

// queue stores chunk behind the unconsumed input. Small chunks are copied
// into a shared tail buffer so a peer trickling bytes costs no more memory
// than the bytes themselves.
func (d *Decoder) queue(chunk []byte) {
	if d.offset == len(d.active) && len(d.pending) == 0 {
		d.active, d.offset = chunk, 0
		return
	}
	last := len(d.pending) - 1
	switch {
	case last >= 0 && d.tailOwn && len(d.pending[last])+len(chunk) <= cap(d.pending[last]):
		d.pending[last] = append(d.pending[last], chunk...)
	case len(chunk) < coalesceSize/2:
		tail := make([]byte, len(chunk), coalesceSize)
		copy(tail, chunk)
		d.pending = append(d.pending, tail)
		d.tailOwn = true
	default:
		d.pending = append(d.pending, chunk)
		d.tailOwn = false
	}
}

// take consumes n bytes if that many are buffered. When the bytes span more
// than the active buffer, all pending chunks are merged first and the read
// offset restarts at zero in the merged buffer.
func (d *Decoder) take(n int) ([]byte, bool) {
	if d.buffered < n {
		return nil, false
	}
	for d.offset == len(d.active) && len(d.pending) > 0 {
		d.active, d.offset = d.pending[0], 0
		d.pending[0] = nil
		d.pending = d.pending[1:]
	}
	if len(d.active)-d.offset < n {
		merged := make([]byte, 0, d.buffered)
		merged = append(merged, d.active[d.offset:]...)
		for _, c := range d.pending {
			merged = append(merged, c...)
		}
		d.active, d.offset, d.pending = merged, 0, nil
		d.tailOwn = false
	}

	b := d.active[d.offset : d.offset+n : d.offset+n]
	d.offset += n
	d.buffered -= n
	d.consumed += int64(n)
	if d.offset == len(d.active) && len(d.pending) == 0 {
		d.active, d.offset = nil, 0
	}
	return b, true
}

func (d *Decoder) fail(err error) error {
	d.err = err
	d.state = Halted
	d.active, d.offset, d.pending, d.buffered = nil, 0, nil, 0
	d.tailOwn = false
	return err
}

// State reports where the decoder is within the current frame.
func (d *Decoder) State() State { return d.state }

// Buffered reports how many received bytes have not been consumed yet.
func (d *Decoder) Buffered() int { return d.buffered }

// InFrame reports whether a frame has started arriving but is not complete.
func (d *Decoder) InFrame() bool {
	return d.state == AwaitingContent || (d.state == AwaitingLength && d.buffered > 0)
}

// Err returns the fatal error that halted the decoder, if any.
func (d *Decoder) Err() error { return d.err }
