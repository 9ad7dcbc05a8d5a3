// Package protocol implements the length-prefixed frame format spoken with the
// IDE built-in RPC server.
//
// Every frame, in both directions, is a 4-byte big-endian content length
// followed by exactly that many bytes of UTF-8 text:
//
//	0        4
//	┌────────┬──────────────────────────────┐
//	│ length │        content ...           │
//	│ uint32 │        length bytes          │
//	└────────┴──────────────────────────────┘
//
// Call and reply frames prefix their JSON payload with a short textual
// preamble that is not itself JSON:
//
//	call:   1, "Domain", "command"[42,"x"]     (id and ", " dropped for NoReply)
//	result: 1, "r"{"ok":true}
//	error:  1, "e""boom"
//
// The preamble is written with plain quote wrapping and no escaping; the peer
// depends on these exact bytes, so callers must keep quotes out of domain and
// command names.
package protocol

import (
	"encoding/binary"
	"io"
	"math"
	"strconv"

	"frame-rpc/codec"
)

const (
	// LengthSize is the size of the content length prefix.
	LengthSize = 4

	// NoReply is the call id for calls that expect no correlated response.
	NoReply int64 = -1

	// DefaultMaxContentLength bounds how much a single frame may make the
	// decoder buffer.
	DefaultMaxContentLength uint32 = 16 << 20

	// DefaultPort is the port the IDE built-in server listens on.
	DefaultPort = 63342
)

// Reply kind markers carried in a reply preamble.
const (
	KindResult = "r"
	KindError  = "e"
)

// Frame is one outbound wire unit. Its content is Preamble followed by
// Payload; Len always equals the number of content bytes written.
type Frame struct {
	Preamble []byte // textual header, empty for payload-only frames
	Payload  []byte // JSON text
}

// Len returns the value written into the length prefix.
func (f Frame) Len() int {
	return len(f.Preamble) + len(f.Payload)
}

// Content returns the frame content as one contiguous slice.
func (f Frame) Content() []byte {
	out := make([]byte, 0, f.Len())
	out = append(out, f.Preamble...)
	return append(out, f.Payload...)
}

// Bytes returns the complete frame, length prefix included.
func (f Frame) Bytes() []byte {
	out := make([]byte, LengthSize, LengthSize+f.Len())
	binary.BigEndian.PutUint32(out, uint32(f.Len()))
	out = append(out, f.Preamble...)
	return append(out, f.Payload...)
}

// CallPreamble renders the header text of a call frame.
func CallPreamble(id int64, domain, command string) []byte {
	buf := make([]byte, 0, len(domain)+len(command)+32)
	if id != NoReply {
		buf = strconv.AppendInt(buf, id, 10)
		buf = append(buf, ", "...)
	}
	buf = append(buf, '"')
	buf = append(buf, domain...)
	buf = append(buf, `", "`...)
	buf = append(buf, command...)
	return append(buf, '"')
}

// ReplyPreamble renders the header text of a result or error frame.
func ReplyPreamble(id int64, isError bool) []byte {
	kind := KindResult
	if isError {
		kind = KindError
	}
	buf := strconv.AppendInt(make([]byte, 0, 24), id, 10)
	buf = append(buf, ", \""...)
	buf = append(buf, kind...)
	return append(buf, '"')
}

// EncodeCall builds a call frame. A nil params slice is sent as JSON null,
// matching what the peer's own client sends for a call without parameters.
func EncodeCall(id int64, domain, command string, params []any) (Frame, error) {
	payload, err := codec.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Preamble: CallPreamble(id, domain, command), Payload: payload}, nil
}

// EncodeResult builds a successful reply frame for call id.
func EncodeResult(id int64, result any) (Frame, error) {
	return encodeReply(id, result, false)
}

// EncodeError builds an error reply frame for call id.
func EncodeError(id int64, errValue any) (Frame, error) {
	return encodeReply(id, errValue, true)
}

func encodeReply(id int64, v any, isError bool) (Frame, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Preamble: ReplyPreamble(id, isError), Payload: payload}, nil
}

// EncodePayload builds a frame whose whole content is the JSON encoding of v.
func EncodePayload(v any) (Frame, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Payload: payload}, nil
}

// Encode writes f to w as three sequential writes: length prefix, preamble,
// payload. The caller must serialize Encode calls that share a writer,
// otherwise parts of different frames interleave on the stream.
func Encode(w io.Writer, f Frame) error {
	if uint64(f.Len()) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	var prefix [LengthSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(f.Len()))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(f.Preamble) > 0 {
		if _, err := w.Write(f.Preamble); err != nil {
			return err
		}
	}
	if _, err := w.Write(f.Payload); err != nil {
		return err
	}
	return nil
}
