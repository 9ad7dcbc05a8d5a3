// Package message defines the calls and replies carried inside frames.
//
// A Call is what the client sends: a correlation id, a domain and command
// naming the remote operation, and positional parameters. The peer answers a
// call whose id is not NoReply with exactly one Reply echoing that id.
package message

import (
	"encoding/json"
	"strconv"

	"frame-rpc/codec"
	"frame-rpc/protocol"
)

// NoReply is the id of a call that expects no response.
const NoReply = protocol.NoReply

// Call is an outbound remote call.
type Call struct {
	ID      int64
	Domain  string
	Command string
	Params  []any
}

// Method returns "Domain.command", used for logging and dispatch.
func (c *Call) Method() string { return c.Domain + "." + c.Command }

// ExpectsReply reports whether the peer must answer this call.
func (c *Call) ExpectsReply() bool { return c.ID != NoReply }

// ReplyKind tells a successful result from an error.
type ReplyKind uint8

const (
	Result ReplyKind = iota
	Error
)

func (k ReplyKind) String() string {
	if k == Error {
		return "error"
	}
	return "result"
}

// Inbound is a decoded frame: either a *Reply to one of our calls or a
// *Request the peer wants us to serve.
type Inbound interface {
	CorrelationID() int64
}

// Reply answers the call with the same ID.
type Reply struct {
	ID      int64
	Kind    ReplyKind
	Payload json.RawMessage
}

func (r *Reply) CorrelationID() int64 { return r.ID }

// Decode unmarshals the payload into v.
func (r *Reply) Decode(v any) error {
	return codec.JSONCodec{}.Decode(r.Payload, v)
}

// Value returns the payload as a JSON value.
func (r *Reply) Value() (codec.Value, error) {
	return codec.Unmarshal(r.Payload)
}

// Request is a call initiated by the peer. Params holds the raw JSON
// parameter array (or null).
type Request struct {
	ID      int64
	Domain  string
	Command string
	Params  json.RawMessage
}

func (r *Request) CorrelationID() int64 { return r.ID }

func (r *Request) Method() string { return r.Domain + "." + r.Command }

func (r *Request) ExpectsReply() bool { return r.ID != NoReply }

// ParamList splits Params into its positional elements. A null or missing
// parameter list yields no elements.
func (r *Request) ParamList() ([]json.RawMessage, error) {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(r.Params, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// RemoteError is returned to a caller when the peer answers with an error
// reply. Payload is the peer's error value as sent.
type RemoteError struct {
	Method  string
	Payload json.RawMessage
}

func (e *RemoteError) Error() string {
	msg := string(e.Payload)
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		msg = strconv.Quote(s)
	}
	return "remote error from " + e.Method + ": " + msg
}
