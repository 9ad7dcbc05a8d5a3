package message

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"frame-rpc/codec"
)

var ErrMalformed = errors.New("message: malformed content")

func malformed(format string, args ...any) error {
	return errors.Wrapf(ErrMalformed, format, args...)
}

// Parse interprets the content of one frame. Two encodings are accepted:
//
//   - the preamble form written by protocol.EncodeCall/EncodeResult, e.g.
//     `1, "r"{"x":1}` or `2, "Editor", "open"["a.go"]`;
//   - a JSON array, e.g. `[1, "r", {"x":1}]` or `[2, "Editor", "open", ["a.go"]]`,
//     where a call without an id omits the leading number.
func Parse(raw []byte) (Inbound, error) {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return nil, malformed("empty content")
	}
	if raw[0] == '[' {
		return parseArray(raw)
	}
	return parsePreamble(raw)
}

func parsePreamble(raw []byte) (Inbound, error) {
	id := NoReply
	rest := raw
	if c := rest[0]; c == '-' || (c >= '0' && c <= '9') {
		end := 1
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		n, err := strconv.ParseInt(string(rest[:end]), 10, 64)
		if err != nil {
			return nil, malformed("bad id %q", rest[:end])
		}
		id = n
		var ok bool
		if rest, ok = skipComma(rest[end:]); !ok {
			return nil, malformed("missing separator after id")
		}
	}

	first, rest, err := quoted(rest)
	if err != nil {
		return nil, err
	}
	if after, ok := skipComma(rest); ok {
		command, body, err := quoted(after)
		if err != nil {
			return nil, err
		}
		if err := validJSON(body); err != nil {
			return nil, err
		}
		return &Request{ID: id, Domain: first, Command: command, Params: json.RawMessage(body)}, nil
	}

	if id == NoReply {
		return nil, malformed("reply without id")
	}
	kind, err := replyKind(first)
	if err != nil {
		return nil, err
	}
	if err := validJSON(rest); err != nil {
		return nil, err
	}
	return &Reply{ID: id, Kind: kind, Payload: json.RawMessage(rest)}, nil
}

func parseArray(raw []byte) (Inbound, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, malformed("%v", err)
	}
	id := NoReply
	if len(elems) > 0 {
		if v, err := codec.Unmarshal(elems[0]); err == nil {
			if n, ok := v.AsInt64(); ok {
				id = n
				elems = elems[1:]
			} else if v.Kind() == codec.KindNumber {
				return nil, malformed("non-integer id %s", elems[0])
			}
		}
	}

	var strs []string
	for _, e := range elems {
		var s string
		if json.Unmarshal(e, &s) != nil {
			break
		}
		strs = append(strs, s)
	}

	switch {
	case id != NoReply && len(elems) == 2 && len(strs) >= 1 && (strs[0] == "r" || strs[0] == "e"):
		kind, _ := replyKind(strs[0])
		return &Reply{ID: id, Kind: kind, Payload: elems[1]}, nil
	case len(elems) >= 2 && len(elems) <= 3 && len(strs) >= 2:
		req := &Request{ID: id, Domain: strs[0], Command: strs[1], Params: json.RawMessage("null")}
		if len(elems) == 3 {
			req.Params = elems[2]
		}
		return req, nil
	}
	return nil, malformed("unrecognized array shape with %d elements", len(elems))
}

func replyKind(s string) (ReplyKind, error) {
	switch s {
	case "r":
		return Result, nil
	case "e":
		return Error, nil
	}
	return 0, malformed("unknown reply kind %q", s)
}

// quoted reads a double-quoted string with no escapes, the way the preamble
// is written.
func quoted(b []byte) (string, []byte, error) {
	if len(b) == 0 || b[0] != '"' {
		return "", nil, malformed("expected quoted name")
	}
	end := bytes.IndexByte(b[1:], '"')
	if end < 0 {
		return "", nil, malformed("unterminated quoted name")
	}
	return string(b[1 : 1+end]), b[end+2:], nil
}

func skipComma(b []byte) ([]byte, bool) {
	if len(b) == 0 || b[0] != ',' {
		return b, false
	}
	return bytes.TrimLeft(b[1:], " "), true
}

func validJSON(b []byte) error {
	if !json.Valid(b) {
		return malformed("payload is not valid JSON")
	}
	return nil
}
