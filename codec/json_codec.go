package codec

import (
	"bytes"
	"encoding/json"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var ErrInvalidUTF8 = errors.New("codec: content is not valid UTF-8")

// JSONCodec uses encoding/json with the peer-compatible settings of Marshal.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	return json.Unmarshal(data, v)
}

// Marshal encodes v without HTML escaping and without a trailing newline, so
// strings such as "<a&b>" go out byte-for-byte the way the peer's own
// serializer writes them.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Unmarshal parses exactly one JSON value. Leading and trailing whitespace is
// allowed; anything else after the value is an error.
func Unmarshal(data []byte) (Value, error) {
	if !utf8.Valid(data) {
		return Value{}, ErrInvalidUTF8
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, err
	}
	if tok, err := dec.Token(); err != io.EOF {
		if err != nil {
			return Value{}, err
		}
		return Value{}, errors.Errorf("codec: unexpected %v after top-level value", tok)
	}
	return Value{v: v}, nil
}
