package protocol

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

// HandshakeSize is the length of the capability token written right after
// connecting.
const HandshakeSize = 18

// Handshake is the opaque token a client writes once, immediately after the
// connection opens and before any frame.
type Handshake [HandshakeSize]byte

// DefaultHandshake is the token expected by the IDE built-in server (v1).
var DefaultHandshake = Handshake{
	0x43, 0x48, 0x69, 0x95, 0x7e, 0xeb, 0xaf, 0xb8, 0x40,
	0x36, 0xa9, 0xa8, 0x00, 0xd2, 0xd0, 0x22, 0xf9, 0xbd,
}

// ParseHandshake decodes a hex string into a Handshake.
func ParseHandshake(s string) (Handshake, error) {
	var h Handshake
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, errors.Wrap(err, "protocol: handshake")
	}
	if len(b) != HandshakeSize {
		return h, errors.Errorf("protocol: handshake must be %d bytes, got %d", HandshakeSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Handshake) String() string {
	return hex.EncodeToString(h[:])
}
