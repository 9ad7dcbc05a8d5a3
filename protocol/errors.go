package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame content exceeds uint32 length")
	ErrStalledFrame  = errors.New("protocol: frame content stalled")
)

// ParseError reports frame content that is not a single UTF-8 JSON value.
// It is fatal to the stream: the decoder halts and does not resynchronize.
type ParseError struct {
	Offset int64  // stream offset of the frame's length prefix
	Length uint32 // declared content length
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("protocol: frame at offset %d (%d bytes) is not valid JSON: %v", e.Offset, e.Length, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ProtocolViolation reports a frame header the decoder refuses to honour,
// such as a declared length above the configured maximum. Fatal.
type ProtocolViolation struct {
	Offset int64
	Length uint32
	Max    uint32
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol: frame at offset %d declares %d content bytes, limit is %d", e.Offset, e.Length, e.Max)
}
