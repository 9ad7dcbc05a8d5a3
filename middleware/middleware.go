// Package middleware wraps outbound calls the same way handlers are wrapped
// on a server: Chain(A, B, C)(invoke) runs A, then B, then C around invoke.
package middleware

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"frame-rpc/message"
)

var (
	ErrTimeout     = errors.New("rpc: call timed out")
	ErrRateLimited = errors.New("rpc: rate limit exceeded")
)

// Invoker performs one call and returns the peer's result payload. For a
// call with id NoReply it returns once the frame is written.
type Invoker func(ctx context.Context, call *message.Call) (json.RawMessage, error)

type Middleware func(next Invoker) Invoker

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
