package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"frame-rpc/message"
)

// Timeout bounds how long a call may wait for its reply. An expired call
// fails with ErrTimeout; a reply arriving later is dropped by the client.
func Timeout(timeout time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *message.Call) (json.RawMessage, error) {
			if timeout <= 0 {
				return next(ctx, call)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result, err := next(ctx, call)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return result, err
		}
	}
}
